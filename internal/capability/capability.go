// Package capability models what the device in front of the engine can play:
// codec and HDR support flags, channel and bitrate ceilings, and the audio
// codecs each container may carry. A profile is probed once, cached with a
// signature and TTL, and treated as immutable afterwards.
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Profile is a static snapshot of device playback capability. It contains no
// user preferences; those live in the per-attempt playback settings.
type Profile struct {
	DeviceName string `json:"device_name"`
	FirmwareID string `json:"firmware_id"`

	HEVC             bool `json:"hevc"`
	AV1              bool `json:"av1"`
	VP9              bool `json:"vp9"`
	AC3              bool `json:"ac3"`
	EAC3             bool `json:"eac3"`
	Atmos            bool `json:"atmos"`
	DolbyVision      bool `json:"dolby_vision"`
	DolbyVisionInMKV bool `json:"dolby_vision_in_mkv"`
	HDR10            bool `json:"hdr10"`
	HDR10Plus        bool `json:"hdr10_plus"`
	HLG              bool `json:"hlg"`
	WebP             bool `json:"webp"`

	MaxAudioChannels    int   `json:"max_audio_channels"`
	MaxStreamingBitrate int64 `json:"max_streaming_bitrate"`

	// ContainerAudioCodecs maps a container name to the audio codecs the
	// device accepts inside it without transformation.
	ContainerAudioCodecs map[string][]string `json:"container_audio_codecs"`
}

// Default returns the conservative baseline profile: h264/aac everywhere,
// stereo-safe 6 channel ceiling, and no HDR assumptions. A malformed or
// failed probe degrades to this rather than failing playback outright.
func Default() *Profile {
	return &Profile{
		DeviceName:          "generic-tv",
		MaxAudioChannels:    6,
		MaxStreamingBitrate: 100_000_000,
		HDR10:               false,
		ContainerAudioCodecs: map[string][]string{
			"mp4":  {"aac", "mp3"},
			"ts":   {"aac", "mp3"},
			"mkv":  {"aac", "mp3"},
			"webm": {"vorbis", "opus"},
		},
	}
}

// Normalize fills in anything a probe left empty so downstream consumers can
// rely on every field having a usable value.
func (p *Profile) Normalize() {
	defaults := Default()
	if p.DeviceName == "" {
		p.DeviceName = defaults.DeviceName
	}
	if p.MaxAudioChannels <= 0 {
		p.MaxAudioChannels = defaults.MaxAudioChannels
	}
	if p.MaxStreamingBitrate <= 0 || p.MaxStreamingBitrate > 120_000_000 {
		p.MaxStreamingBitrate = 120_000_000
	}
	if len(p.ContainerAudioCodecs) == 0 {
		p.ContainerAudioCodecs = defaults.ContainerAudioCodecs
	}
}

// AudioCodecsFor returns the accepted audio codecs for a container, falling
// back to the mp4 list for unknown containers.
func (p *Profile) AudioCodecsFor(container string) []string {
	container = strings.ToLower(strings.TrimSpace(container))
	if codecs, ok := p.ContainerAudioCodecs[container]; ok {
		return codecs
	}
	return p.ContainerAudioCodecs["mp4"]
}

// SupportedVideoRangeTypes returns the VideoRangeType tokens negotiation may
// claim, given an optional dynamic range cap ("auto", "hdr10", "sdr"). SDR is
// always present. Dolby Vision tokens are only offered for streams carrying a
// compatible fallback layer the device could use if DV itself fails.
func (p *Profile) SupportedVideoRangeTypes(dynamicRangeCap string) []string {
	ranges := []string{"SDR"}
	rangeCap := strings.ToLower(strings.TrimSpace(dynamicRangeCap))
	if rangeCap != "hdr10" && rangeCap != "sdr" {
		rangeCap = "auto"
	}

	if rangeCap == "sdr" {
		ranges = append(ranges, "DOVIWithSDR")
		return ranges
	}

	if p.HDR10 {
		ranges = append(ranges, "HDR10")
	}
	if p.HDR10Plus {
		ranges = append(ranges, "HDR10Plus")
	}
	if p.HLG {
		ranges = append(ranges, "HLG")
	}

	if rangeCap == "auto" && p.DolbyVision {
		ranges = append(ranges, "DOVI")
	}
	if p.HDR10 {
		ranges = append(ranges, "DOVIWithHDR10")
	}
	if p.HDR10Plus {
		ranges = append(ranges, "DOVIWithHDR10Plus")
	}
	if p.HLG {
		ranges = append(ranges, "DOVIWithHLG")
	}
	ranges = append(ranges, "DOVIWithSDR")

	return ranges
}

// Signature returns a stable fingerprint of the profile identity fields used
// to decide whether a cached probe still describes this device.
func (p *Profile) Signature() string {
	var sb strings.Builder
	sb.WriteString(p.DeviceName)
	sb.WriteByte('|')
	sb.WriteString(p.FirmwareID)
	sb.WriteByte('|')
	fmt.Fprintf(&sb, "%t%t%t%t%t%t%t%t%t%t%t%t|%d|%d",
		p.HEVC, p.AV1, p.VP9, p.AC3, p.EAC3, p.Atmos,
		p.DolbyVision, p.DolbyVisionInMKV, p.HDR10, p.HDR10Plus, p.HLG, p.WebP,
		p.MaxAudioChannels, p.MaxStreamingBitrate)

	containers := make([]string, 0, len(p.ContainerAudioCodecs))
	for container := range p.ContainerAudioCodecs {
		containers = append(containers, container)
	}
	sort.Strings(containers)
	for _, container := range containers {
		sb.WriteByte('|')
		sb.WriteString(container)
		sb.WriteByte('=')
		sb.WriteString(strings.Join(p.ContainerAudioCodecs[container], ","))
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:8])
}
