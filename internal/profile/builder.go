// Package profile builds the server-facing DeviceProfile from the device
// capability snapshot and the per-attempt playback settings. Building is pure
// and deterministic; the profile is recomputed for every playback attempt.
package profile

import (
	"fmt"
	"strings"

	"github.com/opd-ai/go-jf-play/internal/capability"
	"github.com/opd-ai/go-jf-play/internal/jellyfin"
)

// Settings is the slice of playback settings the builder cares about.
type Settings struct {
	ForceTranscoding       bool
	ForceSubtitleBurnIn    bool
	RelaxedPlaybackProfile bool
	DynamicRangeCap        string
	MaxBitrateMbps         int
}

// Subtitle formats grouped by delivery capability. Text formats can be
// side-loaded; image formats must always be burned in.
var (
	textSubtitleFormats  = []string{"ass", "ssa", "srt", "subrip", "vtt", "webvtt"}
	imageSubtitleFormats = []string{"pgs", "pgssub", "dvbsub", "dvdsub"}
)

// Build derives the DeviceProfile sent with every PlaybackInfo request.
func Build(device *capability.Profile, settings Settings) *jellyfin.DeviceProfile {
	name := "go-jf-play TV"
	if settings.RelaxedPlaybackProfile {
		name = "go-jf-play TV (Relaxed)"
	}

	return &jellyfin.DeviceProfile{
		Name:                             name,
		MaxStreamingBitrate:              maxStreamingBitrate(device, settings),
		MaxStaticBitrate:                 100_000_000,
		MusicStreamingTranscodingBitrate: 384_000,
		DirectPlayProfiles:               buildDirectPlayProfiles(device, settings),
		TranscodingProfiles:              buildTranscodingProfiles(settings),
		SubtitleProfiles:                 buildSubtitleProfiles(settings),
		ContainerProfiles:                []jellyfin.ContainerProfile{},
		CodecProfiles:                    buildCodecProfiles(device, settings),
		ResponseProfiles: []jellyfin.ResponseProfile{
			{Type: "Video", Container: "m4v", MimeType: "video/mp4"},
		},
	}
}

func maxStreamingBitrate(device *capability.Profile, settings Settings) int64 {
	ceiling := device.MaxStreamingBitrate
	if ceiling <= 0 {
		ceiling = 120_000_000
	}
	if settings.MaxBitrateMbps > 0 {
		requested := int64(settings.MaxBitrateMbps) * 1_000_000
		if requested < ceiling {
			return requested
		}
	}
	return ceiling
}

// videoCodecsFor builds the per-container direct-play video codec list. h264
// is always present; everything else depends on capability flags.
func videoCodecsFor(container string, device *capability.Profile) string {
	codecs := []string{"h264"}
	switch container {
	case "mp4", "ts":
		if device.HEVC {
			codecs = append(codecs, "hevc")
		}
		codecs = append(codecs, "mpeg4", "mpeg2video")
		if container == "mp4" && device.AV1 {
			codecs = append(codecs, "av1")
		}
	case "mkv":
		if device.HEVC {
			codecs = append(codecs, "hevc")
		}
		codecs = append(codecs, "mpeg4", "mpeg2video")
		if device.VP9 {
			codecs = append(codecs, "vp9")
		}
		if device.AV1 {
			codecs = append(codecs, "av1")
		}
	case "webm":
		codecs = []string{}
		if device.VP9 {
			codecs = append(codecs, "vp9")
		}
		if device.AV1 {
			codecs = append(codecs, "av1")
		}
	}
	return strings.Join(codecs, ",")
}

func buildDirectPlayProfiles(device *capability.Profile, settings Settings) []jellyfin.DirectPlayProfile {
	// Forcing transcoding means telling the server the device can direct-play
	// nothing at all.
	if settings.ForceTranscoding {
		return []jellyfin.DirectPlayProfile{}
	}

	hlsCodecs := "h264"
	if device.HEVC {
		hlsCodecs = "h264,hevc"
	}

	profiles := []jellyfin.DirectPlayProfile{
		{Container: "hls", Type: "Video", VideoCodec: hlsCodecs, AudioCodec: strings.Join(device.AudioCodecsFor("ts"), ",")},
		{Container: "mp4,m4v,mov", Type: "Video", VideoCodec: videoCodecsFor("mp4", device), AudioCodec: strings.Join(device.AudioCodecsFor("mp4"), ",")},
		{Container: "ts,mpegts,m2ts", Type: "Video", VideoCodec: videoCodecsFor("ts", device), AudioCodec: strings.Join(device.AudioCodecsFor("ts"), ",")},
		{Container: "mkv", Type: "Video", VideoCodec: videoCodecsFor("mkv", device), AudioCodec: strings.Join(device.AudioCodecsFor("mkv"), ",")},
		{Container: "mp3", Type: "Audio", AudioCodec: "mp3"},
		{Container: "aac", Type: "Audio", AudioCodec: "aac"},
		{Container: "flac", Type: "Audio", AudioCodec: "flac"},
		{Container: "webm", Type: "Audio", AudioCodec: "vorbis,opus"},
	}

	if webm := videoCodecsFor("webm", device); webm != "" {
		profiles = append(profiles, jellyfin.DirectPlayProfile{
			Container: "webm", Type: "Video", VideoCodec: webm,
			AudioCodec: strings.Join(device.AudioCodecsFor("webm"), ","),
		})
	}

	if settings.RelaxedPlaybackProfile {
		profiles = append(profiles, jellyfin.DirectPlayProfile{
			Container:  "mkv",
			Type:       "Video",
			VideoCodec: videoCodecsFor("mkv", device),
			AudioCodec: "aac,ac3,eac3,mp3,mp2,flac,opus,vorbis,pcm,dts,dca,truehd",
		})
	}

	return profiles
}

func buildTranscodingProfiles(settings Settings) []jellyfin.TranscodingProfile {
	profiles := []jellyfin.TranscodingProfile{
		// Stereo HLS is the most compatible transcode target on TV hardware.
		{
			Container: "ts", Type: "Video",
			AudioCodec: "aac", VideoCodec: "h264",
			Context: "Streaming", Protocol: "hls",
			MaxAudioChannels: "2", MinSegments: "1",
		},
		{
			Container: "ts", Type: "Audio",
			AudioCodec: "aac",
			Context:    "Streaming", Protocol: "hls",
			MaxAudioChannels: "2",
		},
		{
			Container: "mp3", Type: "Audio",
			AudioCodec: "mp3",
			Context:    "Streaming", Protocol: "http",
			MaxAudioChannels: "2",
		},
	}

	if settings.RelaxedPlaybackProfile {
		profiles = append(profiles,
			jellyfin.TranscodingProfile{
				Container: "ts", Type: "Video",
				AudioCodec: "aac,ac3,mp3", VideoCodec: "h264",
				Context: "Streaming", Protocol: "hls",
				MaxAudioChannels: "6", MinSegments: "1",
			},
			jellyfin.TranscodingProfile{
				Container: "mp4", Type: "Video",
				AudioCodec: "aac,ac3,mp3", VideoCodec: "h264",
				Context: "Streaming", Protocol: "http",
				MaxAudioChannels: "6",
			},
		)
	}

	return profiles
}

func buildSubtitleProfiles(settings Settings) []jellyfin.SubtitleProfile {
	var profiles []jellyfin.SubtitleProfile

	if !settings.ForceSubtitleBurnIn {
		for _, format := range textSubtitleFormats {
			profiles = append(profiles, jellyfin.SubtitleProfile{Format: format, Method: jellyfin.SubtitleMethodExternal})
		}
		if settings.RelaxedPlaybackProfile {
			for _, format := range textSubtitleFormats {
				profiles = append(profiles, jellyfin.SubtitleProfile{Format: format, Method: jellyfin.SubtitleMethodEncode})
			}
		}
	} else {
		for _, format := range textSubtitleFormats {
			profiles = append(profiles, jellyfin.SubtitleProfile{Format: format, Method: jellyfin.SubtitleMethodEncode})
		}
	}

	// Image subtitles can never pass through untouched.
	for _, format := range imageSubtitleFormats {
		profiles = append(profiles, jellyfin.SubtitleProfile{Format: format, Method: jellyfin.SubtitleMethodEncode})
	}

	return profiles
}

func buildCodecProfiles(device *capability.Profile, settings Settings) []jellyfin.CodecProfile {
	rangeTypes := strings.Join(device.SupportedVideoRangeTypes(settings.DynamicRangeCap), "|")
	maxChannels := fmt.Sprintf("%d", device.MaxAudioChannels)

	profiles := []jellyfin.CodecProfile{
		{
			Type:  "Video",
			Codec: "h264",
			Conditions: []jellyfin.ProfileCondition{
				{Condition: "EqualsAny", Property: "VideoProfile", Value: "high|main|baseline|constrained baseline"},
				{Condition: "LessThanEqual", Property: "VideoLevel", Value: "51"},
				{Condition: "NotEquals", Property: "IsAnamorphic", Value: "true", IsRequired: false},
			},
		},
	}

	if device.HEVC {
		hevcProfiles := "main"
		if device.HDR10 {
			hevcProfiles = "main|main 10"
		}
		profiles = append(profiles, jellyfin.CodecProfile{
			Type:  "Video",
			Codec: "hevc",
			Conditions: []jellyfin.ProfileCondition{
				{Condition: "EqualsAny", Property: "VideoProfile", Value: hevcProfiles},
				{Condition: "LessThanEqual", Property: "VideoLevel", Value: "183"},
				{Condition: "EqualsAny", Property: "VideoRangeType", Value: rangeTypes},
				{Condition: "NotEquals", Property: "IsAnamorphic", Value: "true", IsRequired: false},
			},
		})
	}
	if device.AV1 {
		profiles = append(profiles, jellyfin.CodecProfile{
			Type:  "Video",
			Codec: "av1",
			Conditions: []jellyfin.ProfileCondition{
				{Condition: "EqualsAny", Property: "VideoRangeType", Value: rangeTypes},
			},
		})
	}

	profiles = append(profiles,
		jellyfin.CodecProfile{
			Type:  "VideoAudio",
			Codec: "aac,mp3",
			Conditions: []jellyfin.ProfileCondition{
				{Condition: "LessThanEqual", Property: "AudioChannels", Value: maxChannels},
			},
		},
		jellyfin.CodecProfile{
			Type:  "VideoAudio",
			Codec: "ac3,eac3",
			Conditions: []jellyfin.ProfileCondition{
				{Condition: "LessThanEqual", Property: "AudioChannels", Value: maxChannels},
			},
		},
	)

	return profiles
}
