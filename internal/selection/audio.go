// Package selection picks the best MediaSource from a server's candidate list
// and decides how it should be played. All functions are pure: they read the
// source and the device capability profile and never perform I/O.
package selection

import (
	"strings"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
)

// audioCodecPriority ranks audio codecs from most to least preferred for
// direct playback on TV hardware. Position doubles as the compatibility set.
var audioCodecPriority = []string{
	"eac3",
	"ec3",
	"ac3",
	"dolby",
	"aac",
	"mp3",
	"mp2",
	"flac",
	"opus",
	"vorbis",
	"pcm_s24le",
	"pcm_s16le",
	"lpcm",
	"wav",
}

var supportedAudioCodecs = func() map[string]int {
	m := make(map[string]int, len(audioCodecPriority))
	for i, codec := range audioCodecPriority {
		m[codec] = len(audioCodecPriority) - i
	}
	return m
}()

// NormalizeCodec lowercases and trims a codec identifier.
func NormalizeCodec(codec string) string {
	return strings.ToLower(strings.TrimSpace(codec))
}

// IsSupportedAudioCodec reports whether the codec can be decoded natively.
// An empty codec is treated as supported: the server omits the field for
// streams it considers unremarkable.
func IsSupportedAudioCodec(codec string) bool {
	normalized := NormalizeCodec(codec)
	if normalized == "" {
		return true
	}
	_, ok := supportedAudioCodecs[normalized]
	return ok
}

// HasCompatibleAudio reports whether the source has at least one natively
// decodable audio stream. Sources without any audio streams are compatible.
func HasCompatibleAudio(source *jellyfin.MediaSource) bool {
	streams := source.AudioStreams()
	if len(streams) == 0 {
		return true
	}
	for _, stream := range streams {
		if IsSupportedAudioCodec(stream.Codec) {
			return true
		}
	}
	return false
}

// DefaultAudioStreamIndex returns the server's default audio stream index,
// falling back to the stream flagged IsDefault. Returns nil when the source
// expresses no default.
func DefaultAudioStreamIndex(source *jellyfin.MediaSource) *int {
	if source.DefaultAudioStreamIndex != nil {
		v := *source.DefaultAudioStreamIndex
		return &v
	}
	for _, stream := range source.AudioStreams() {
		if stream.IsDefault {
			v := stream.Index
			return &v
		}
	}
	return nil
}

// FindBestCompatibleAudioStreamIndex returns the index of the most preferred
// natively decodable audio stream, ranked by codec priority then channel
// count. Returns nil when no compatible stream exists.
func FindBestCompatibleAudioStreamIndex(source *jellyfin.MediaSource) *int {
	var bestIndex *int
	bestScore := -1

	for _, stream := range source.AudioStreams() {
		codec := NormalizeCodec(stream.Codec)
		priority, known := supportedAudioCodecs[codec]
		if codec != "" && !known {
			continue
		}
		if codec == "" {
			priority = 1
		}
		score := priority*100 + stream.Channels
		if score > bestScore {
			bestScore = score
			v := stream.Index
			bestIndex = &v
		}
	}
	return bestIndex
}
