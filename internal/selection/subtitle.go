package selection

import (
	"github.com/opd-ai/go-jf-play/internal/jellyfin"
)

// textSubtitleCodecs are the subtitle formats that can be delivered as
// side-loaded text tracks without re-encoding the video.
var textSubtitleCodecs = map[string]struct{}{
	"srt":    {},
	"subrip": {},
	"vtt":    {},
	"webvtt": {},
	"txt":    {},
	"smi":    {},
	"sami":   {},
	"ttml":   {},
	"dfxp":   {},
}

// IsTextSubtitleCodec reports whether the codec is a pass-through text format.
func IsTextSubtitleCodec(codec string) bool {
	_, ok := textSubtitleCodecs[NormalizeCodec(codec)]
	return ok
}

// NormalizeSubtitleCodec extracts the best available codec identifier from a
// subtitle stream, trying Codec, CodecTag, DeliveryMethod, and DisplayTitle
// in that order. Servers are inconsistent about which field they populate.
func NormalizeSubtitleCodec(stream *jellyfin.MediaStream) string {
	for _, candidate := range []string{stream.Codec, stream.CodecTag, stream.DeliveryMethod, stream.DisplayTitle} {
		if normalized := NormalizeCodec(candidate); normalized != "" {
			return normalized
		}
	}
	return ""
}

// SubtitleStreamByIndex finds the subtitle stream with the given source-level
// index. Returns nil for negative indices or unknown indices.
func SubtitleStreamByIndex(source *jellyfin.MediaSource, index int) *jellyfin.MediaStream {
	if index < 0 {
		return nil
	}
	streams := source.SubtitleStreams()
	for i := range streams {
		if streams[i].Index == index {
			return &streams[i]
		}
	}
	return nil
}

// RequiresBurnIn reports whether selecting the given subtitle stream forces a
// transcode. Only known text formats keep direct play; anything else,
// including unrecognizable codecs, is assumed to need burn-in.
func RequiresBurnIn(source *jellyfin.MediaSource, subtitleIndex int) bool {
	stream := SubtitleStreamByIndex(source, subtitleIndex)
	if stream == nil {
		return false
	}
	return !IsTextSubtitleCodec(NormalizeSubtitleCodec(stream))
}
