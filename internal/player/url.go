package player

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
)

// isHLSDelivery reports whether a transcoding source is delivered as HLS
// rather than a progressive transcode.
func isHLSDelivery(source *jellyfin.MediaSource) bool {
	if source == nil {
		return false
	}
	if strings.Contains(source.TranscodingURL, ".m3u8") || strings.Contains(source.TranscodingURL, "/hls/") {
		return true
	}
	return strings.EqualFold(source.TranscodingContainer, "ts")
}

// injectTranscodeParams rewrites the track and session query parameters on a
// server-issued transcoding URL so rebuilt loads carry the current
// selections. A non-negative subtitle index implies server-side burn-in.
func injectTranscodeParams(rawURL string, audioIndex *int, subtitleIndex int, playSessionID string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid transcoding URL: %w", err)
	}

	query := parsed.Query()
	if audioIndex != nil {
		query.Set("AudioStreamIndex", strconv.Itoa(*audioIndex))
	}
	if subtitleIndex >= 0 {
		query.Set("SubtitleStreamIndex", strconv.Itoa(subtitleIndex))
		query.Set("SubtitleMethod", jellyfin.SubtitleMethodEncode)
	} else {
		query.Del("SubtitleStreamIndex")
		query.Del("SubtitleMethod")
	}
	if playSessionID != "" {
		query.Set("PlaySessionId", playSessionID)
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// newPlaySessionID generates a client-side session id for forced rebuilds,
// distinct from any id the server handed out for the failed session.
func newPlaySessionID(now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d-rebuild", now.UnixMilli())
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(buf))
}

// effectivePlayMethod resolves the play method when negotiation metadata is
// missing: a transcoding URL means Transcode, direct-play support means
// DirectPlay, anything else falls back to DirectStream.
func effectivePlayMethod(method string, source *jellyfin.MediaSource) string {
	if method != "" {
		return method
	}
	if source == nil {
		return jellyfin.PlayMethodDirectStream
	}
	if source.TranscodingURL != "" {
		return jellyfin.PlayMethodTranscode
	}
	if source.SupportsDirectPlay {
		return jellyfin.PlayMethodDirectPlay
	}
	return jellyfin.PlayMethodDirectStream
}
