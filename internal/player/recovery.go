package player

import (
	"context"
	"fmt"
	"strings"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/internal/selection"
	"github.com/opd-ai/go-jf-play/internal/tracks"
)

// recoveryState tracks the bounded recovery ladder. Attempt-scoped fields
// reset on every load and again when playback is confirmed; item-scoped
// fields persist across session rebuilds of the same item so escalations
// cannot loop.
type recoveryState struct {
	// attempt scope
	failureLocked          bool
	networkAttempts        int
	mediaAttempts          int
	rebuildAttempted       bool
	rangeFallbackAttempted bool

	// item scope
	rebuildAttempts            int
	transcodeFallbackAttempted bool
	subtitleFallbackAttempted  bool
}

func (r *recoveryState) resetAttempt() {
	r.failureLocked = false
	r.networkAttempts = 0
	r.mediaAttempts = 0
	r.rebuildAttempted = false
	r.rangeFallbackAttempted = false
}

// HLSErrorType categorizes an error reported by the HLS client.
type HLSErrorType int

const (
	HLSErrorNetwork HLSErrorType = iota
	HLSErrorMedia
	HLSErrorOther
)

// HLSError is one error event from the media layer's HLS client. Generation,
// when non-zero, stamps the load attempt the event belongs to; events from a
// superseded attempt are dropped.
type HLSError struct {
	Generation int64
	Type       HLSErrorType
	Detail     string // client detail token, e.g. "fragLoadError"
	Fatal      bool
	StatusCode int    // HTTP status of the failing request, 0 if none
	URL        string // failing request URL, "" if none
}

const fragLoadErrorDetail = "fragLoadError"

// HandleHLSError applies the recovery ladder to an HLS error event.
func (c *Controller) HandleHLSError(ctx context.Context, evt HLSError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.rec.failureLocked {
		return
	}
	if evt.Generation != 0 && evt.Generation != c.generation {
		c.logger.Debug("Dropping HLS error from superseded attempt", "generation", evt.Generation)
		return
	}

	if isSubtitleCompatibilityError(evt) && c.settings.StrictTranscodingMode {
		c.terminal("Subtitle burn-in failed while strict transcoding is enabled.")
		return
	}

	// Fragment load failures get the subtitle-compatibility check even when
	// non-fatal; everything else escalates only once the HLS client gives up
	// and flags the error fatal. Non-fatal errors are retried internally by
	// the client and must not consume recovery attempts.
	if evt.Type == HLSErrorNetwork && evt.Detail == fragLoadErrorDetail {
		if c.attemptSubtitleFallback(ctx, evt) {
			return
		}
	}
	if evt.Fatal {
		c.handleFatalHLSError(ctx, evt)
	}
}

func (c *Controller) handleFatalHLSError(ctx context.Context, evt HLSError) {
	switch evt.Type {
	case HLSErrorNetwork:
		if evt.StatusCode >= 500 && evt.Detail == fragLoadErrorDetail {
			reason := fmt.Sprintf("fragment request failed with HTTP %d", evt.StatusCode)
			if c.attemptSessionRebuild(ctx, reason, "Server stream failed. Rebuilding playback session...") {
				return
			}
			c.terminal("Playback failed after session rebuild attempt. Please retry or go back.")
			return
		}
		if c.rec.networkAttempts < c.recovery.MaxHlsNetworkRecoveryAttempts {
			c.rec.networkAttempts++
			c.logger.Warn("Fatal HLS network error, restarting load",
				"detail", evt.Detail,
				"attempt", c.rec.networkAttempts,
				"max", c.recovery.MaxHlsNetworkRecoveryAttempts)
			c.media.StartLoad()
			return
		}
		c.terminal("Playback failed after multiple network retries. Please retry or go back.")

	case HLSErrorMedia:
		if c.rec.mediaAttempts < c.recovery.MaxHlsMediaRecoveryAttempts {
			c.rec.mediaAttempts++
			c.logger.Warn("Fatal HLS media error, attempting media recovery",
				"detail", evt.Detail,
				"attempt", c.rec.mediaAttempts,
				"max", c.recovery.MaxHlsMediaRecoveryAttempts)
			c.media.RecoverMedia()
			return
		}
		c.terminal("Playback failed after repeated media recovery attempts. Please retry or go back.")

	default:
		detail := evt.Detail
		if detail == "" {
			detail = "unknown error"
		}
		c.terminal("HLS playback error: " + detail)
	}
}

// HandlePlaybackFailure runs the startup/decode failure ladder: dynamic
// range step-down first, then a one-shot switch to transcoding, then a
// session rebuild, then terminal failure.
func (c *Controller) HandlePlaybackFailure(ctx context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPlayback(ctx, reason)
}

// failPlayback escalates a failed attempt. The caller holds the lock.
func (c *Controller) failPlayback(ctx context.Context, reason string) {
	if c.session == nil || c.rec.failureLocked {
		return
	}
	if c.attemptRangeStepDown(ctx, reason) {
		return
	}
	if c.attemptTranscodeFallback(ctx, reason) {
		return
	}
	if c.attemptSessionRebuild(ctx, reason, "") {
		return
	}
	c.terminal("Failed to play video. Please retry or go back.")
}

// attemptRangeStepDown lowers the dynamic range cap one step for Dolby
// Vision sources and rebuilds. At most one step per load; the cap never
// moves back up within an item.
func (c *Controller) attemptRangeStepDown(ctx context.Context, reason string) bool {
	if c.rec.rangeFallbackAttempted {
		return false
	}
	if strings.Contains(strings.ToLower(reason), "subtitle") {
		return false
	}
	currentCap := selection.NormalizeDynamicRangeCap(c.effectiveCap())
	if currentCap == "sdr" {
		return false
	}
	if selection.DynamicRange(c.source()).ID != selection.RangeDV {
		return false
	}

	next := "hdr10"
	toast := "Dolby Vision failed. Retrying with HDR fallback..."
	if currentCap == "hdr10" {
		next = "sdr"
		toast = "HDR fallback failed. Retrying in SDR mode..."
	}
	c.rec.rangeFallbackAttempted = true
	c.capOverride = next
	c.logger.Warn("Stepping down dynamic range cap", "from", currentCap, "to", next, "reason", reason)
	c.sink.Toast(toast)
	c.reload(ctx, loadOptions{freshSession: true})
	return true
}

// attemptTranscodeFallback forces transcoding for the rest of the item. One
// shot per item, never under strict mode.
func (c *Controller) attemptTranscodeFallback(ctx context.Context, reason string) bool {
	if c.settings.StrictTranscodingMode || c.rec.transcodeFallbackAttempted {
		return false
	}
	src := c.source()
	if src == nil || !src.SupportsTranscoding {
		return false
	}
	if c.session != nil && c.session.PlayMethod == jellyfin.PlayMethodTranscode {
		return false
	}

	c.rec.transcodeFallbackAttempted = true
	c.logger.Warn("Attempting transcode fallback", "reason", reason)
	c.sink.Toast("Switching to transcoding...")
	c.reload(ctx, loadOptions{forceTranscode: true})
	return true
}

// attemptSubtitleFallback drops the selected subtitle track and rebuilds
// once when the server signals it cannot burn the track in.
func (c *Controller) attemptSubtitleFallback(ctx context.Context, evt HLSError) bool {
	if c.rec.subtitleFallbackAttempted {
		return false
	}
	if c.selection.SubtitleIndex < 0 {
		return false
	}
	if !isSubtitleCompatibilityError(evt) {
		return false
	}
	if c.settings.StrictTranscodingMode {
		c.sink.Toast("Subtitle burn-in failed. Strict transcoding mode is enabled.")
		return false
	}

	c.rec.subtitleFallbackAttempted = true
	c.sink.Toast("Subtitle track is not supported by server transcoding. Retrying without subtitles.")
	off := tracks.SubtitleOff
	c.reload(ctx, loadOptions{subtitleOverride: &off, freshSession: true})
	return true
}

// attemptSessionRebuild restarts the attempt with a fresh PlaySessionId and
// the same track selections. One shot per load, capped per item.
func (c *Controller) attemptSessionRebuild(ctx context.Context, reason, toast string) bool {
	if c.rec.failureLocked {
		return false
	}
	if c.rec.rebuildAttempted {
		c.logger.Warn("Session rebuild already attempted for this load", "reason", reason)
		return false
	}
	if c.rec.rebuildAttempts >= c.recovery.MaxPlaySessionRebuildAttempts {
		c.logger.Warn("Session rebuild limit reached",
			"reason", reason,
			"max", c.recovery.MaxPlaySessionRebuildAttempts)
		return false
	}

	c.rec.rebuildAttempts++
	c.rec.rebuildAttempted = true
	c.logger.Warn("Rebuilding playback session",
		"reason", reason,
		"attempt", c.rec.rebuildAttempts,
		"max", c.recovery.MaxPlaySessionRebuildAttempts)
	if toast != "" {
		c.sink.Toast(toast)
	}
	c.reload(ctx, loadOptions{freshSession: true})
	return true
}

// isSubtitleCompatibilityError detects the server's burn-in failure signal
// in any of the event's text fields.
func isSubtitleCompatibilityError(evt HLSError) bool {
	const marker = "SubtitleCodecNotSupported"
	return strings.Contains(evt.Detail, marker) || strings.Contains(evt.URL, marker)
}
