// Package negotiator orchestrates the playback-info exchange with the
// server: one initial round trip plus up to two bounded follow-up round
// trips (audio-codec fallback and forced transcode). Every automatic
// adjustment is recorded so the caller can surface it to the user.
package negotiator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opd-ai/go-jf-play/internal/capability"
	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/internal/profile"
	"github.com/opd-ai/go-jf-play/internal/selection"
)

// PlaybackInfoClient is the server surface the negotiator needs.
type PlaybackInfoClient interface {
	PlaybackInfo(ctx context.Context, itemID string, req *jellyfin.PlaybackInfoRequest) (*jellyfin.PlaybackInfoResponse, error)
}

// Settings is the immutable per-attempt settings snapshot the negotiator
// works from.
type Settings struct {
	ForceTranscoding           bool
	ForceSubtitleBurnIn        bool
	EnableTranscoding          bool
	RelaxedPlaybackProfile     bool
	AllowStreamCopyOnTranscode bool
	MaxBitrateMbps             int
	DynamicRangeCap            string
}

// Options describes one negotiation request.
type Options struct {
	ItemID              string
	MediaSourceID       string
	AudioStreamIndex    *int
	SubtitleStreamIndex *int
	StartTimeTicks      int64
	Settings            Settings
}

// Adjustment types.
const (
	AdjustmentSourceSelection        = "sourceSelection"
	AdjustmentAudioFallback          = "audioFallback"
	AdjustmentSubtitleTranscodeGuard = "subtitleTranscodeGuard"
	AdjustmentForcedTranscode        = "forcedTranscode"
)

// Adjustment records one automatic decision made during negotiation, with a
// toast-sized user-facing message.
type Adjustment struct {
	Type  string `json:"type"`
	Toast string `json:"toast"`
}

// Decision is the finalized negotiation outcome. Source is nil when the
// server returned no media sources; callers must treat that as "no playable
// source".
type Decision struct {
	Response            *jellyfin.PlaybackInfoResponse
	Source              *jellyfin.MediaSource
	PlayMethod          string
	PlaySessionID       string
	AudioStreamIndex    *int
	SubtitleStreamIndex *int
	Adjustments         []Adjustment
}

// Negotiator drives the request/response cycle against one server.
type Negotiator struct {
	client PlaybackInfoClient
	device *capability.Profile
	logger *slog.Logger
}

// New creates a negotiator for the given client and device capability.
func New(client PlaybackInfoClient, device *capability.Profile, logger *slog.Logger) *Negotiator {
	return &Negotiator{client: client, device: device, logger: logger}
}

// BuildRequest assembles the PlaybackInfo payload for the given options,
// including the device profile. Exposed so session rebuilds can reuse the
// exact request shape.
func (n *Negotiator) BuildRequest(opts Options) *jellyfin.PlaybackInfoRequest {
	s := opts.Settings

	allowStreamCopy := s.EnableTranscoding && (!s.ForceTranscoding || s.AllowStreamCopyOnTranscode)

	req := &jellyfin.PlaybackInfoRequest{
		MediaSourceID:        opts.MediaSourceID,
		AudioStreamIndex:     opts.AudioStreamIndex,
		SubtitleStreamIndex:  opts.SubtitleStreamIndex,
		StartTimeTicks:       opts.StartTimeTicks,
		EnableDirectPlay:     !s.ForceTranscoding,
		EnableDirectStream:   !s.ForceTranscoding,
		EnableTranscoding:    s.EnableTranscoding,
		AllowVideoStreamCopy: allowStreamCopy,
		AllowAudioStreamCopy: allowStreamCopy,
		AutoOpenLiveStream:   true,
		DeviceProfile: profile.Build(n.device, profile.Settings{
			ForceTranscoding:       s.ForceTranscoding,
			ForceSubtitleBurnIn:    s.ForceSubtitleBurnIn,
			RelaxedPlaybackProfile: s.RelaxedPlaybackProfile,
			DynamicRangeCap:        s.DynamicRangeCap,
			MaxBitrateMbps:         s.MaxBitrateMbps,
		}),
	}

	if s.MaxBitrateMbps > 0 {
		req.MaxStreamingBitrate = int64(s.MaxBitrateMbps) * 1_000_000
	}

	// Burned-in subtitles are the safe default on TV hardware; relaxed mode
	// lets the server pick an alternate delivery path.
	if opts.SubtitleStreamIndex != nil && *opts.SubtitleStreamIndex >= 0 && !s.RelaxedPlaybackProfile {
		req.SubtitleMethod = jellyfin.SubtitleMethodEncode
	}

	return req
}

// Negotiate runs the full negotiation. Network and HTTP errors propagate to
// the caller unmodified in meaning; recovery decisions happen one level up.
func (n *Negotiator) Negotiate(ctx context.Context, opts Options) (*Decision, error) {
	s := opts.Settings
	req := n.BuildRequest(opts)

	data, err := n.client.PlaybackInfo(ctx, opts.ItemID, req)
	if err != nil {
		return nil, fmt.Errorf("playback negotiation failed: %w", err)
	}

	decision := &Decision{
		Response:            data,
		PlaySessionID:       data.PlaySessionID,
		AudioStreamIndex:    opts.AudioStreamIndex,
		SubtitleStreamIndex: opts.SubtitleStreamIndex,
	}

	if len(data.MediaSources) == 0 {
		n.logger.Warn("Server returned no media sources", "item_id", opts.ItemID, "error_code", data.ErrorCode)
		decision.PlayMethod = jellyfin.PlayMethodDirectStream
		return decision, nil
	}

	selOpts := selection.Options{
		ForceTranscoding:       s.ForceTranscoding,
		DynamicRangeCap:        s.DynamicRangeCap,
		PreferredMediaSourceID: opts.MediaSourceID,
		Device:                 n.device,
	}

	result := selection.Select(data.MediaSources, selOpts)
	if result.Index > 0 {
		data.MediaSources = selection.Reorder(data.MediaSources, result.Index)
		decision.record(AdjustmentSourceSelection, "Playback source optimized for this TV.")
	}
	selected := &data.MediaSources[0]

	// Bounded follow-up 1: the source's default audio codec is not natively
	// decodable but a compatible stream exists. Ask for it specifically.
	if opts.AudioStreamIndex == nil && !s.ForceTranscoding {
		if fallback := n.audioFallbackIndex(selected); fallback != nil {
			retryReq := req.Clone()
			retryReq.MediaSourceID = selected.ID
			retryReq.AudioStreamIndex = fallback

			retryData, err := n.client.PlaybackInfo(ctx, opts.ItemID, retryReq)
			if err != nil {
				return nil, fmt.Errorf("audio fallback negotiation failed: %w", err)
			}
			if len(retryData.MediaSources) > 0 {
				data = retryData
				decision.Response = data
				decision.PlaySessionID = data.PlaySessionID

				retrySel := selection.Select(data.MediaSources, selection.Options{
					ForceTranscoding:       s.ForceTranscoding,
					DynamicRangeCap:        s.DynamicRangeCap,
					PreferredMediaSourceID: selected.ID,
					Device:                 n.device,
				})
				if retrySel.Index > 0 {
					data.MediaSources = selection.Reorder(data.MediaSources, retrySel.Index)
				}
				selected = &data.MediaSources[0]
				decision.AudioStreamIndex = fallback
				decision.record(AdjustmentAudioFallback, "Switched audio track for compatibility.")
			}
		}
	}

	// Subtitle guard: a selection that needs burn-in forces the transcode
	// determination even when the source could otherwise direct-play.
	subtitleNeedsTranscode := opts.SubtitleStreamIndex != nil &&
		*opts.SubtitleStreamIndex >= 0 &&
		selection.RequiresBurnIn(selected, *opts.SubtitleStreamIndex)

	methodOpts := selOpts
	methodOpts.ForceTranscoding = s.ForceTranscoding || subtitleNeedsTranscode
	playMethod := selection.DeterminePlayMethod(selected, methodOpts)
	if subtitleNeedsTranscode {
		decision.record(AdjustmentSubtitleTranscodeGuard, "Using transcoding for subtitle compatibility.")
	}

	// Bounded follow-up 2: we decided to transcode but the server offered no
	// transcoding URL. Re-ask with direct paths disabled.
	if playMethod == jellyfin.PlayMethodTranscode && selected.TranscodingURL == "" && s.EnableTranscoding {
		transcodeReq := req.Clone()
		transcodeReq.EnableDirectPlay = false
		transcodeReq.EnableDirectStream = false
		transcodeReq.EnableTranscoding = true
		transcodeReq.MediaSourceID = selected.ID
		transcodeReq.AudioStreamIndex = decision.AudioStreamIndex

		transcodedData, err := n.client.PlaybackInfo(ctx, opts.ItemID, transcodeReq)
		if err != nil {
			return nil, fmt.Errorf("forced transcode negotiation failed: %w", err)
		}
		if len(transcodedData.MediaSources) > 0 {
			data = transcodedData
			decision.Response = data
			decision.PlaySessionID = data.PlaySessionID

			transcodeSel := selection.Select(data.MediaSources, selection.Options{
				ForceTranscoding:       true,
				DynamicRangeCap:        s.DynamicRangeCap,
				PreferredMediaSourceID: selected.ID,
				Device:                 n.device,
			})
			if transcodeSel.Index > 0 {
				data.MediaSources = selection.Reorder(data.MediaSources, transcodeSel.Index)
			}
			selected = &data.MediaSources[0]
			playMethod = jellyfin.PlayMethodTranscode
			decision.record(AdjustmentForcedTranscode, "Using transcoding for compatibility.")
		}
	}

	decision.Source = selected
	decision.PlayMethod = playMethod

	n.logger.Info("Playback negotiated",
		"item_id", opts.ItemID,
		"media_source_id", selected.ID,
		"play_method", playMethod,
		"play_session_id", decision.PlaySessionID,
		"adjustments", len(decision.Adjustments))

	return decision, nil
}

// audioFallbackIndex returns the compatible audio stream to retry with, or
// nil when the default audio is already fine or nothing better exists.
func (n *Negotiator) audioFallbackIndex(source *jellyfin.MediaSource) *int {
	defaultIndex := selection.DefaultAudioStreamIndex(source)
	fallbackIndex := selection.FindBestCompatibleAudioStreamIndex(source)
	if defaultIndex == nil || fallbackIndex == nil || *defaultIndex == *fallbackIndex {
		return nil
	}

	for _, stream := range source.AudioStreams() {
		if stream.Index == *defaultIndex {
			if selection.IsSupportedAudioCodec(stream.Codec) {
				return nil
			}
			break
		}
	}
	return fallbackIndex
}

func (d *Decision) record(adjustmentType, toast string) {
	d.Adjustments = append(d.Adjustments, Adjustment{Type: adjustmentType, Toast: toast})
}

// Toasts returns the user-facing messages for all recorded adjustments.
func (d *Decision) Toasts() []string {
	var toasts []string
	for _, a := range d.Adjustments {
		if a.Toast != "" {
			toasts = append(toasts, a.Toast)
		}
	}
	return toasts
}
