package negotiator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-jf-play/internal/capability"
	"github.com/opd-ai/go-jf-play/internal/jellyfin"
)

// fakeClient replays canned responses and records every request it saw.
type fakeClient struct {
	responses []*jellyfin.PlaybackInfoResponse
	err       error
	requests  []*jellyfin.PlaybackInfoRequest
}

func (f *fakeClient) PlaybackInfo(_ context.Context, _ string, req *jellyfin.PlaybackInfoRequest) (*jellyfin.PlaybackInfoResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &jellyfin.PlaybackInfoResponse{}, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func newNegotiator(client PlaybackInfoClient) *Negotiator {
	return New(client, capability.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func intPtr(v int) *int { return &v }

func defaultSettings() Settings {
	return Settings{EnableTranscoding: true, DynamicRangeCap: "auto"}
}

func adjustmentTypes(d *Decision) []string {
	var types []string
	for _, a := range d.Adjustments {
		types = append(types, a.Type)
	}
	return types
}

func TestNegotiateDirectPlay(t *testing.T) {
	client := &fakeClient{responses: []*jellyfin.PlaybackInfoResponse{{
		PlaySessionID: "ps-1",
		MediaSources: []jellyfin.MediaSource{{
			ID:                 "src-1",
			SupportsDirectPlay: true,
			MediaStreams: []jellyfin.MediaStream{
				{Index: 1, Type: jellyfin.StreamTypeAudio, Codec: "aac", IsDefault: true},
			},
		}},
	}}}

	decision, err := newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:   "item-1",
		Settings: defaultSettings(),
	})
	require.NoError(t, err)

	assert.Equal(t, jellyfin.PlayMethodDirectPlay, decision.PlayMethod)
	assert.Equal(t, "src-1", decision.Source.ID)
	assert.Equal(t, "ps-1", decision.PlaySessionID)
	assert.Empty(t, decision.Adjustments)
	require.Len(t, client.requests, 1)
	assert.True(t, client.requests[0].EnableDirectPlay)
	assert.NotNil(t, client.requests[0].DeviceProfile)
}

func TestNegotiateAudioFallbackScenario(t *testing.T) {
	// Default audio is eac3-only on a device that cannot decode it natively
	// in this test setup: mark the default as an unsupported codec and offer
	// an aac alternative.
	defaultIdx := 1
	incompatible := jellyfin.MediaSource{
		ID:                      "src-1",
		SupportsTranscoding:     true,
		TranscodingURL:          "/x.m3u8",
		DefaultAudioStreamIndex: &defaultIdx,
		MediaStreams: []jellyfin.MediaStream{
			{Index: 1, Type: jellyfin.StreamTypeAudio, Codec: "dts", Channels: 6, IsDefault: true},
			{Index: 2, Type: jellyfin.StreamTypeAudio, Codec: "aac", Channels: 2},
		},
	}

	client := &fakeClient{responses: []*jellyfin.PlaybackInfoResponse{
		{PlaySessionID: "ps-1", MediaSources: []jellyfin.MediaSource{incompatible}},
		{PlaySessionID: "ps-2", MediaSources: []jellyfin.MediaSource{incompatible}},
	}}

	decision, err := newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:   "item-1",
		Settings: defaultSettings(),
	})
	require.NoError(t, err)

	require.Len(t, client.requests, 2, "exactly one audio fallback retry")
	retry := client.requests[1]
	assert.Equal(t, "src-1", retry.MediaSourceID)
	require.NotNil(t, retry.AudioStreamIndex)
	assert.Equal(t, 2, *retry.AudioStreamIndex)

	assert.Contains(t, adjustmentTypes(decision), AdjustmentAudioFallback)
	require.NotNil(t, decision.AudioStreamIndex)
	assert.Equal(t, 2, *decision.AudioStreamIndex)
	assert.Equal(t, "ps-2", decision.PlaySessionID)
	assert.Equal(t, jellyfin.PlayMethodTranscode, decision.PlayMethod,
		"incompatible default audio with a transcoding url ends in transcode")
}

func TestNegotiateNoAudioFallbackWithExplicitRequest(t *testing.T) {
	defaultIdx := 1
	client := &fakeClient{responses: []*jellyfin.PlaybackInfoResponse{{
		MediaSources: []jellyfin.MediaSource{{
			ID:                      "src-1",
			SupportsDirectPlay:      true,
			DefaultAudioStreamIndex: &defaultIdx,
			MediaStreams: []jellyfin.MediaStream{
				{Index: 1, Type: jellyfin.StreamTypeAudio, Codec: "dts", IsDefault: true},
				{Index: 2, Type: jellyfin.StreamTypeAudio, Codec: "aac"},
			},
		}},
	}}}

	decision, err := newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:           "item-1",
		AudioStreamIndex: intPtr(1),
		Settings:         defaultSettings(),
	})
	require.NoError(t, err)

	assert.Len(t, client.requests, 1, "explicit audio request suppresses the fallback retry")
	assert.NotContains(t, adjustmentTypes(decision), AdjustmentAudioFallback)
}

func TestNegotiateSubtitleGuardScenario(t *testing.T) {
	source := jellyfin.MediaSource{
		ID:                 "src-1",
		SupportsDirectPlay: true,
		TranscodingURL:     "/x.m3u8",
		MediaStreams: []jellyfin.MediaStream{
			{Index: 1, Type: jellyfin.StreamTypeAudio, Codec: "aac"},
			{Index: 2, Type: jellyfin.StreamTypeSubtitle, Codec: "srt"},
			{Index: 3, Type: jellyfin.StreamTypeSubtitle, Codec: "pgssub"},
		},
	}

	// Text subtitles keep direct play.
	client := &fakeClient{responses: []*jellyfin.PlaybackInfoResponse{{MediaSources: []jellyfin.MediaSource{source}}}}
	decision, err := newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:              "item-1",
		SubtitleStreamIndex: intPtr(2),
		Settings:            defaultSettings(),
	})
	require.NoError(t, err)
	assert.Equal(t, jellyfin.PlayMethodDirectPlay, decision.PlayMethod)
	assert.NotContains(t, adjustmentTypes(decision), AdjustmentSubtitleTranscodeGuard)

	// Image subtitles force transcoding.
	client = &fakeClient{responses: []*jellyfin.PlaybackInfoResponse{{MediaSources: []jellyfin.MediaSource{source}}}}
	decision, err = newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:              "item-1",
		SubtitleStreamIndex: intPtr(3),
		Settings:            defaultSettings(),
	})
	require.NoError(t, err)
	assert.Equal(t, jellyfin.PlayMethodTranscode, decision.PlayMethod)
	assert.Contains(t, adjustmentTypes(decision), AdjustmentSubtitleTranscodeGuard)
}

func TestNegotiateForcedTranscodeRetry(t *testing.T) {
	// Transcode is required but the first response has no TranscodingUrl.
	noURL := jellyfin.MediaSource{
		ID:                  "src-1",
		SupportsTranscoding: true,
		MediaStreams: []jellyfin.MediaStream{
			{Index: 1, Type: jellyfin.StreamTypeAudio, Codec: "dts", IsDefault: true},
		},
	}
	withURL := noURL
	withURL.TranscodingURL = "/x.m3u8"

	client := &fakeClient{responses: []*jellyfin.PlaybackInfoResponse{
		{PlaySessionID: "ps-1", MediaSources: []jellyfin.MediaSource{noURL}},
		{PlaySessionID: "ps-2", MediaSources: []jellyfin.MediaSource{withURL}},
	}}

	decision, err := newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:   "item-1",
		Settings: Settings{ForceTranscoding: true, EnableTranscoding: true, DynamicRangeCap: "auto"},
	})
	require.NoError(t, err)

	require.Len(t, client.requests, 2)
	retry := client.requests[1]
	assert.False(t, retry.EnableDirectPlay)
	assert.False(t, retry.EnableDirectStream)
	assert.True(t, retry.EnableTranscoding)
	assert.Equal(t, "src-1", retry.MediaSourceID)

	assert.Equal(t, jellyfin.PlayMethodTranscode, decision.PlayMethod)
	assert.Contains(t, adjustmentTypes(decision), AdjustmentForcedTranscode)
	assert.Equal(t, "/x.m3u8", decision.Source.TranscodingURL)
}

func TestNegotiateNoForcedTranscodeWhenTranscodingDisabled(t *testing.T) {
	client := &fakeClient{responses: []*jellyfin.PlaybackInfoResponse{{
		MediaSources: []jellyfin.MediaSource{{
			ID: "src-1",
			MediaStreams: []jellyfin.MediaStream{
				{Index: 1, Type: jellyfin.StreamTypeAudio, Codec: "aac", IsDefault: true},
			},
		}},
	}}}

	decision, err := newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:   "item-1",
		Settings: Settings{ForceTranscoding: true, EnableTranscoding: false},
	})
	require.NoError(t, err)

	assert.Len(t, client.requests, 1)
	assert.Equal(t, jellyfin.PlayMethodTranscode, decision.PlayMethod)
	assert.NotContains(t, adjustmentTypes(decision), AdjustmentForcedTranscode)
}

func TestNegotiateSourceSelectionReorder(t *testing.T) {
	client := &fakeClient{responses: []*jellyfin.PlaybackInfoResponse{{
		MediaSources: []jellyfin.MediaSource{
			{ID: "weak"},
			{ID: "strong", SupportsDirectPlay: true},
		},
	}}}

	decision, err := newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:   "item-1",
		Settings: defaultSettings(),
	})
	require.NoError(t, err)

	assert.Equal(t, "strong", decision.Source.ID)
	assert.Equal(t, "strong", decision.Response.MediaSources[0].ID)
	assert.Contains(t, adjustmentTypes(decision), AdjustmentSourceSelection)
}

func TestNegotiateEmptySourceList(t *testing.T) {
	client := &fakeClient{responses: []*jellyfin.PlaybackInfoResponse{{ErrorCode: "NoCompatibleStream"}}}

	decision, err := newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:   "item-1",
		Settings: defaultSettings(),
	})
	require.NoError(t, err)

	assert.Nil(t, decision.Source)
	assert.Equal(t, "NoCompatibleStream", decision.Response.ErrorCode)
}

func TestNegotiateRequestFailurePropagates(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}

	_, err := newNegotiator(client).Negotiate(context.Background(), Options{
		ItemID:   "item-1",
		Settings: defaultSettings(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "playback negotiation failed")
}

func TestBuildRequestSubtitleMethod(t *testing.T) {
	n := newNegotiator(&fakeClient{})

	strict := n.BuildRequest(Options{SubtitleStreamIndex: intPtr(2), Settings: defaultSettings()})
	assert.Equal(t, jellyfin.SubtitleMethodEncode, strict.SubtitleMethod)

	relaxed := n.BuildRequest(Options{SubtitleStreamIndex: intPtr(2), Settings: Settings{
		EnableTranscoding:      true,
		RelaxedPlaybackProfile: true,
	}})
	assert.Empty(t, relaxed.SubtitleMethod)

	off := n.BuildRequest(Options{SubtitleStreamIndex: intPtr(-1), Settings: defaultSettings()})
	assert.Empty(t, off.SubtitleMethod)
}

func TestBuildRequestBitrate(t *testing.T) {
	n := newNegotiator(&fakeClient{})

	req := n.BuildRequest(Options{Settings: Settings{EnableTranscoding: true, MaxBitrateMbps: 40}})
	assert.Equal(t, int64(40_000_000), req.MaxStreamingBitrate)

	req = n.BuildRequest(Options{Settings: defaultSettings()})
	assert.Zero(t, req.MaxStreamingBitrate)
}

func TestDecisionToasts(t *testing.T) {
	d := &Decision{Adjustments: []Adjustment{
		{Type: AdjustmentAudioFallback, Toast: "Switched audio track for compatibility."},
		{Type: AdjustmentForcedTranscode, Toast: "Using transcoding for compatibility."},
	}}

	assert.Equal(t, []string{
		"Switched audio track for compatibility.",
		"Using transcoding for compatibility.",
	}, d.Toasts())
}
