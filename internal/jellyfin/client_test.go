package jellyfin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-jf-play/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := New(&config.JellyfinConfig{
		ServerURL:   server.URL + "/", // trailing slash must be normalized away
		AccessToken: "test-token",
		UserID:      "user-1",
		DeviceID:    "test-device",
		Timeout:     5 * time.Second,
	}, slog.New(slog.NewTextHandler(testWriter{t}, nil)))

	return client, server
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestPlaybackInfo(t *testing.T) {
	var gotPath, gotToken string
	var gotPayload PlaybackInfoRequest

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotToken = r.Header.Get("X-Emby-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))

		json.NewEncoder(w).Encode(PlaybackInfoResponse{
			PlaySessionID: "ps-123",
			MediaSources: []MediaSource{
				{ID: "source-1", Container: "mkv", SupportsDirectPlay: true},
			},
		})
	}))

	audioIndex := 1
	resp, err := client.PlaybackInfo(context.Background(), "item-9", &PlaybackInfoRequest{
		EnableDirectPlay:   true,
		EnableDirectStream: true,
		EnableTranscoding:  true,
		AudioStreamIndex:   &audioIndex,
	})
	require.NoError(t, err)

	assert.Equal(t, "/Items/item-9/PlaybackInfo?userId=user-1", gotPath)
	assert.Equal(t, "test-token", gotToken)
	require.NotNil(t, gotPayload.AudioStreamIndex)
	assert.Equal(t, 1, *gotPayload.AudioStreamIndex)

	assert.Equal(t, "ps-123", resp.PlaySessionID)
	require.Len(t, resp.MediaSources, 1)
	assert.Equal(t, "source-1", resp.MediaSources[0].ID)
}

func TestPlaybackInfoServerError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("something\n  went   wrong"))
	}))

	_, err := client.PlaybackInfo(context.Background(), "item-9", &PlaybackInfoRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Contains(t, err.Error(), "something went wrong")
}

func TestMediaSegmentsNotFoundIsEmpty(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	segments, err := client.MediaSegments(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestMediaSegments(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/MediaSegments/item-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"Items": []MediaSegment{
				{ID: "seg-1", Type: SegmentTypeIntro, StartTicks: 0, EndTicks: 300 * TicksPerSecond},
			},
		})
	}))

	segments, err := client.MediaSegments(context.Background(), "item-1")
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, SegmentTypeIntro, segments[0].Type)
}

func TestNextUpEpisode(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Shows/NextUp", r.URL.Path)
		assert.Equal(t, "series-1", r.URL.Query().Get("seriesId"))
		json.NewEncoder(w).Encode(map[string]any{
			"Items": []Item{{ID: "ep-2", IndexNumber: 2}},
		})
	}))

	item, err := client.NextUpEpisode(context.Background(), "series-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "ep-2", item.ID)
}

func TestNextUpEpisodeEmpty(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"Items": []Item{}})
	}))

	item, err := client.NextUpEpisode(context.Background(), "series-1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestReportPlaybackProgress(t *testing.T) {
	var gotPath string
	var gotInfo PlaystateInfo

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotInfo))
		w.WriteHeader(http.StatusNoContent)
	}))

	err := client.ReportPlaybackProgress(context.Background(), &PlaystateInfo{
		ItemID:        "item-1",
		PositionTicks: 42 * TicksPerSecond,
		IsPaused:      true,
		PlayMethod:    PlayMethodTranscode,
		PlaySessionID: "ps-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "/Sessions/Playing/Progress", gotPath)
	assert.Equal(t, "item-1", gotInfo.ItemID)
	assert.True(t, gotInfo.IsPaused)
	assert.Equal(t, PlayMethodTranscode, gotInfo.PlayMethod)
}

func TestReportPlaystateDefaultsPlayMethod(t *testing.T) {
	var gotInfo PlaystateInfo
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotInfo)
		w.WriteHeader(http.StatusNoContent)
	}))

	err := client.ReportPlaybackStart(context.Background(), &PlaystateInfo{ItemID: "item-1"})
	require.NoError(t, err)
	assert.Equal(t, PlayMethodDirectStream, gotInfo.PlayMethod)
}

func TestStreamURL(t *testing.T) {
	client, server := newTestClient(t, http.NotFoundHandler())

	url := client.StreamURL("item-1", "source-1", "ps-1", "etag-1", "mkv", "")
	assert.Equal(t, server.URL+"/Videos/item-1/stream?static=true&api_key=test-token"+
		"&mediaSourceId=source-1&playSessionId=ps-1&tag=etag-1&container=mkv", url)

	minimal := client.StreamURL("item-1", "", "", "", "", "")
	assert.Equal(t, server.URL+"/Videos/item-1/stream?static=true&api_key=test-token", minimal)
}

func TestTranscodeURL(t *testing.T) {
	client, server := newTestClient(t, http.NotFoundHandler())

	source := &MediaSource{TranscodingURL: "/videos/item-1/main.m3u8?DeviceId=x"}
	assert.Equal(t, server.URL+"/videos/item-1/main.m3u8?DeviceId=x", client.TranscodeURL(source))

	assert.Empty(t, client.TranscodeURL(&MediaSource{}))
	assert.Empty(t, client.TranscodeURL(nil))
}
