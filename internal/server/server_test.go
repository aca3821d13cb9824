package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/internal/negotiator"
	"github.com/opd-ai/go-jf-play/internal/player"
	"github.com/opd-ai/go-jf-play/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMedia struct {
	mu    sync.Mutex
	urls  []string
	seeks []float64
}

func (m *fakeMedia) Attach(url string, mode player.DeliveryMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urls = append(m.urls, url)
	return nil
}

func (m *fakeMedia) Play() error { return nil }

func (m *fakeMedia) Pause() error { return nil }

func (m *fakeMedia) SeekTo(seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeks = append(m.seeks, seconds)
}

func (m *fakeMedia) Position() float64 { return 0 }

func (m *fakeMedia) ReadyState() int { return 4 }

func (m *fakeMedia) SupportsNativeHLS() bool { return false }

func (m *fakeMedia) StartLoad() {}

func (m *fakeMedia) RecoverMedia() {}

func (m *fakeMedia) Detach() {}

func (m *fakeMedia) lastSeek() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.seeks) == 0 {
		return 0, false
	}
	return m.seeks[len(m.seeks)-1], true
}

type fakeNegotiator struct{}

func (n *fakeNegotiator) Negotiate(_ context.Context, opts negotiator.Options) (*negotiator.Decision, error) {
	source := &jellyfin.MediaSource{
		ID:                   "src-1",
		Container:            "mkv",
		RunTimeTicks:         1200 * jellyfin.TicksPerSecond,
		SupportsDirectPlay:   true,
		SupportsDirectStream: true,
		SupportsTranscoding:  true,
		TranscodingURL:       "/Videos/" + opts.ItemID + "/main.m3u8?api_key=token",
		TranscodingContainer: "ts",
		MediaStreams: []jellyfin.MediaStream{
			{Index: 0, Type: jellyfin.StreamTypeVideo, Codec: "h264"},
			{Index: 1, Type: jellyfin.StreamTypeAudio, Codec: "aac", Language: "eng", IsDefault: true},
			{Index: 2, Type: jellyfin.StreamTypeSubtitle, Codec: "subrip", Language: "eng"},
		},
	}
	method := jellyfin.PlayMethodDirectPlay
	if opts.Settings.ForceTranscoding {
		method = jellyfin.PlayMethodTranscode
	}
	return &negotiator.Decision{
		Source:        source,
		PlayMethod:    method,
		PlaySessionID: "session-1",
	}, nil
}

type fakeURLs struct{}

func (fakeURLs) StreamURL(itemID, mediaSourceID, playSessionID, tag, container, liveStreamID string) string {
	return "https://server/Videos/" + itemID + "/stream." + container
}

func (fakeURLs) TranscodeURL(source *jellyfin.MediaSource) string {
	return "https://server" + source.TranscodingURL
}

type fakeMetadata struct {
	mu       sync.Mutex
	segments []jellyfin.MediaSegment
	next     *jellyfin.Item
	nextErr  error
	episodes []jellyfin.Item
	calls    int
}

func (m *fakeMetadata) MediaSegments(_ context.Context, itemID string) ([]jellyfin.MediaSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.segments, nil
}

func (m *fakeMetadata) NextUpEpisode(_ context.Context, seriesID string) (*jellyfin.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next, m.nextErr
}

func (m *fakeMetadata) SeasonEpisodes(_ context.Context, seriesID, seasonID string) ([]jellyfin.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.episodes, nil
}

func (m *fakeMetadata) segmentCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeCache struct {
	mu       sync.Mutex
	segments map[string][]jellyfin.MediaSegment
	pruned   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{segments: make(map[string][]jellyfin.MediaSegment)}
}

func (c *fakeCache) Segments(itemID string, _ time.Duration) ([]jellyfin.MediaSegment, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	segments, ok := c.segments[itemID]
	return segments, ok, nil
}

func (c *fakeCache) SaveSegments(itemID string, segments []jellyfin.MediaSegment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments[itemID] = segments
	return nil
}

func (c *fakeCache) PruneSegments(max int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruned++
	return 0, nil
}

type harness struct {
	server   *Server
	engine   *Engine
	media    *fakeMedia
	metadata *fakeMetadata
	cache    *fakeCache
	hub      *Hub
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	logger := testLogger()

	media := &fakeMedia{}
	controller := player.NewController(&fakeNegotiator{}, fakeURLs{}, media, nil,
		cfg.Playback, cfg.Recovery, nil, logger)

	hub := NewHub(logger)
	metadata := &fakeMetadata{}
	cache := newFakeCache()
	engine := NewEngine(controller, metadata, cache, nil, cfg.Playback, hub, logger)

	server := New(&cfg.Server, engine, hub, logger)
	t.Cleanup(func() { engine.Stop(context.Background()) })

	return &harness{server: server, engine: engine, media: media, metadata: metadata, cache: cache, hub: hub}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.server.router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func playRequest() PlayRequest {
	return PlayRequest{
		Item: jellyfin.Item{
			ID:           "item-1",
			Type:         "Movie",
			RunTimeTicks: 1200 * jellyfin.TicksPerSecond,
		},
	}
}

func TestHandleHealth(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
	resp := decodeResponse(t, w)
	if !resp.Success {
		t.Error("expected success response")
	}
	if resp.Message != "Server is healthy" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHandlePlayStartsSession(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/playback", playRequest())
	if w.Code != http.StatusOK {
		t.Fatalf("play status = %d, body %s", w.Code, w.Body.String())
	}

	status := h.engine.Status()
	if status.State != "loading" {
		t.Errorf("state = %q, want loading", status.State)
	}
	if status.Session == nil {
		t.Fatal("expected a session")
	}
	if status.Session.ItemID != "item-1" {
		t.Errorf("session item = %q", status.Session.ItemID)
	}
	if len(status.AudioTracks) != 1 || len(status.SubtitleTracks) != 1 {
		t.Errorf("tracks = %d audio, %d subtitle; want 1 and 1",
			len(status.AudioTracks), len(status.SubtitleTracks))
	}
}

func TestHandlePlayRejectsMissingItem(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/playback", PlayRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Success {
		t.Error("expected failure response")
	}
}

func TestHandlePlayRejectsInvalidBody(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/playback", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleStopEndsSession(t *testing.T) {
	h := newHarness(t, nil)

	h.do(t, http.MethodPost, "/api/playback", playRequest())
	w := h.do(t, http.MethodDelete, "/api/playback", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}

	status := h.engine.Status()
	if status.State != "idle" {
		t.Errorf("state = %q, want idle", status.State)
	}
	if status.Session != nil {
		t.Error("expected session cleared")
	}
}

func TestHandleSeek(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/playback", playRequest())

	w := h.do(t, http.MethodPost, "/api/playback/seek", SeekRequest{PositionSeconds: 300})
	if w.Code != http.StatusOK {
		t.Fatalf("seek status = %d", w.Code)
	}
	if pos, ok := h.media.lastSeek(); !ok || pos != 300 {
		t.Errorf("seek position = %v, %v; want 300", pos, ok)
	}
}

func TestHandleSeekRejectsNegative(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/playback", playRequest())

	w := h.do(t, http.MethodPost, "/api/playback/seek", SeekRequest{PositionSeconds: -5})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPauseResumeCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/playback", playRequest())
	h.do(t, http.MethodPost, "/api/playback/event", MediaEventRequest{Type: "playing"})

	h.do(t, http.MethodPost, "/api/playback/pause", nil)
	if state := h.engine.Status().State; state != "paused" {
		t.Errorf("state after pause = %q", state)
	}

	h.do(t, http.MethodPost, "/api/playback/resume", nil)
	if state := h.engine.Status().State; state != "playing" {
		t.Errorf("state after resume = %q", state)
	}
}

func TestMediaEventRejectsUnknownType(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/playback/event", MediaEventRequest{Type: "exploded"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestMediaErrorFailureEndsInTerminalState(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Recovery.MaxPlaySessionRebuildAttempts = 0
	})
	h.do(t, http.MethodPost, "/api/playback", playRequest())
	h.do(t, http.MethodPost, "/api/playback/event", MediaEventRequest{Type: "playing"})

	// SDR direct play on a rebuild-exhausted session has no ladder left.
	for i := 0; i < 3; i++ {
		w := h.do(t, http.MethodPost, "/api/playback/error", MediaErrorRequest{
			Kind:   "failure",
			Reason: "decode error",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("error report status = %d", w.Code)
		}
		if h.engine.Status().State == "error" {
			return
		}
		h.do(t, http.MethodPost, "/api/playback/event", MediaEventRequest{Type: "playing"})
	}
	t.Fatalf("state = %q, want error", h.engine.Status().State)
}

func TestMediaErrorRejectsUnknownKind(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/playback/error", MediaErrorRequest{Kind: "cosmic-ray"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRetryAfterTerminalError(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/playback", playRequest())
	h.engine.controller.HandlePlaybackFailure(context.Background(), "decode error")

	w := h.do(t, http.MethodPost, "/api/playback/retry", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body %s", w.Code, w.Body.String())
	}
	if status := h.engine.Status(); status.Session == nil {
		t.Error("expected a session after retry")
	}
}

func TestSelectSubtitleReturnsStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/playback", playRequest())

	w := h.do(t, http.MethodPost, "/api/playback/tracks/subtitle", TrackRequest{Index: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if status := h.engine.Status(); status.SubtitleIndex != 2 {
		t.Errorf("subtitle index = %d, want 2", status.SubtitleIndex)
	}
}

func TestTimeUpdateAdvancesTimeline(t *testing.T) {
	h := newHarness(t, nil)
	h.metadata.segments = []jellyfin.MediaSegment{
		{ID: "seg-1", Type: jellyfin.SegmentTypeIntro,
			StartTicks: 10 * jellyfin.TicksPerSecond, EndTicks: 40 * jellyfin.TicksPerSecond},
	}
	h.do(t, http.MethodPost, "/api/playback", playRequest())

	h.do(t, http.MethodPost, "/api/playback/time", TimeUpdateRequest{PositionSeconds: 20})
	status := h.engine.Status()
	if !status.Prompt.Visible {
		t.Fatal("expected skip prompt inside intro segment")
	}
	if status.Prompt.SegmentType != jellyfin.SegmentTypeIntro {
		t.Errorf("segment type = %q", status.Prompt.SegmentType)
	}

	h.do(t, http.MethodPost, "/api/playback/time", TimeUpdateRequest{PositionSeconds: 50})
	if h.engine.Status().Prompt.Visible {
		t.Error("expected prompt cleared outside segment")
	}
}

func TestSkipActivateSeeksPastSegment(t *testing.T) {
	h := newHarness(t, nil)
	h.metadata.segments = []jellyfin.MediaSegment{
		{ID: "seg-1", Type: jellyfin.SegmentTypeIntro,
			StartTicks: 10 * jellyfin.TicksPerSecond, EndTicks: 40 * jellyfin.TicksPerSecond},
	}
	h.do(t, http.MethodPost, "/api/playback", playRequest())
	h.do(t, http.MethodPost, "/api/playback/time", TimeUpdateRequest{PositionSeconds: 20})

	w := h.do(t, http.MethodPost, "/api/playback/skip", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("skip status = %d", w.Code)
	}
	if pos, ok := h.media.lastSeek(); !ok || pos != 40 {
		t.Errorf("seek position = %v, %v; want 40", pos, ok)
	}
}

func TestSkipActivateWithoutSession(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/playback/skip", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestDismissHidesPrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.metadata.segments = []jellyfin.MediaSegment{
		{ID: "seg-1", Type: jellyfin.SegmentTypeIntro,
			StartTicks: 10 * jellyfin.TicksPerSecond, EndTicks: 40 * jellyfin.TicksPerSecond},
	}
	h.do(t, http.MethodPost, "/api/playback", playRequest())
	h.do(t, http.MethodPost, "/api/playback/time", TimeUpdateRequest{PositionSeconds: 20})

	h.do(t, http.MethodPost, "/api/playback/dismiss", nil)
	if h.engine.Status().Prompt.Visible {
		t.Error("expected prompt hidden after dismiss")
	}

	// The dismissal sticks for the same segment.
	h.do(t, http.MethodPost, "/api/playback/time", TimeUpdateRequest{PositionSeconds: 25})
	if h.engine.Status().Prompt.Visible {
		t.Error("expected dismissal to persist within the segment")
	}
}

func TestEndedChainsIntoNextEpisode(t *testing.T) {
	h := newHarness(t, nil)
	h.metadata.next = &jellyfin.Item{ID: "item-2", SeriesID: "series-1"}

	req := playRequest()
	req.Item.SeriesID = "series-1"
	h.do(t, http.MethodPost, "/api/playback", req)

	w := h.do(t, http.MethodPost, "/api/playback/event", MediaEventRequest{Type: "ended"})
	if w.Code != http.StatusOK {
		t.Fatalf("ended status = %d", w.Code)
	}

	status := h.engine.Status()
	if status.Session == nil {
		t.Fatal("expected a session for the next episode")
	}
	if status.Session.ItemID != "item-2" {
		t.Errorf("session item = %q, want item-2", status.Session.ItemID)
	}
}

func TestEndedWithoutNextStops(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/playback", playRequest())

	h.do(t, http.MethodPost, "/api/playback/event", MediaEventRequest{Type: "ended"})
	status := h.engine.Status()
	if status.Session != nil {
		t.Error("expected session cleared after natural end")
	}
	if status.State != "idle" {
		t.Errorf("state = %q, want idle", status.State)
	}
}

func TestEndedRespectsAutoPlayOff(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Playback.AutoPlayNext = false
	})
	h.metadata.next = &jellyfin.Item{ID: "item-2", SeriesID: "series-1"}

	req := playRequest()
	req.Item.SeriesID = "series-1"
	h.do(t, http.MethodPost, "/api/playback", req)
	h.do(t, http.MethodPost, "/api/playback/event", MediaEventRequest{Type: "ended"})

	if status := h.engine.Status(); status.Session != nil {
		t.Error("expected no session when auto-play is off")
	}
}

func TestSegmentCacheShortCircuitsFetch(t *testing.T) {
	h := newHarness(t, nil)
	h.metadata.segments = []jellyfin.MediaSegment{
		{ID: "seg-1", Type: jellyfin.SegmentTypeIntro,
			StartTicks: 0, EndTicks: 30 * jellyfin.TicksPerSecond},
	}

	h.do(t, http.MethodPost, "/api/playback", playRequest())
	if got := h.metadata.segmentCalls(); got != 1 {
		t.Fatalf("segment fetches after first play = %d, want 1", got)
	}

	h.do(t, http.MethodPost, "/api/playback", playRequest())
	if got := h.metadata.segmentCalls(); got != 1 {
		t.Errorf("segment fetches after replay = %d, want 1 (cache hit)", got)
	}

	h.do(t, http.MethodPost, "/api/playback/time", TimeUpdateRequest{PositionSeconds: 10})
	if !h.engine.Status().Prompt.Visible {
		t.Error("expected cached segments to drive the skip prompt")
	}
}

func TestEndedFallsBackToSeasonOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.metadata.episodes = []jellyfin.Item{
		{ID: "ep-1", SeriesID: "series-1", SeasonID: "season-1", IndexNumber: 1},
		{ID: "item-1", SeriesID: "series-1", SeasonID: "season-1", IndexNumber: 2},
		{ID: "ep-3", SeriesID: "series-1", SeasonID: "season-1", IndexNumber: 3},
	}

	req := playRequest()
	req.Item.SeriesID = "series-1"
	req.Item.SeasonID = "season-1"
	h.do(t, http.MethodPost, "/api/playback", req)

	h.do(t, http.MethodPost, "/api/playback/event", MediaEventRequest{Type: "ended"})
	status := h.engine.Status()
	if status.Session == nil {
		t.Fatal("expected a session for the next episode")
	}
	if status.Session.ItemID != "ep-3" {
		t.Errorf("session item = %q, want ep-3", status.Session.ItemID)
	}
}

func TestHubBroadcastsControllerEvents(t *testing.T) {
	logger := testLogger()
	hub := NewHub(logger)
	sink := NewHubSink(hub)

	received := make(chan Event, 8)
	client := &wsClient{hub: hub, send: make(chan []byte, 8)}
	hub.register(client)
	go func() {
		for payload := range client.send {
			var evt Event
			if json.Unmarshal(payload, &evt) == nil {
				received <- evt
			}
		}
	}()

	sink.StateChanged(player.StatePlaying)
	sink.Toast("Switching to transcoding...")
	sink.TerminalError("Failed to play video. Please retry or go back.")

	want := map[string]string{
		EventState: "playing",
		EventToast: "Switching to transcoding...",
		EventError: "Failed to play video. Please retry or go back.",
	}
	for i := 0; i < len(want); i++ {
		select {
		case evt := <-received:
			data, _ := evt.Data.(string)
			if want[evt.Type] != data {
				t.Errorf("event %q data = %q, want %q", evt.Type, data, want[evt.Type])
			}
			delete(want, evt.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events: %v", want)
		}
	}

	hub.unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", hub.ClientCount())
	}
}

func TestHubDropsEventsForSlowClients(t *testing.T) {
	hub := NewHub(testLogger())
	client := &wsClient{hub: hub, send: make(chan []byte, 1)}
	hub.register(client)
	defer hub.unregister(client)

	hub.Broadcast(Event{Type: EventToast, Data: "one"})
	hub.Broadcast(Event{Type: EventToast, Data: "two"})

	if got := len(client.send); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}
}
