package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/internal/player"
	"github.com/opd-ai/go-jf-play/internal/progress"
	"github.com/opd-ai/go-jf-play/internal/timeline"
	"github.com/opd-ai/go-jf-play/pkg/config"
)

// segmentCacheMaxAge bounds how stale a cached segment list may be before
// the server is asked again.
const segmentCacheMaxAge = 24 * time.Hour

// watchdogInterval is how often the engine evaluates the controller's
// startup and stagnation deadlines.
const watchdogInterval = 500 * time.Millisecond

// segmentCacheMaxItems bounds the number of items with cached segment lists.
const segmentCacheMaxItems = 256

// MetadataClient is the item-metadata surface of the server client.
// *jellyfin.Client satisfies it.
type MetadataClient interface {
	MediaSegments(ctx context.Context, itemID string) ([]jellyfin.MediaSegment, error)
	NextUpEpisode(ctx context.Context, seriesID string) (*jellyfin.Item, error)
	SeasonEpisodes(ctx context.Context, seriesID, seasonID string) ([]jellyfin.Item, error)
}

// SegmentCache persists media segments between sessions. *storage.Store
// satisfies it. May be nil; segments are then always fetched.
type SegmentCache interface {
	Segments(itemID string, maxAge time.Duration) ([]jellyfin.MediaSegment, bool, error)
	SaveSegments(itemID string, segments []jellyfin.MediaSegment) error
	PruneSegments(max int) (int, error)
}

// PlayRequest starts playback of one item. The rendering layer supplies the
// item it already holds; the engine never fetches item details itself.
type PlayRequest struct {
	Item                jellyfin.Item `json:"item"`
	MediaSourceID       string        `json:"media_source_id,omitempty"`
	AudioStreamIndex    *int          `json:"audio_stream_index,omitempty"`
	SubtitleStreamIndex *int          `json:"subtitle_stream_index,omitempty"`
	StartSeconds        float64       `json:"start_seconds,omitempty"`
}

// Engine binds the playback controller, the skip/next timeline, and the
// progress reporter into the single session the control API operates on.
type Engine struct {
	controller *player.Controller
	metadata   MetadataClient
	cache      SegmentCache
	reporter   *progress.Reporter
	playback   config.PlaybackConfig
	hub        *Hub
	logger     *slog.Logger

	mu           sync.Mutex
	item         *jellyfin.Item
	next         *jellyfin.Item
	timeline     *timeline.Timeline
	lastTimeline timeline.State
	cancel       context.CancelFunc
}

// NewEngine creates the engine. cache and reporter may be nil.
func NewEngine(controller *player.Controller, metadata MetadataClient, cache SegmentCache,
	reporter *progress.Reporter, playback config.PlaybackConfig, hub *Hub, logger *slog.Logger) *Engine {
	return &Engine{
		controller: controller,
		metadata:   metadata,
		cache:      cache,
		reporter:   reporter,
		playback:   playback,
		hub:        hub,
		logger:     logger,
	}
}

// Play stops any current session and starts the requested item.
func (e *Engine) Play(ctx context.Context, req PlayRequest) error {
	if req.Item.ID == "" {
		return fmt.Errorf("play request has no item id")
	}

	e.stopSession(ctx)

	item := req.Item
	scope := item.SeriesID
	if scope == "" {
		scope = item.ID
	}

	load := player.LoadRequest{
		Item:                &item,
		MediaSourceID:       req.MediaSourceID,
		AudioStreamIndex:    req.AudioStreamIndex,
		SubtitleStreamIndex: req.SubtitleStreamIndex,
		StartSeconds:        req.StartSeconds,
		PreferenceScope:     scope,
	}
	if err := e.controller.Start(ctx, load); err != nil {
		return err
	}

	segments := e.fetchSegments(ctx, item.ID)
	next := e.fetchNextEpisode(ctx, &item)

	duration := item.RunTimeTicks
	if src := e.controller.Source(); src != nil && src.RunTimeTicks > 0 {
		duration = src.RunTimeTicks
	}

	e.mu.Lock()
	e.item = &item
	e.next = next
	e.timeline = timeline.New(segments, duration, next != nil, timeline.Settings{
		SkipSegmentPrompts: e.playback.SkipIntro,
		PlayNextPrompt:     e.playback.ShowPlayNextPrompt,
		PlayNextPromptMode: e.playback.PlayNextPromptMode,
	})
	e.lastTimeline = timeline.State{}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	if e.reporter != nil {
		e.reporter.ReportStart(ctx)
		go e.reporter.Run(runCtx)
	}
	go e.runWatchdogs(runCtx)

	e.logger.Info("Playback session started",
		"item_id", item.ID,
		"segments", len(segments),
		"has_next", next != nil)
	return nil
}

// Stop ends the current session and reports it stopped.
func (e *Engine) Stop(ctx context.Context) {
	e.stopSession(ctx)
}

func (e *Engine) stopSession(ctx context.Context) {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.item = nil
	e.next = nil
	e.timeline = nil
	e.lastTimeline = timeline.State{}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if e.reporter != nil {
		e.reporter.ReportStopped(ctx)
	}
	e.controller.Stop()
}

// fetchSegments returns the item's media segments, preferring the cache.
// Failures degrade to an empty list; playback never blocks on segments.
func (e *Engine) fetchSegments(ctx context.Context, itemID string) []jellyfin.MediaSegment {
	if e.cache != nil {
		segments, ok, err := e.cache.Segments(itemID, segmentCacheMaxAge)
		if err != nil {
			e.logger.Warn("Segment cache read failed", "item_id", itemID, "error", err)
		} else if ok {
			return segments
		}
	}

	segments, err := e.metadata.MediaSegments(ctx, itemID)
	if err != nil {
		e.logger.Warn("Media segment fetch failed", "item_id", itemID, "error", err)
		return nil
	}
	if e.cache != nil {
		if err := e.cache.SaveSegments(itemID, segments); err != nil {
			e.logger.Warn("Segment cache write failed", "item_id", itemID, "error", err)
		} else if pruned, err := e.cache.PruneSegments(segmentCacheMaxItems); err == nil && pruned > 0 {
			e.logger.Debug("Pruned segment cache", "removed", pruned)
		}
	}
	return segments
}

// fetchNextEpisode resolves the episode to auto-play after item, or nil.
// The next-up endpoint is authoritative; when it has nothing the season's
// episode list decides, so mid-season items still chain after the server's
// next-up pointer has moved on.
func (e *Engine) fetchNextEpisode(ctx context.Context, item *jellyfin.Item) *jellyfin.Item {
	if item.SeriesID == "" {
		return nil
	}

	next, err := e.metadata.NextUpEpisode(ctx, item.SeriesID)
	if err != nil {
		e.logger.Warn("Next-up lookup failed", "series_id", item.SeriesID, "error", err)
	} else if next != nil && next.ID != item.ID {
		return next
	}

	return e.nextInSeason(ctx, item)
}

func (e *Engine) nextInSeason(ctx context.Context, item *jellyfin.Item) *jellyfin.Item {
	if item.SeasonID == "" {
		return nil
	}
	episodes, err := e.metadata.SeasonEpisodes(ctx, item.SeriesID, item.SeasonID)
	if err != nil {
		e.logger.Warn("Season episode lookup failed", "season_id", item.SeasonID, "error", err)
		return nil
	}
	for i := range episodes {
		if episodes[i].ID == item.ID && i+1 < len(episodes) {
			return &episodes[i+1]
		}
	}
	return nil
}

// runWatchdogs drives the controller's deadline checks until the session
// ends.
func (e *Engine) runWatchdogs(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.controller.CheckWatchdogs(ctx)
		}
	}
}

// HandleTime processes a playback position report from the media layer. It
// feeds the controller's stall detection and advances the skip/next
// timeline, broadcasting prompt changes to connected clients.
func (e *Engine) HandleTime(positionSeconds float64) {
	e.controller.HandleTimeUpdate(positionSeconds)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timeline == nil {
		return
	}
	state := e.timeline.Tick(int64(positionSeconds * float64(jellyfin.TicksPerSecond)))
	if state != e.lastTimeline {
		e.lastTimeline = state
		e.hub.Broadcast(promptEvent(state))
	}
}

// SkipActivate handles a press on the skip/play-next affordance.
func (e *Engine) SkipActivate(ctx context.Context) error {
	e.mu.Lock()
	tl := e.timeline
	e.mu.Unlock()
	if tl == nil {
		return fmt.Errorf("no active playback session")
	}

	activation := tl.Activate()
	switch activation.Action {
	case timeline.ActionSeek:
		e.controller.SeekTo(float64(activation.SeekToTicks) / float64(jellyfin.TicksPerSecond))
		return nil
	case timeline.ActionPlayNext:
		return e.PlayNext(ctx)
	default:
		return nil
	}
}

// Dismiss hides the current overlay without acting on it.
func (e *Engine) Dismiss() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timeline == nil {
		return
	}
	e.timeline.DismissOverlay()
	state := e.timeline.State()
	if state != e.lastTimeline {
		e.lastTimeline = state
		e.hub.Broadcast(promptEvent(state))
	}
}

// PlayNext starts the queued next episode.
func (e *Engine) PlayNext(ctx context.Context) error {
	e.mu.Lock()
	next := e.next
	e.mu.Unlock()
	if next == nil {
		return fmt.Errorf("no next episode queued")
	}
	return e.Play(ctx, PlayRequest{Item: *next})
}

// HandleEnded processes natural end of playback. With auto-play enabled and
// a next episode queued it chains into the next item, otherwise the session
// ends.
func (e *Engine) HandleEnded(ctx context.Context) {
	if e.reporter != nil {
		e.reporter.ReportStopped(ctx)
	}
	e.controller.HandleEnded()

	e.mu.Lock()
	next := e.next
	autoPlay := e.playback.AutoPlayNext
	e.mu.Unlock()

	if autoPlay && next != nil {
		if err := e.PlayNext(ctx); err != nil {
			e.logger.Warn("Auto-play next failed", "error", err)
		}
		return
	}
	e.stopSession(ctx)
}

// Status is the full engine state exposed on the status endpoint.
type Status struct {
	State          string                 `json:"state"`
	Session        *player.Session        `json:"session,omitempty"`
	Item           *jellyfin.Item         `json:"item,omitempty"`
	NextEpisode    *jellyfin.Item         `json:"next_episode,omitempty"`
	PositionTicks  int64                  `json:"position_ticks"`
	Paused         bool                   `json:"paused"`
	AudioTracks    []jellyfin.MediaStream `json:"audio_tracks,omitempty"`
	SubtitleTracks []jellyfin.MediaStream `json:"subtitle_tracks,omitempty"`
	AudioIndex     *int                   `json:"audio_index,omitempty"`
	SubtitleIndex  int                    `json:"subtitle_index"`
	Prompt         PromptPayload          `json:"prompt"`
}

// Status snapshots the engine for the status endpoint.
func (e *Engine) Status() Status {
	status := Status{
		State:         e.controller.State().String(),
		SubtitleIndex: -1,
	}

	if session, ok := e.controller.Session(); ok {
		status.Session = &session
		selection := e.controller.Selection()
		status.AudioIndex = selection.AudioIndex
		status.SubtitleIndex = selection.SubtitleIndex
	}
	if state, ok := e.controller.Playstate(); ok {
		status.PositionTicks = state.PositionTicks
		status.Paused = state.Paused
	}
	if src := e.controller.Source(); src != nil {
		for _, stream := range src.MediaStreams {
			switch stream.Type {
			case jellyfin.StreamTypeAudio:
				status.AudioTracks = append(status.AudioTracks, stream)
			case jellyfin.StreamTypeSubtitle:
				status.SubtitleTracks = append(status.SubtitleTracks, stream)
			}
		}
	}
	e.mu.Lock()
	status.Item = e.item
	status.NextEpisode = e.next
	status.Prompt = promptPayload(e.lastTimeline)
	e.mu.Unlock()

	return status
}
