// Package player owns the playback session lifecycle: negotiating a
// delivery strategy, constructing the stream URL, supervising startup and
// steady playback with watchdogs, and escalating through a bounded recovery
// ladder when the chosen strategy fails.
package player

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/internal/negotiator"
	"github.com/opd-ai/go-jf-play/internal/selection"
	"github.com/opd-ai/go-jf-play/internal/storage"
	"github.com/opd-ai/go-jf-play/internal/tracks"
	"github.com/opd-ai/go-jf-play/pkg/config"
)

// State is the externally visible playback state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateTerminalError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTerminalError:
		return "error"
	default:
		return "idle"
	}
}

// Sentinel errors surfaced by Start.
var (
	ErrNoPlayableSource = errors.New("no playable media source")
	ErrNoTranscodeURL   = errors.New("transcoding required but no transcode stream offered")
)

// Position deltas below this are not considered playback progress.
const progressEpsilonSeconds = 0.25

// stagnantProgressAge is how long the position may sit still before the
// stagnation watchdog treats the attempt as stuck.
const stagnantProgressAge = 5 * time.Second

// LoadRequest describes one item the caller wants played.
type LoadRequest struct {
	Item                *jellyfin.Item
	MediaSourceID       string
	AudioStreamIndex    *int
	SubtitleStreamIndex *int
	StartSeconds        float64
	// PreferenceScope keys the remembered track preferences, usually the
	// series id for episodes and the item id otherwise.
	PreferenceScope string
}

// PlaybackSettings is the immutable settings snapshot one load attempt runs
// under. It is recomputed at the top of every load and never re-read
// mid-attempt.
type PlaybackSettings struct {
	ForceTranscoding       bool
	EnableTranscoding      bool
	RelaxedPlaybackProfile bool
	MaxBitrateMbps         int
	DynamicRangeCap        string
	// StrictTranscodingMode disables every fallback that would abandon
	// transcoding or drop the selected subtitle track.
	StrictTranscodingMode bool
}

// Session identifies one live playback attempt.
type Session struct {
	ItemID        string
	MediaSourceID string
	PlaySessionID string
	PlayMethod    string
	StreamURL     string
	Delivery      DeliveryMode
}

// Playstate is the progress-beacon view of the controller.
// SubtitleStreamIndex is nil when subtitles are off.
type Playstate struct {
	Session             Session
	PositionTicks       int64
	Paused              bool
	AudioStreamIndex    *int
	SubtitleStreamIndex *int
}

// Controller drives one media attachment at a time. All entry points are
// serialized; starting a new load always tears down the previous attachment
// before constructing the next session.
type Controller struct {
	negotiator PlaybackNegotiator
	urls       StreamURLBuilder
	media      MediaPlayer
	prefs      PreferenceStore
	sink       EventSink
	playback   config.PlaybackConfig
	recovery   config.RecoveryConfig
	logger     *slog.Logger
	now        func() time.Time

	mu             sync.Mutex
	state          State
	generation     int64
	req            LoadRequest
	settings       PlaybackSettings
	capOverride    string
	forceTranscode bool
	session        *Session
	decision       *negotiator.Decision
	selection      tracks.Selection
	rec            recoveryState

	lastPosition       float64
	lastProgressAt     time.Time
	startupDeadline    time.Time
	stagnationDeadline time.Time
	nativeHLSDeadline  time.Time
}

// NewController creates a controller. prefs and sink may be nil.
func NewController(neg PlaybackNegotiator, urls StreamURLBuilder, media MediaPlayer, prefs PreferenceStore,
	playback config.PlaybackConfig, recovery config.RecoveryConfig, sink EventSink, logger *slog.Logger) *Controller {
	if sink == nil {
		sink = NopSink{}
	}
	return &Controller{
		negotiator: neg,
		urls:       urls,
		media:      media,
		prefs:      prefs,
		sink:       sink,
		playback:   playback,
		recovery:   recovery,
		logger:     logger,
		now:        time.Now,
		state:      StateIdle,
	}
}

// Start begins playback of a new item. Any prior attempt is torn down first
// and all recovery budgets reset.
func (c *Controller) Start(ctx context.Context, req LoadRequest) error {
	if req.Item == nil {
		return errors.New("player: load request needs an item")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.req = req
	c.capOverride = ""
	c.forceTranscode = false
	c.rec = recoveryState{}
	return c.load(ctx, loadOptions{seekSeconds: req.StartSeconds})
}

// Retry restarts the current item after a terminal error, resuming from the
// last known position with fresh recovery budgets.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.req.Item == nil {
		return errors.New("player: nothing to retry")
	}
	c.capOverride = ""
	c.forceTranscode = false
	c.rec = recoveryState{}
	return c.load(ctx, loadOptions{seekSeconds: c.lastPosition})
}

// Stop tears down the current attempt and clears the session.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownAttachment()
	c.session = nil
	c.decision = nil
	c.setState(StateIdle)
}

// State returns the current playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the live session, or false when none is live.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Selection returns the resolved track selection of the current attempt.
func (c *Controller) Selection() tracks.Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selection
}

// Source returns the media source of the current attempt, or nil.
func (c *Controller) Source() *jellyfin.MediaSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source()
}

// Playstate returns the beacon payload view of the controller; ok is false
// when no session is live.
func (c *Controller) Playstate() (Playstate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Playstate{}, false
	}
	state := Playstate{
		Session:          *c.session,
		PositionTicks:    int64(c.lastPosition * float64(jellyfin.TicksPerSecond)),
		Paused:           c.state == StatePaused,
		AudioStreamIndex: c.selection.AudioIndex,
	}
	if c.selection.SubtitleIndex >= 0 {
		sub := c.selection.SubtitleIndex
		state.SubtitleStreamIndex = &sub
	}
	return state, true
}

// AttemptGeneration returns the id of the current load attempt. Events
// stamped with an older generation are ignored.
func (c *Controller) AttemptGeneration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

type loadOptions struct {
	forceTranscode   bool
	freshSession     bool
	softwareHLSOnly  bool
	seekSeconds      float64
	audioOverride    *int
	subtitleOverride *int
}

// load runs one complete attempt setup: teardown, settings snapshot,
// negotiation, track resolution, URL construction, attachment, watchdogs.
// The caller holds the lock.
func (c *Controller) load(ctx context.Context, opts loadOptions) error {
	c.generation++
	gen := c.generation
	c.teardownAttachment()
	c.rec.resetAttempt()
	c.setState(StateLoading)

	if opts.forceTranscode {
		c.forceTranscode = true
	}

	pref := c.loadPreference()

	explicitAudio := opts.audioOverride
	if explicitAudio == nil {
		explicitAudio = c.req.AudioStreamIndex
	}
	explicitSubtitle := opts.subtitleOverride
	if explicitSubtitle == nil {
		explicitSubtitle = c.req.SubtitleStreamIndex
	}

	subtitleIntended := subtitleIntent(explicitSubtitle, pref)
	force := c.playback.ForceTranscoding || c.forceTranscode
	forcedBySubtitle := !force && subtitleIntended && c.playback.ForceTranscodingWithSubtitles

	c.settings = PlaybackSettings{
		ForceTranscoding:       force || forcedBySubtitle,
		EnableTranscoding:      c.playback.EnableTranscoding,
		RelaxedPlaybackProfile: c.playback.RelaxedPlaybackProfile,
		MaxBitrateMbps:         c.playback.MaxBitrateMbps,
		DynamicRangeCap:        c.effectiveCap(),
		StrictTranscodingMode:  force || (subtitleIntended && c.playback.ForceTranscodingWithSubtitles),
	}
	if forcedBySubtitle {
		c.sink.Toast("Subtitles selected: using transcoding for compatibility.")
	}

	sourceID := c.req.MediaSourceID
	if c.session != nil {
		sourceID = c.session.MediaSourceID
	}

	decision, err := c.negotiator.Negotiate(ctx, negotiator.Options{
		ItemID:              c.req.Item.ID,
		MediaSourceID:       sourceID,
		AudioStreamIndex:    explicitAudio,
		SubtitleStreamIndex: explicitSubtitle,
		StartTimeTicks:      int64(opts.seekSeconds * float64(jellyfin.TicksPerSecond)),
		Settings: negotiator.Settings{
			ForceTranscoding:       c.settings.ForceTranscoding,
			ForceSubtitleBurnIn:    c.playback.ForceTranscodingWithSubtitles,
			EnableTranscoding:      c.settings.EnableTranscoding,
			RelaxedPlaybackProfile: c.settings.RelaxedPlaybackProfile,
			MaxBitrateMbps:         c.settings.MaxBitrateMbps,
			DynamicRangeCap:        c.settings.DynamicRangeCap,
		},
	})
	if err != nil {
		c.terminal("Failed to negotiate playback with the server. Please retry or go back.")
		return err
	}
	if decision.Source == nil {
		c.terminal("No playable version of this item is available.")
		return ErrNoPlayableSource
	}
	for _, toast := range decision.Toasts() {
		c.sink.Toast(toast)
	}

	c.decision = decision
	c.selection = tracks.Resolve(decision.Source, pref, decision.AudioStreamIndex, explicitSubtitle)

	method := effectivePlayMethod(decision.PlayMethod, decision.Source)

	if c.settings.ForceTranscoding && decision.Source.TranscodingURL == "" {
		c.terminal("Transcoding is required but the server did not offer a transcode stream.")
		return ErrNoTranscodeURL
	}

	sessionID := decision.PlaySessionID
	if opts.freshSession || sessionID == "" {
		sessionID = newPlaySessionID(c.now())
	}

	streamURL, delivery, err := c.buildStream(decision.Source, method, sessionID, opts.softwareHLSOnly)
	if err != nil {
		c.terminal("Failed to construct a stream URL. Please retry or go back.")
		return err
	}

	c.session = &Session{
		ItemID:        c.req.Item.ID,
		MediaSourceID: decision.Source.ID,
		PlaySessionID: sessionID,
		PlayMethod:    method,
		StreamURL:     streamURL,
		Delivery:      delivery,
	}

	if err := c.media.Attach(streamURL, delivery); err != nil {
		c.terminal("Failed to attach the media stream. Please retry or go back.")
		return err
	}
	if opts.seekSeconds > 0 {
		c.media.SeekTo(opts.seekSeconds)
	}
	if err := c.media.Play(); err != nil {
		c.logger.Warn("Autoplay rejected", "error", err)
	}

	now := c.now()
	c.lastPosition = opts.seekSeconds
	c.lastProgressAt = now
	c.armWatchdogs(now, delivery)

	c.logger.Info("Playback attempt started",
		"item_id", c.req.Item.ID,
		"media_source_id", decision.Source.ID,
		"play_method", method,
		"delivery", delivery.String(),
		"play_session_id", sessionID,
		"generation", gen)
	return nil
}

// reload re-runs the load pipeline from the current position, carrying the
// active track selections forward. Errors were already surfaced as terminal
// state inside load. The caller holds the lock.
func (c *Controller) reload(ctx context.Context, opts loadOptions) {
	opts.seekSeconds = c.lastPosition
	if opts.audioOverride == nil {
		opts.audioOverride = c.selection.AudioIndex
	}
	if opts.subtitleOverride == nil {
		sub := c.selection.SubtitleIndex
		opts.subtitleOverride = &sub
	}
	if err := c.load(ctx, opts); err != nil {
		c.logger.Error("Reload failed", "error", err)
	}
}

func (c *Controller) buildStream(source *jellyfin.MediaSource, method, sessionID string, softwareOnly bool) (string, DeliveryMode, error) {
	if method == jellyfin.PlayMethodTranscode {
		base := c.urls.TranscodeURL(source)
		if base == "" {
			return "", DeliveryProgressive, ErrNoTranscodeURL
		}
		streamURL, err := injectTranscodeParams(base, c.selection.AudioIndex, c.selection.SubtitleIndex, sessionID)
		if err != nil {
			return "", DeliveryProgressive, err
		}
		if isHLSDelivery(source) {
			if !softwareOnly && c.media.SupportsNativeHLS() {
				return streamURL, DeliveryNativeHLS, nil
			}
			return streamURL, DeliverySoftwareHLS, nil
		}
		return streamURL, DeliveryProgressive, nil
	}

	return c.urls.StreamURL(c.req.Item.ID, source.ID, sessionID, source.ETag, source.Container, source.LiveStreamID),
		DeliveryProgressive, nil
}

func (c *Controller) armWatchdogs(now time.Time, delivery DeliveryMode) {
	c.startupDeadline = now.Add(c.recovery.StartupStallTimeout)
	c.stagnationDeadline = now.Add(c.recovery.StagnationTimeout)
	if delivery == DeliveryNativeHLS {
		c.nativeHLSDeadline = now.Add(c.recovery.NativeHlsFallbackTimeout)
	} else {
		c.nativeHLSDeadline = time.Time{}
	}
}

// CheckWatchdogs evaluates the armed deadlines against the current time.
// The session layer calls this on a short ticker.
func (c *Controller) CheckWatchdogs(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.rec.failureLocked {
		return
	}
	now := c.now()

	if !c.nativeHLSDeadline.IsZero() && !now.Before(c.nativeHLSDeadline) {
		c.nativeHLSDeadline = time.Time{}
		if c.media.ReadyState() == 0 && c.state != StatePlaying {
			c.logger.Warn("Native HLS made no progress, switching to software HLS")
			c.reload(ctx, loadOptions{softwareHLSOnly: true})
			return
		}
	}

	if !c.startupDeadline.IsZero() && !now.Before(c.startupDeadline) {
		c.startupDeadline = time.Time{}
		if c.state == StateLoading {
			c.failPlayback(ctx, "playback did not start in time")
			return
		}
	}

	if !c.stagnationDeadline.IsZero() && !now.Before(c.stagnationDeadline) {
		if c.state == StatePaused || now.Sub(c.lastProgressAt) <= stagnantProgressAge {
			c.stagnationDeadline = now.Add(c.recovery.StagnationTimeout)
			return
		}
		c.stagnationDeadline = time.Time{}
		if c.attemptSessionRebuild(ctx, "playback position stopped advancing", "Playback stalled. Rebuilding session...") {
			return
		}
		c.terminal("Playback stalled and could not be recovered. Please retry or go back.")
	}
}

// HandlePlaying marks the attempt as producing frames. Per-attempt recovery
// budgets reset at this point.
func (c *Controller) HandlePlaying() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.rec.failureLocked {
		return
	}
	now := c.now()
	// Startup watchdogs are done once frames flow. The stagnation deadline
	// is re-armed rather than cleared: it supervises the playing state
	// itself and only fires when the position stops advancing unpaused.
	c.startupDeadline = time.Time{}
	c.nativeHLSDeadline = time.Time{}
	c.lastProgressAt = now
	c.stagnationDeadline = now.Add(c.recovery.StagnationTimeout)
	c.rec.resetAttempt()
	c.setState(StatePlaying)
}

// HandleTimeUpdate records the playback position reported by the media layer.
func (c *Controller) HandleTimeUpdate(positionSeconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}
	if math.Abs(positionSeconds-c.lastPosition) >= progressEpsilonSeconds {
		c.lastProgressAt = c.now()
	}
	c.lastPosition = positionSeconds
}

// HandlePaused records a pause reported by the media layer.
func (c *Controller) HandlePaused() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePlaying {
		c.setState(StatePaused)
	}
}

// HandleResumed records playback resuming after a pause.
func (c *Controller) HandleResumed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePaused {
		c.lastProgressAt = c.now()
		c.setState(StatePlaying)
	}
}

// HandleEnded records natural end of playback. The session layer decides
// whether a next episode follows.
func (c *Controller) HandleEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearWatchdogs()
	c.setState(StateIdle)
}

// Pause pauses the media element.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	if err := c.media.Pause(); err != nil {
		c.logger.Warn("Pause failed", "error", err)
	}
	if c.state == StatePlaying {
		c.setState(StatePaused)
	}
}

// Resume resumes a paused media element.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	if err := c.media.Play(); err != nil {
		c.logger.Warn("Resume failed", "error", err)
	}
	if c.state == StatePaused {
		c.lastProgressAt = c.now()
		c.setState(StatePlaying)
	}
}

// SeekTo moves playback to the given position in seconds.
func (c *Controller) SeekTo(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	c.media.SeekTo(seconds)
	c.lastPosition = seconds
	c.lastProgressAt = c.now()
}

// SelectAudioTrack switches the audio stream and remembers the choice. The
// session is rebuilt so the running stream reflects the change.
func (c *Controller) SelectAudioTrack(ctx context.Context, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}
	if src := c.source(); src != nil {
		c.rememberPreference(func(pref *storage.TrackPreference) *storage.TrackPreference {
			return tracks.RememberAudio(pref, src.AudioStreams(), index)
		})
	}
	c.reload(ctx, loadOptions{audioOverride: &index, freshSession: true})
}

// SelectSubtitleTrack switches the subtitle stream, tracks.SubtitleOff
// meaning none, and remembers the choice.
func (c *Controller) SelectSubtitleTrack(ctx context.Context, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}
	if src := c.source(); src != nil {
		c.rememberPreference(func(pref *storage.TrackPreference) *storage.TrackPreference {
			return tracks.RememberSubtitle(pref, src.SubtitleStreams(), index)
		})
	}
	c.reload(ctx, loadOptions{subtitleOverride: &index, freshSession: true})
}

func (c *Controller) rememberPreference(update func(*storage.TrackPreference) *storage.TrackPreference) {
	if c.prefs == nil || c.req.PreferenceScope == "" {
		return
	}
	pref, err := c.prefs.TrackPreference(c.req.PreferenceScope)
	if err != nil {
		c.logger.Warn("Failed to load track preference", "scope", c.req.PreferenceScope, "error", err)
		pref = nil
	}
	if err := c.prefs.SaveTrackPreference(c.req.PreferenceScope, update(pref)); err != nil {
		c.logger.Warn("Failed to save track preference", "scope", c.req.PreferenceScope, "error", err)
	}
}

func (c *Controller) loadPreference() *storage.TrackPreference {
	if c.prefs == nil || c.req.PreferenceScope == "" {
		return nil
	}
	pref, err := c.prefs.TrackPreference(c.req.PreferenceScope)
	if err != nil {
		c.logger.Warn("Failed to load track preference", "scope", c.req.PreferenceScope, "error", err)
		return nil
	}
	return pref
}

func (c *Controller) effectiveCap() string {
	if c.capOverride != "" {
		return c.capOverride
	}
	return selection.NormalizeDynamicRangeCap(c.playback.DynamicRangeCap)
}

func (c *Controller) source() *jellyfin.MediaSource {
	if c.decision == nil {
		return nil
	}
	return c.decision.Source
}

func (c *Controller) teardownAttachment() {
	c.clearWatchdogs()
	c.media.Detach()
}

func (c *Controller) clearWatchdogs() {
	c.startupDeadline = time.Time{}
	c.stagnationDeadline = time.Time{}
	c.nativeHLSDeadline = time.Time{}
}

func (c *Controller) setState(state State) {
	if c.state == state {
		return
	}
	c.state = state
	c.sink.StateChanged(state)
}

func (c *Controller) terminal(message string) {
	c.rec.failureLocked = true
	c.teardownAttachment()
	c.setState(StateTerminalError)
	itemID := ""
	if c.req.Item != nil {
		itemID = c.req.Item.ID
	}
	c.logger.Error("Playback failed", "item_id", itemID, "message", message)
	c.sink.TerminalError(message)
}

// subtitleIntent reports whether the attempt will carry subtitles, either by
// explicit request or by a remembered preference.
func subtitleIntent(explicit *int, pref *storage.TrackPreference) bool {
	if explicit != nil {
		return *explicit >= 0
	}
	if pref == nil || pref.SubtitleOff {
		return false
	}
	return pref.SubtitleIndex != nil || pref.SubtitleLanguage != ""
}
