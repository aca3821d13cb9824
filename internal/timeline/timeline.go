// Package timeline tracks the skip-segment and play-next affordances over
// the course of one playback attempt. State is recomputed from the playback
// position on every tick; dismissals are scoped to the current attempt.
package timeline

import (
	"math"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
)

// Settings controls which affordances are offered.
type Settings struct {
	SkipSegmentPrompts bool
	PlayNextPrompt     bool
	PlayNextPromptMode string // segmentsOnly or segmentsOrLast60
}

// Play-next prompt modes.
const (
	PromptModeSegmentsOnly     = "segmentsOnly"
	PromptModeSegmentsOrLast60 = "segmentsOrLast60"
)

// lastChanceWindowSeconds is the trailing window that triggers the play-next
// prompt in segmentsOrLast60 mode.
const lastChanceWindowSeconds = 60

// State is the externally visible affordance state after a tick.
type State struct {
	OverlayVisible        bool
	ActiveSegment         *jellyfin.MediaSegment
	CountdownSeconds      int // 0 means no countdown shown
	ShowNextEpisodePrompt bool
}

// Action is what activating the affordance should do.
type Action int

const (
	ActionNone Action = iota
	ActionSeek
	ActionPlayNext
)

// Activation is the outcome of pressing the skip/play-next affordance.
type Activation struct {
	Action      Action
	SeekToTicks int64
}

// Timeline owns the affordance state for one playback attempt.
type Timeline struct {
	segments       []jellyfin.MediaSegment
	durationTicks  int64
	hasNextEpisode bool
	settings       Settings

	state               State
	dismissedSegmentID  string
	nextPromptDismissed bool
	promptStartTicks    int64
	promptStartValid    bool
}

// New creates a timeline for one item. durationTicks may be zero when the
// runtime is unknown; the trailing-window prompt is then disabled.
func New(segments []jellyfin.MediaSegment, durationTicks int64, hasNextEpisode bool, settings Settings) *Timeline {
	if settings.PlayNextPromptMode != PromptModeSegmentsOnly {
		settings.PlayNextPromptMode = PromptModeSegmentsOrLast60
	}
	return &Timeline{
		segments:       segments,
		durationTicks:  durationTicks,
		hasNextEpisode: hasNextEpisode,
		settings:       settings,
	}
}

// State returns the current affordance state.
func (t *Timeline) State() State {
	return t.state
}

// Tick recomputes the affordance state for the given playback position and
// returns it.
func (t *Timeline) Tick(positionTicks int64) State {
	if active := t.segmentAt(positionTicks); active != nil {
		t.tickInsideSegment(active, positionTicks)
		return t.state
	}

	if t.lastChanceEligible() {
		t.tickTrailingWindow(positionTicks)
		return t.state
	}

	if t.state.ShowNextEpisodePrompt {
		t.tickLingeringPrompt(positionTicks)
		return t.state
	}

	if t.state.OverlayVisible {
		t.clearState()
		t.dismissedSegmentID = ""
	}
	return t.state
}

func (t *Timeline) tickInsideSegment(active *jellyfin.MediaSegment, positionTicks int64) {
	if !active.IsTerminal() {
		// Dismissal only sticks for non-terminal segments.
		if t.dismissedSegmentID == active.ID {
			t.state.OverlayVisible = false
			t.state.ActiveSegment = active
			return
		}
		if !t.settings.SkipSegmentPrompts {
			t.clearState()
			return
		}
	}

	t.state.ActiveSegment = active
	t.state.OverlayVisible = true

	if active.IsTerminal() && t.hasNextEpisode && t.settings.PlayNextPrompt {
		t.state.ShowNextEpisodePrompt = true
		t.promptStartTicks = active.StartTicks
		t.promptStartValid = true
	} else {
		t.state.ShowNextEpisodePrompt = false
		t.promptStartValid = false
	}

	t.state.CountdownSeconds = countdownSeconds(active.EndTicks, positionTicks)
}

func (t *Timeline) lastChanceEligible() bool {
	return t.settings.PlayNextPrompt &&
		t.settings.PlayNextPromptMode == PromptModeSegmentsOrLast60 &&
		!t.nextPromptDismissed &&
		t.hasNextEpisode &&
		t.durationTicks > 0
}

func (t *Timeline) tickTrailingWindow(positionTicks int64) {
	remaining := t.durationTicks - positionTicks
	if remaining > 0 && remaining <= lastChanceWindowSeconds*jellyfin.TicksPerSecond {
		t.state.OverlayVisible = true
		t.state.ShowNextEpisodePrompt = true
		t.state.ActiveSegment = nil
		t.state.CountdownSeconds = countdownSeconds(t.durationTicks, positionTicks)
		return
	}
	if t.state.ShowNextEpisodePrompt {
		t.clearState()
	}
}

// tickLingeringPrompt handles the prompt that survives past its triggering
// segment. Seeking backward past the prompt's start clears it.
func (t *Timeline) tickLingeringPrompt(positionTicks int64) {
	if t.promptStartValid && positionTicks < t.promptStartTicks {
		t.clearState()
		t.promptStartValid = false
		return
	}
	if !t.settings.PlayNextPrompt ||
		(t.settings.PlayNextPromptMode == PromptModeSegmentsOnly && t.state.ActiveSegment == nil) {
		t.clearState()
		t.promptStartValid = false
		return
	}
	t.state.OverlayVisible = true
	t.state.CountdownSeconds = 0
}

// Activate handles a press on the skip/play-next affordance.
func (t *Timeline) Activate() Activation {
	if t.state.ShowNextEpisodePrompt && t.hasNextEpisode {
		return Activation{Action: ActionPlayNext}
	}

	segment := t.state.ActiveSegment
	if segment == nil {
		return Activation{Action: ActionNone}
	}
	if segment.IsTerminal() && t.hasNextEpisode {
		return Activation{Action: ActionPlayNext}
	}

	seekTo := segment.EndTicks
	t.dismissedSegmentID = segment.ID
	t.clearState()
	t.nextPromptDismissed = false
	t.promptStartValid = false
	return Activation{Action: ActionSeek, SeekToTicks: seekTo}
}

// DismissOverlay hides the current affordance. A segment dismissal is scoped
// to that segment id; a play-next dismissal suppresses the trailing-window
// prompt for the rest of the attempt.
func (t *Timeline) DismissOverlay() {
	if t.state.ShowNextEpisodePrompt {
		t.DismissNextEpisodePrompt()
		return
	}
	if t.state.ActiveSegment != nil {
		t.dismissedSegmentID = t.state.ActiveSegment.ID
	}
	t.state.OverlayVisible = false
	t.state.CountdownSeconds = 0
}

// DismissNextEpisodePrompt hides the play-next prompt and keeps it hidden
// for the rest of the attempt.
func (t *Timeline) DismissNextEpisodePrompt() {
	t.clearState()
	t.nextPromptDismissed = true
	t.promptStartValid = false
}

func (t *Timeline) clearState() {
	t.state = State{}
}

func (t *Timeline) segmentAt(positionTicks int64) *jellyfin.MediaSegment {
	for i := range t.segments {
		if t.segments[i].Contains(positionTicks) {
			return &t.segments[i]
		}
	}
	return nil
}

func countdownSeconds(endTicks, positionTicks int64) int {
	remaining := float64(endTicks-positionTicks) / float64(jellyfin.TicksPerSecond)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining))
}
