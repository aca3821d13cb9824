package server

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/go-jf-play/internal/negotiator"
	"github.com/opd-ai/go-jf-play/internal/player"
)

// Media commands pushed to the rendering layer over the event feed.
const (
	EventCommand = "command"

	CommandAttach       = "attach"
	CommandPlay         = "play"
	CommandPause        = "pause"
	CommandSeek         = "seek"
	CommandStartLoad    = "start-load"
	CommandRecoverMedia = "recover-media"
	CommandDetach       = "detach"
)

// CommandPayload is the wire form of one media command.
type CommandPayload struct {
	Action          string  `json:"action"`
	URL             string  `json:"url,omitempty"`
	Delivery        string  `json:"delivery,omitempty"`
	PositionSeconds float64 `json:"position_seconds,omitempty"`
}

// RemotePlayer satisfies player.MediaPlayer by pushing commands to the
// rendering layer over the event feed and mirroring the status it reports
// back. It never fails locally; a disconnected rendering layer surfaces as a
// startup stall, which the controller's watchdogs already handle.
type RemotePlayer struct {
	hub *Hub

	mu         sync.Mutex
	position   float64
	readyState int
	nativeHLS  bool
}

// NewRemotePlayer creates the rendering-layer bridge.
func NewRemotePlayer(hub *Hub) *RemotePlayer {
	return &RemotePlayer{hub: hub}
}

func (p *RemotePlayer) command(payload CommandPayload) {
	p.hub.Broadcast(Event{Type: EventCommand, Data: payload, Timestamp: time.Now()})
}

func (p *RemotePlayer) Attach(url string, mode player.DeliveryMode) error {
	p.mu.Lock()
	p.position = 0
	p.readyState = 0
	p.mu.Unlock()

	p.command(CommandPayload{Action: CommandAttach, URL: url, Delivery: mode.String()})
	return nil
}

func (p *RemotePlayer) Play() error {
	p.command(CommandPayload{Action: CommandPlay})
	return nil
}

func (p *RemotePlayer) Pause() error {
	p.command(CommandPayload{Action: CommandPause})
	return nil
}

func (p *RemotePlayer) SeekTo(seconds float64) {
	p.command(CommandPayload{Action: CommandSeek, PositionSeconds: seconds})
}

func (p *RemotePlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *RemotePlayer) ReadyState() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyState
}

func (p *RemotePlayer) SupportsNativeHLS() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nativeHLS
}

func (p *RemotePlayer) StartLoad() {
	p.command(CommandPayload{Action: CommandStartLoad})
}

func (p *RemotePlayer) RecoverMedia() {
	p.command(CommandPayload{Action: CommandRecoverMedia})
}

func (p *RemotePlayer) Detach() {
	p.command(CommandPayload{Action: CommandDetach})
}

// UpdateStatus records the position and readiness the rendering layer
// reported with its last time update.
func (p *RemotePlayer) UpdateStatus(position float64, readyState *int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = position
	if readyState != nil {
		p.readyState = *readyState
	}
}

// SetNativeHLS records whether the rendering layer's media element can play
// HLS natively.
func (p *RemotePlayer) SetNativeHLS(supported bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nativeHLS = supported
}

// NegotiatorSwitch is a swappable negotiator handle. The capabilities
// endpoint swaps in a negotiator built from the reported device profile;
// sessions started afterwards use it.
type NegotiatorSwitch struct {
	mu    sync.RWMutex
	inner player.PlaybackNegotiator
}

// NewNegotiatorSwitch wraps the initial negotiator.
func NewNegotiatorSwitch(inner player.PlaybackNegotiator) *NegotiatorSwitch {
	return &NegotiatorSwitch{inner: inner}
}

// Negotiate delegates to the current negotiator.
func (s *NegotiatorSwitch) Negotiate(ctx context.Context, opts negotiator.Options) (*negotiator.Decision, error) {
	s.mu.RLock()
	inner := s.inner
	s.mu.RUnlock()
	return inner.Negotiate(ctx, opts)
}

// Swap replaces the negotiator used for subsequent sessions.
func (s *NegotiatorSwitch) Swap(inner player.PlaybackNegotiator) {
	if inner == nil {
		return
	}
	s.mu.Lock()
	s.inner = inner
	s.mu.Unlock()
}
