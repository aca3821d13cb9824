package player

import (
	"context"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/internal/negotiator"
	"github.com/opd-ai/go-jf-play/internal/storage"
)

// DeliveryMode tells the media layer how to attach a stream URL.
type DeliveryMode int

const (
	DeliveryProgressive DeliveryMode = iota
	DeliveryNativeHLS
	DeliverySoftwareHLS
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliveryNativeHLS:
		return "native-hls"
	case DeliverySoftwareHLS:
		return "software-hls"
	default:
		return "progressive"
	}
}

// MediaPlayer is the controller's handle on the rendering layer's media
// element and HLS client. Implementations forward these calls to the actual
// playback surface and must tolerate calls after Detach.
type MediaPlayer interface {
	Attach(url string, mode DeliveryMode) error
	Play() error
	Pause() error
	SeekTo(seconds float64)
	Position() float64
	ReadyState() int
	SupportsNativeHLS() bool
	// StartLoad asks the software HLS client to resume manifest and
	// fragment loading after a fatal network error.
	StartLoad()
	// RecoverMedia asks the software HLS client to run its media-error
	// recovery path.
	RecoverMedia()
	Detach()
}

// EventSink receives controller notifications for the caller-facing layer.
type EventSink interface {
	StateChanged(state State)
	Toast(message string)
	TerminalError(message string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) StateChanged(State) {}

func (NopSink) Toast(string) {}

func (NopSink) TerminalError(string) {}

// PreferenceStore persists remembered track choices per preference scope.
// *storage.Store satisfies it.
type PreferenceStore interface {
	TrackPreference(scope string) (*storage.TrackPreference, error)
	SaveTrackPreference(scope string, pref *storage.TrackPreference) error
}

// PlaybackNegotiator runs the server negotiation for one attempt.
// *negotiator.Negotiator satisfies it.
type PlaybackNegotiator interface {
	Negotiate(ctx context.Context, opts negotiator.Options) (*negotiator.Decision, error)
}

// StreamURLBuilder constructs media byte URLs. *jellyfin.Client satisfies it.
type StreamURLBuilder interface {
	StreamURL(itemID, mediaSourceID, playSessionID, tag, container, liveStreamID string) string
	TranscodeURL(source *jellyfin.MediaSource) string
}
