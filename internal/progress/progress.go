// Package progress sends periodic playstate beacons to the server while an
// item is playing. Beacons are fire-and-forget: a failed report is logged
// and skipped, never retried.
package progress

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/internal/player"
	"github.com/opd-ai/go-jf-play/pkg/config"
)

// Client is the playstate surface of the server client.
type Client interface {
	ReportPlaybackStart(ctx context.Context, info *jellyfin.PlaystateInfo) error
	ReportPlaybackProgress(ctx context.Context, info *jellyfin.PlaystateInfo) error
	ReportPlaybackStopped(ctx context.Context, info *jellyfin.PlaystateInfo) error
}

// Source supplies the current playstate. *player.Controller satisfies it.
type Source interface {
	Playstate() (player.Playstate, bool)
}

// Reporter periodically reports the source's playstate to the server.
type Reporter struct {
	client   Client
	source   Source
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New creates a reporter. The rate limiter caps beacons independently of the
// tick interval so bursty callers cannot flood the server.
func New(client Client, source Source, cfg config.ProgressConfig, logger *slog.Logger) *Reporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	perMin := cfg.BeaconsPerMin
	if perMin <= 0 {
		perMin = 12
	}
	return &Reporter{
		client:   client,
		source:   source,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 1),
		logger:   logger,
	}
}

// Run sends progress beacons until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beacon(ctx)
		}
	}
}

func (r *Reporter) beacon(ctx context.Context) {
	state, ok := r.source.Playstate()
	if !ok {
		return
	}
	if !r.limiter.Allow() {
		return
	}
	if err := r.client.ReportPlaybackProgress(ctx, playstateInfo(state)); err != nil {
		r.logger.Warn("Progress beacon failed", "item_id", state.Session.ItemID, "error", err)
	}
}

// ReportStart tells the server the current session began playing.
func (r *Reporter) ReportStart(ctx context.Context) {
	state, ok := r.source.Playstate()
	if !ok {
		return
	}
	if err := r.client.ReportPlaybackStart(ctx, playstateInfo(state)); err != nil {
		r.logger.Warn("Playback start report failed", "item_id", state.Session.ItemID, "error", err)
	}
}

// ReportStopped tells the server the current session ended. Call before the
// controller tears the session down.
func (r *Reporter) ReportStopped(ctx context.Context) {
	state, ok := r.source.Playstate()
	if !ok {
		return
	}
	if err := r.client.ReportPlaybackStopped(ctx, playstateInfo(state)); err != nil {
		r.logger.Warn("Playback stop report failed", "item_id", state.Session.ItemID, "error", err)
	}
}

func playstateInfo(state player.Playstate) *jellyfin.PlaystateInfo {
	return &jellyfin.PlaystateInfo{
		ItemID:              state.Session.ItemID,
		PositionTicks:       state.PositionTicks,
		IsPaused:            state.Paused,
		PlayMethod:          state.Session.PlayMethod,
		PlaySessionID:       state.Session.PlaySessionID,
		MediaSourceID:       state.Session.MediaSourceID,
		AudioStreamIndex:    state.AudioStreamIndex,
		SubtitleStreamIndex: state.SubtitleStreamIndex,
	}
}
