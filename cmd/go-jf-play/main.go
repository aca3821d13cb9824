// Command go-jf-play runs the playback engine daemon: it negotiates and
// supervises Jellyfin playback sessions and exposes a local control API for
// the rendering layer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opd-ai/go-jf-play/internal/capability"
	"github.com/opd-ai/go-jf-play/internal/jellyfin"
	"github.com/opd-ai/go-jf-play/internal/negotiator"
	"github.com/opd-ai/go-jf-play/internal/player"
	"github.com/opd-ai/go-jf-play/internal/progress"
	"github.com/opd-ai/go-jf-play/internal/server"
	"github.com/opd-ai/go-jf-play/internal/storage"
	"github.com/opd-ai/go-jf-play/pkg/config"
)

// capabilityCacheTTL bounds how long a probed capability snapshot is trusted
// before the device is re-probed.
const capabilityCacheTTL = 7 * 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "go-jf-play: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	logger := newLogger(&cfg.Logging)
	logger.Info("Starting go-jf-play",
		"server", cfg.Jellyfin.ServerURL,
		"control_port", cfg.Server.Port)

	store, err := storage.NewStore(&cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	client := jellyfin.New(&cfg.Jellyfin, logger)

	// Until the rendering layer reports real capabilities, negotiation runs
	// against the conservative default profile.
	capCache := capability.NewCache(
		filepath.Join(cfg.Store.Directory, "capabilities.json"),
		capabilityCacheTTL,
		capability.ProberFunc(func() (*capability.Profile, error) {
			return capability.Default(), nil
		}),
		logger,
	)

	hub := server.NewHub(logger)
	remote := server.NewRemotePlayer(hub)

	negSwitch := server.NewNegotiatorSwitch(negotiator.New(client, capCache.Resolve(), logger))
	controller := player.NewController(negSwitch, client, remote, store,
		cfg.Playback, cfg.Recovery, server.NewHubSink(hub), logger)
	reporter := progress.New(client, controller, cfg.Progress, logger)

	engine := server.NewEngine(controller, client, store, reporter, cfg.Playback, hub, logger)

	srv := server.New(&cfg.Server, engine, hub, logger)
	srv.UseRemotePlayer(remote)
	srv.UseCapabilityPipeline(capCache, negSwitch, func(profile *capability.Profile) player.PlaybackNegotiator {
		return negotiator.New(client, profile, logger)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("control server failed: %w", err)
	}

	engine.Stop(context.Background())
	logger.Info("Shutdown complete")
	return nil
}

func newLogger(cfg *config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
