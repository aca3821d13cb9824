// Package config provides configuration management for go-jf-play.
// It uses koanf for flexible configuration loading from YAML files with validation.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete configuration for the go-jf-play playback engine.
// It represents the structure of config.yaml with validation rules for each section.
type Config struct {
	Jellyfin JellyfinConfig `koanf:"jellyfin"`
	Playback PlaybackConfig `koanf:"playback"`
	Recovery RecoveryConfig `koanf:"recovery"`
	Progress ProgressConfig `koanf:"progress"`
	Store    StoreConfig    `koanf:"store"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// JellyfinConfig contains Jellyfin server connection and authentication settings.
type JellyfinConfig struct {
	ServerURL   string        `koanf:"server_url"`
	AccessToken string        `koanf:"access_token"`
	UserID      string        `koanf:"user_id"`
	DeviceID    string        `koanf:"device_id"`
	Timeout     time.Duration `koanf:"timeout"`
}

// PlaybackConfig contains the persisted playback preferences that seed each
// playback attempt. They are snapshotted into an immutable PlaybackSettings
// value at the start of every load and never re-read mid-attempt.
type PlaybackConfig struct {
	ForceTranscoding              bool   `koanf:"force_transcoding"`
	ForceTranscodingWithSubtitles bool   `koanf:"force_transcoding_with_subtitles"`
	EnableTranscoding             bool   `koanf:"enable_transcoding"`
	MaxBitrateMbps                int    `koanf:"max_bitrate_mbps"`
	DynamicRangeCap               string `koanf:"dynamic_range_cap"` // auto, hdr10, sdr
	RelaxedPlaybackProfile        bool   `koanf:"relaxed_playback_profile"`
	AutoPlayNext                  bool   `koanf:"auto_play_next"`
	SkipIntro                     bool   `koanf:"skip_intro"`
	ShowPlayNextPrompt            bool   `koanf:"show_play_next_prompt"`
	PlayNextPromptMode            string `koanf:"play_next_prompt_mode"` // segmentsOnly, segmentsOrLast60
}

// RecoveryConfig bounds the playback recovery state machine. Each cap is a
// per-load-attempt limit; exceeding any of them transitions to a terminal error.
type RecoveryConfig struct {
	MaxHlsNetworkRecoveryAttempts int           `koanf:"max_hls_network_recovery_attempts"`
	MaxHlsMediaRecoveryAttempts   int           `koanf:"max_hls_media_recovery_attempts"`
	MaxPlaySessionRebuildAttempts int           `koanf:"max_play_session_rebuild_attempts"`
	StartupStallTimeout           time.Duration `koanf:"startup_stall_timeout"`
	StagnationTimeout             time.Duration `koanf:"stagnation_timeout"`
	NativeHlsFallbackTimeout      time.Duration `koanf:"native_hls_fallback_timeout"`
}

// ProgressConfig controls the periodic playstate beacons sent to the server.
type ProgressConfig struct {
	Interval      time.Duration `koanf:"interval"`
	BeaconsPerMin int           `koanf:"beacons_per_min"`
}

// StoreConfig defines where the engine keeps its small persistent state
// (track preferences, capability probe cache).
type StoreConfig struct {
	Directory string `koanf:"directory"`
}

// ServerConfig contains the local control API settings. The rendering layer
// drives the engine through this surface.
type ServerConfig struct {
	Port              int           `koanf:"port"`
	Host              string        `koanf:"host"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	EnableCompression bool          `koanf:"enable_compression"`
}

// LoggingConfig defines logging behavior and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration defaults. Transcoding stays enabled
// unless explicitly disabled, and subtitle selections force transcoding by
// default because TV browsers rarely render embedded subtitle formats
// themselves.
func Default() *Config {
	return &Config{
		Jellyfin: JellyfinConfig{
			DeviceID: "go-jf-play",
			Timeout:  30 * time.Second,
		},
		Playback: PlaybackConfig{
			ForceTranscodingWithSubtitles: true,
			EnableTranscoding:             true,
			DynamicRangeCap:               "auto",
			AutoPlayNext:                  true,
			SkipIntro:                     true,
			ShowPlayNextPrompt:            true,
			PlayNextPromptMode:            "segmentsOrLast60",
		},
		Recovery: RecoveryConfig{
			MaxHlsNetworkRecoveryAttempts: 3,
			MaxHlsMediaRecoveryAttempts:   2,
			MaxPlaySessionRebuildAttempts: 2,
			StartupStallTimeout:           12 * time.Second,
			StagnationTimeout:             7 * time.Second,
			NativeHlsFallbackTimeout:      3 * time.Second,
		},
		Progress: ProgressConfig{
			Interval:      10 * time.Second,
			BeaconsPerMin: 12,
		},
		Store: StoreConfig{
			Directory: "./data",
		},
		Server: ServerConfig{
			Port:         9096,
			Host:         "127.0.0.1",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the specified YAML file, layered over the
// defaults, and applies validation. Returns a validated Config struct or an
// error if loading/validation fails.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Defaults first so the YAML file only needs to override what it changes.
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// GetLogLevel converts the string log level to slog.Level.
// Returns slog.LevelInfo for invalid or unknown levels.
func (c *LoggingConfig) GetLogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
