package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// validate performs comprehensive validation of the configuration.
// Returns an error describing the first validation failure found.
func validate(config *Config) error {
	if err := validateJellyfin(&config.Jellyfin); err != nil {
		return fmt.Errorf("jellyfin config: %w", err)
	}

	if err := validatePlayback(&config.Playback); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := validateRecovery(&config.Recovery); err != nil {
		return fmt.Errorf("recovery config: %w", err)
	}

	if err := validateProgress(&config.Progress); err != nil {
		return fmt.Errorf("progress config: %w", err)
	}

	if err := validateStore(&config.Store); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := validateServer(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateLogging(&config.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// validateJellyfin validates Jellyfin server configuration.
func validateJellyfin(config *JellyfinConfig) error {
	if config.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}

	if !strings.HasPrefix(config.ServerURL, "http://") && !strings.HasPrefix(config.ServerURL, "https://") {
		return fmt.Errorf("server_url must start with http:// or https://")
	}

	if config.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}

	if config.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	if config.Timeout < time.Second || config.Timeout > 5*time.Minute {
		return fmt.Errorf("timeout must be between 1s and 5m")
	}

	return nil
}

// validatePlayback validates playback preference defaults.
func validatePlayback(config *PlaybackConfig) error {
	validCaps := []string{"auto", "hdr10", "sdr"}
	if !contains(validCaps, config.DynamicRangeCap) {
		return fmt.Errorf("dynamic_range_cap must be one of: %s", strings.Join(validCaps, ", "))
	}

	if config.MaxBitrateMbps < 0 || config.MaxBitrateMbps > 1000 {
		return fmt.Errorf("max_bitrate_mbps must be between 0 and 1000")
	}

	validModes := []string{"segmentsOnly", "segmentsOrLast60"}
	if !contains(validModes, config.PlayNextPromptMode) {
		return fmt.Errorf("play_next_prompt_mode must be one of: %s", strings.Join(validModes, ", "))
	}

	if config.ForceTranscoding && !config.EnableTranscoding {
		return fmt.Errorf("force_transcoding requires enable_transcoding")
	}

	return nil
}

// validateRecovery validates recovery bounds. Every cap must be positive so
// the recovery state machine always terminates.
func validateRecovery(config *RecoveryConfig) error {
	if config.MaxHlsNetworkRecoveryAttempts < 1 || config.MaxHlsNetworkRecoveryAttempts > 10 {
		return fmt.Errorf("max_hls_network_recovery_attempts must be between 1 and 10")
	}

	if config.MaxHlsMediaRecoveryAttempts < 1 || config.MaxHlsMediaRecoveryAttempts > 10 {
		return fmt.Errorf("max_hls_media_recovery_attempts must be between 1 and 10")
	}

	if config.MaxPlaySessionRebuildAttempts < 1 || config.MaxPlaySessionRebuildAttempts > 10 {
		return fmt.Errorf("max_play_session_rebuild_attempts must be between 1 and 10")
	}

	if config.StartupStallTimeout < time.Second {
		return fmt.Errorf("startup_stall_timeout must be at least 1s")
	}

	if config.StagnationTimeout < time.Second {
		return fmt.Errorf("stagnation_timeout must be at least 1s")
	}

	if config.NativeHlsFallbackTimeout < 500*time.Millisecond {
		return fmt.Errorf("native_hls_fallback_timeout must be at least 500ms")
	}

	return nil
}

// validateProgress validates progress reporting configuration.
func validateProgress(config *ProgressConfig) error {
	if config.Interval < time.Second || config.Interval > 2*time.Minute {
		return fmt.Errorf("interval must be between 1s and 2m")
	}

	if config.BeaconsPerMin < 1 || config.BeaconsPerMin > 120 {
		return fmt.Errorf("beacons_per_min must be between 1 and 120")
	}

	return nil
}

// validateStore validates store configuration and directory permissions.
func validateStore(config *StoreConfig) error {
	if config.Directory == "" {
		return fmt.Errorf("directory is required")
	}

	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return fmt.Errorf("cannot create store directory %s: %w", config.Directory, err)
	}

	return nil
}

// validateServer validates the local control API configuration.
func validateServer(config *ServerConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if config.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	return nil
}

// validateLogging validates logging configuration.
func validateLogging(config *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, config.Level) {
		return fmt.Errorf("level must be one of: %s", strings.Join(validLevels, ", "))
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, config.Format) {
		return fmt.Errorf("format must be one of: %s", strings.Join(validFormats, ", "))
	}

	return nil
}

// contains checks if a slice contains a specific string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
