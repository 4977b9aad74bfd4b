package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig represents the runtime tuning parameters for the tracking
// and enrichment engine. All fields are pointers so a partial JSON file
// only overrides the values it names; the Get* methods supply defaults
// for everything left unset.
type TuningConfig struct {
	// Lifecycle params
	StabilityFrames  *int `json:"stability_frames,omitempty"`
	MaxMissingFrames *int `json:"max_missing_frames,omitempty"`
	MinBoxPx         *int `json:"min_box_px,omitempty"`

	// Enrichment params
	MaxCallsPerMinute *int    `json:"max_calls_per_minute,omitempty"`
	QuotaWindow       *string `json:"quota_window,omitempty"` // duration string like "60s"
	EnrichCooldown    *string `json:"enrich_cooldown,omitempty"`
	QueueSize         *int    `json:"queue_size,omitempty"`
	RecognizeTimeout  *string `json:"recognize_timeout,omitempty"`
	ProbeTimeout      *string `json:"probe_timeout,omitempty"`

	// Publisher params
	ReconnectInterval *string `json:"reconnect_interval,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil,
// meaning every Get* accessor falls back to its built-in default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.StabilityFrames != nil && *c.StabilityFrames < 0 {
		return fmt.Errorf("stability_frames must be non-negative, got %d", *c.StabilityFrames)
	}

	if c.MaxMissingFrames != nil && *c.MaxMissingFrames < 0 {
		return fmt.Errorf("max_missing_frames must be non-negative, got %d", *c.MaxMissingFrames)
	}

	if c.MinBoxPx != nil && *c.MinBoxPx < 0 {
		return fmt.Errorf("min_box_px must be non-negative, got %d", *c.MinBoxPx)
	}

	if c.MaxCallsPerMinute != nil && *c.MaxCallsPerMinute < 1 {
		return fmt.Errorf("max_calls_per_minute must be at least 1, got %d", *c.MaxCallsPerMinute)
	}

	if c.QueueSize != nil && *c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", *c.QueueSize)
	}

	// Validate duration strings can be parsed if set
	durations := map[string]*string{
		"quota_window":       c.QuotaWindow,
		"enrich_cooldown":    c.EnrichCooldown,
		"recognize_timeout":  c.RecognizeTimeout,
		"probe_timeout":      c.ProbeTimeout,
		"reconnect_interval": c.ReconnectInterval,
	}
	for name, val := range durations {
		if val != nil && *val != "" {
			if _, err := time.ParseDuration(*val); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *val, err)
			}
		}
	}

	return nil
}

// parseDurationOr parses a duration pointer, falling back to def when the
// field is unset, empty, or unparseable.
func parseDurationOr(val *string, def time.Duration) time.Duration {
	if val == nil || *val == "" {
		return def
	}
	d, err := time.ParseDuration(*val)
	if err != nil {
		return def
	}
	return d
}

// GetStabilityFrames returns the stability_frames value or the default.
// An object must be present for strictly more frames than this before it
// becomes eligible for enrichment.
func (c *TuningConfig) GetStabilityFrames() int {
	if c.StabilityFrames == nil {
		return 20 // default
	}
	return *c.StabilityFrames
}

// GetMaxMissingFrames returns the max_missing_frames value or the default.
// An object missing for strictly more frames than this is evicted.
func (c *TuningConfig) GetMaxMissingFrames() int {
	if c.MaxMissingFrames == nil {
		return 30 // default
	}
	return *c.MaxMissingFrames
}

// GetMinBoxPx returns the min_box_px value or the default. Both bounding
// box dimensions must strictly exceed this to qualify for enrichment.
func (c *TuningConfig) GetMinBoxPx() int {
	if c.MinBoxPx == nil {
		return 80 // default
	}
	return *c.MinBoxPx
}

// GetMaxCallsPerMinute returns the max_calls_per_minute value or the default.
func (c *TuningConfig) GetMaxCallsPerMinute() int {
	if c.MaxCallsPerMinute == nil {
		return 5 // default
	}
	return *c.MaxCallsPerMinute
}

// GetQuotaWindow parses and returns the QuotaWindow as a time.Duration.
func (c *TuningConfig) GetQuotaWindow() time.Duration {
	return parseDurationOr(c.QuotaWindow, 60*time.Second)
}

// GetEnrichCooldown parses and returns the EnrichCooldown as a time.Duration.
func (c *TuningConfig) GetEnrichCooldown() time.Duration {
	return parseDurationOr(c.EnrichCooldown, 5*time.Second)
}

// GetQueueSize returns the queue_size value or the default.
func (c *TuningConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 64 // default
	}
	return *c.QueueSize
}

// GetRecognizeTimeout parses and returns the RecognizeTimeout as a time.Duration.
func (c *TuningConfig) GetRecognizeTimeout() time.Duration {
	return parseDurationOr(c.RecognizeTimeout, 60*time.Second)
}

// GetProbeTimeout parses and returns the ProbeTimeout as a time.Duration.
func (c *TuningConfig) GetProbeTimeout() time.Duration {
	return parseDurationOr(c.ProbeTimeout, 15*time.Second)
}

// GetReconnectInterval parses and returns the ReconnectInterval as a time.Duration.
func (c *TuningConfig) GetReconnectInterval() time.Duration {
	return parseDurationOr(c.ReconnectInterval, 5*time.Second)
}
