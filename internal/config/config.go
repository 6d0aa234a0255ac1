// Package config loads the sampling pipeline's tuning parameters from JSON.
// Fields are pointer-typed so a partial file overrides only what it names;
// everything else keeps its default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daqline/daqline/internal/serialio"
)

// Config is the root configuration for the sampling pipeline. The same JSON
// schema serves startup configuration and runtime updates.
type Config struct {
	// Serial connection parameters.
	Port *serialio.PortOptions `json:"port,omitempty"`

	// Buffering.
	BufferSeconds    *float64 `json:"buffer_seconds,omitempty"`
	MinBufferSamples *int     `json:"min_buffer_samples,omitempty"`

	// Time synchronisation.
	SyncInterval    *string `json:"sync_interval,omitempty"`     // duration string like "1s"
	ResponseTimeout *string `json:"response_timeout,omitempty"`  // duration string like "3s"
	SmoothingGain   *float64 `json:"smoothing_gain,omitempty"`

	// Handshake.
	HandshakeTimeout *string `json:"handshake_timeout,omitempty"` // duration string like "2s"
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	bufferSeconds := 10.0
	minBuffer := 1024
	syncInterval := "1s"
	responseTimeout := "3s"
	smoothing := 0.1
	handshake := "2s"
	return &Config{
		Port:             &serialio.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"},
		BufferSeconds:    &bufferSeconds,
		MinBufferSamples: &minBuffer,
		SyncInterval:     &syncInterval,
		ResponseTimeout:  &responseTimeout,
		SmoothingGain:    &smoothing,
		HandshakeTimeout: &handshake,
	}
}

// Load reads a Config from a JSON file and merges it over the defaults.
// The file must have a .json extension and stay under the size cap.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", cleanPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", cleanPath, err)
	}
	return cfg, nil
}

// Validate checks every set field for sanity.
func (c *Config) Validate() error {
	if c.Port != nil {
		if _, err := c.Port.Normalize(); err != nil {
			return err
		}
	}
	if c.BufferSeconds != nil && *c.BufferSeconds <= 0 {
		return fmt.Errorf("buffer_seconds must be positive, got %v", *c.BufferSeconds)
	}
	if c.MinBufferSamples != nil && *c.MinBufferSamples < 2 {
		return fmt.Errorf("min_buffer_samples must be at least 2, got %d", *c.MinBufferSamples)
	}
	if c.SmoothingGain != nil && (*c.SmoothingGain <= 0 || *c.SmoothingGain > 1) {
		return fmt.Errorf("smoothing_gain must be in (0, 1], got %v", *c.SmoothingGain)
	}
	for name, v := range map[string]*string{
		"sync_interval":     c.SyncInterval,
		"response_timeout":  c.ResponseTimeout,
		"handshake_timeout": c.HandshakeTimeout,
	} {
		if v == nil {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return nil
}

// Duration returns the parsed value of a duration field, or fallback when
// the field is unset. Call Validate first; invalid strings fall back too.
func Duration(field *string, fallback time.Duration) time.Duration {
	if field == nil {
		return fallback
	}
	d, err := time.ParseDuration(*field)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
