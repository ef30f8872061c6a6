// ABOUTME: Player configuration from YAML file and environment
// ABOUTME: Precedence: defaults, then file, then SENDSPIN_* environment
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Sendspin/playercore-go/pkg/backoff"
	"gopkg.in/yaml.v3"
)

// Config is the full player configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Player PlayerConfig `yaml:"player"`
	Audio  AudioConfig  `yaml:"audio"`
	Retry  RetryConfig  `yaml:"retry"`
	Tuning TuningConfig `yaml:"tuning"`
	Debug  bool         `yaml:"debug"`
}

// ServerConfig selects the server. An empty URL enables mDNS discovery.
type ServerConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// PlayerConfig identifies this player
type PlayerConfig struct {
	Name     string `yaml:"name"`
	ClientID string `yaml:"client_id"` // generated and not persisted when empty
	Volume   int    `yaml:"volume"`
}

// AudioConfig shapes the local pipeline
type AudioConfig struct {
	Device   string `yaml:"device"`    // output device ID, "" = system default
	BufferMs int    `yaml:"buffer_ms"` // target buffered audio
}

// RetryConfig shapes the reconnect schedule
type RetryConfig struct {
	BaseMs      int     `yaml:"base_ms"`
	CapMs       int     `yaml:"cap_ms"`
	Jitter      float64 `yaml:"jitter"`
	MaxAttempts int     `yaml:"max_attempts"`
}

// TuningConfig exposes the reconciliation heuristics
type TuningConfig struct {
	DriftToleranceMs   int `yaml:"drift_tolerance_ms"`   // server/local elapsed divergence before it is logged
	NotifyDebounceMs   int `yaml:"notify_debounce_ms"`   // snapshot notification coalescing window
	RestartThresholdMs int `yaml:"restart_threshold_ms"` // "previous" restarts the track past this position
}

// Default returns the configuration used when nothing is supplied
func Default() Config {
	return Config{
		Player: PlayerConfig{Volume: 100},
		Audio:  AudioConfig{BufferMs: 500},
		Retry: RetryConfig{
			BaseMs:      500,
			CapMs:       30000,
			Jitter:      0.2,
			MaxAttempts: 10,
		},
		Tuning: TuningConfig{
			DriftToleranceMs:   3000,
			NotifyDebounceMs:   200,
			RestartThresholdMs: 3000,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; a malformed one
// is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv folds SENDSPIN_* variables over the file values
func (c *Config) applyEnv() {
	if v := os.Getenv("SENDSPIN_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("SENDSPIN_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("SENDSPIN_PLAYER_NAME"); v != "" {
		c.Player.Name = v
	}
	if v := os.Getenv("SENDSPIN_AUDIO_DEVICE"); v != "" {
		c.Audio.Device = v
	}
	if v := os.Getenv("SENDSPIN_DEBUG"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Debug = parsed
		}
	}
}

func (c *Config) validate() error {
	if c.Player.Volume < 0 || c.Player.Volume > 100 {
		return fmt.Errorf("player.volume must be 0-100, got %d", c.Player.Volume)
	}
	if c.Audio.BufferMs <= 0 {
		return fmt.Errorf("audio.buffer_ms must be positive, got %d", c.Audio.BufferMs)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be 0-1, got %v", c.Retry.Jitter)
	}
	if c.Tuning.DriftToleranceMs < 0 || c.Tuning.NotifyDebounceMs < 0 || c.Tuning.RestartThresholdMs < 0 {
		return fmt.Errorf("tuning values must not be negative: %+v", c.Tuning)
	}
	return nil
}

// DriftTolerance returns the reconciliation drift tolerance
func (c *Config) DriftTolerance() time.Duration {
	return time.Duration(c.Tuning.DriftToleranceMs) * time.Millisecond
}

// NotifyDebounce returns the notification coalescing window
func (c *Config) NotifyDebounce() time.Duration {
	return time.Duration(c.Tuning.NotifyDebounceMs) * time.Millisecond
}

// RestartThreshold returns the previous-restarts-track threshold
func (c *Config) RestartThreshold() time.Duration {
	return time.Duration(c.Tuning.RestartThresholdMs) * time.Millisecond
}

// Backoff converts the retry section into a backoff policy
func (c *Config) Backoff() backoff.Policy {
	return backoff.Policy{
		Base:        time.Duration(c.Retry.BaseMs) * time.Millisecond,
		Cap:         time.Duration(c.Retry.CapMs) * time.Millisecond,
		Jitter:      c.Retry.Jitter,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}
