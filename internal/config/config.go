// Package config loads hub configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
//
// Timeout and threshold values outside their documented ranges are clamped
// by Normalize, not rejected. Only values the server cannot run with at all
// (empty address, unknown log level) fail validation.
type Config struct {
	// Server basics
	Addr      string `env:"ADDR" envDefault:":8765"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Connection capacity and inbound flood protection
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"500"`
	MsgRateBurst   int `env:"MSG_RATE_BURST" envDefault:"100"`
	MsgRatePerSec  int `env:"MSG_RATE_PER_SEC" envDefault:"40"`

	// Scope timeouts (seconds)
	PlayerTimeoutSec   float64 `env:"PLAYER_TIMEOUT_SEC" envDefault:"30"`
	EntityTimeoutSec   float64 `env:"ENTITY_TIMEOUT_SEC" envDefault:"30"`
	WaypointTimeoutSec float64 `env:"WAYPOINT_TIMEOUT_SEC" envDefault:"120"`

	// Arbitration stickiness threshold (seconds)
	SourceSwitchThresholdSec float64 `env:"SOURCE_SWITCH_THRESHOLD_SEC" envDefault:"0.35"`

	// Delta protocol
	DigestIntervalSec float64 `env:"DIGEST_INTERVAL_SEC" envDefault:"10"`

	// Pre-expiry refresh protocol
	RefreshReqCooldownSec float64 `env:"REFRESH_REQ_COOLDOWN_SEC" envDefault:"1.5"`
	RefreshReqLeadSec     float64 `env:"REFRESH_REQ_LEAD_SEC" envDefault:"1.2"`

	// Same-server visibility grouping
	TabReportTimeoutSec    float64 `env:"TAB_REPORT_TIMEOUT_SEC" envDefault:"45"`
	EnableSameServerFilter bool    `env:"ENABLE_SAME_SERVER_FILTER" envDefault:"false"`

	// Broadcast cadence when no ingest traffic arrives
	TickIntervalMS int `env:"TICK_INTERVAL_MS" envDefault:"1000"`

	// Map pass-through proxy
	MapProxyOrigin string `env:"MAP_PROXY_ORIGIN" envDefault:"https://map.nodemc.cc"`

	// Optional NATS relay; empty disables publishing
	EventBusURL string `env:"EVENT_BUS_URL" envDefault:""`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: environment variables > .env file > defaults.
func Load() (*Config, error) {
	// .env is a development convenience; in production the environment is
	// set directly and the file is absent.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Normalize clamps out-of-range values into their documented ranges.
// Clamping keeps a misconfigured deployment running instead of refusing to
// start over a tuning knob.
func (c *Config) Normalize() {
	c.PlayerTimeoutSec = clampFloat(c.PlayerTimeoutSec, 5, 30)
	c.EntityTimeoutSec = clampFloat(c.EntityTimeoutSec, 5, 30)
	c.WaypointTimeoutSec = clampFloat(c.WaypointTimeoutSec, 60, 120)
	c.SourceSwitchThresholdSec = clampFloat(c.SourceSwitchThresholdSec, 0.05, 5)
	c.DigestIntervalSec = clampFloat(c.DigestIntervalSec, 1, 600)
	c.RefreshReqCooldownSec = clampFloat(c.RefreshReqCooldownSec, 0.2, 120)
	c.RefreshReqLeadSec = clampFloat(c.RefreshReqLeadSec, 0.2, 30)
	c.TabReportTimeoutSec = clampFloat(c.TabReportTimeoutSec, 5, 600)
	c.TickIntervalMS = clampInt(c.TickIntervalMS, 100, 10000)
	if c.MaxConnections < 1 {
		c.MaxConnections = 1
	}
	if c.MsgRateBurst < 1 {
		c.MsgRateBurst = 1
	}
	if c.MsgRatePerSec < 1 {
		c.MsgRatePerSec = 1
	}
}

// Validate checks configuration for unusable values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// TickInterval returns the broadcast tick interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
