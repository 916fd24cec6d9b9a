package config

import (
	"fmt"
	"strings"
	"time"

	logx "intervalpool/pkg/logx"
)

// Config is the intervald configuration file (YAML or JSON).
//
// Durations are Go duration strings ("250ms", "10s", "1m30s").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Facility selects the timer backend: "ticker" (default) or "cron".
	// Changing it requires a restart; a reload that changes it is rejected.
	Facility string `json:"facility,omitempty"`

	Metrics MetricsConfig `json:"metrics,omitempty"`

	// Timers are reconciled into the registry on start and on every reload.
	Timers []TimerConfig `json:"timers"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// MetricsConfig exposes Prometheus metrics and a timer snapshot over HTTP.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"` // default 127.0.0.1:9310
	// Pprof also mounts net/http/pprof under /debug/pprof.
	Pprof bool `json:"pprof,omitempty"`
}

const DefaultMetricsAddress = "127.0.0.1:9310"

// TimerConfig declares one recurring timer. Each tick logs Message.
type TimerConfig struct {
	ID             string `json:"id"`
	Every          string `json:"every"`
	RunImmediately bool   `json:"run_immediately,omitempty"`
	Paused         bool   `json:"paused,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Interval parses Every; it must be a positive duration.
func (t TimerConfig) Interval() (time.Duration, error) {
	path := fmt.Sprintf("timers[%s].every", t.ID)
	d, err := ParseDurationField(path, t.Every)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: interval must be > 0", path)
	}
	return d, nil
}

func (c LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled:    c.File.Enabled,
			Path:       c.File.Path,
			MaxSizeMB:  c.File.MaxSizeMB,
			MaxBackups: c.File.MaxBackups,
			Compress:   c.File.Compress,
		},
	}
}

func (c MetricsConfig) Addr() string {
	if a := strings.TrimSpace(c.Address); a != "" {
		return a
	}
	return DefaultMetricsAddress
}

// ParseDurationField parses a non-negative duration. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
