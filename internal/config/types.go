package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Scheduler SchedulerConfig  `json:"scheduler,omitempty"`
	History   *HistoryConfig   `json:"history,omitempty"`
	Metrics   *MetricsConfig   `json:"metrics,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"` // pointer: omitted defaults to true
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// ConsoleEnabled resolves the console default (on unless explicitly off).
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// SchedulerConfig tunes the core scheduler.
type SchedulerConfig struct {
	CommandBuffer int `json:"command_buffer,omitempty"`

	// DefaultStopTimeout applies to registrations without their own.
	// Defaults to "1s" when omitted.
	DefaultStopTimeout string `json:"default_stop_timeout,omitempty"`
}

// HistoryConfig controls the SQLite run-history store.
type HistoryConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Keep caps the number of retained rows; older rows are pruned.
	// 0 keeps the default of 1000.
	Keep int `json:"keep,omitempty"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9901"
}

// ScheduleConfig submits a registered task type on a trigger.
//
// Spec accepts a cron expression ("*/5 * * * *", optionally "cron:" prefixed)
// or an interval ("interval:30s" or a bare duration "10m").
type ScheduleConfig struct {
	Task int    `json:"task"`
	Spec string `json:"spec"`
	Args []any  `json:"args,omitempty"`
}

// ---- duration fields ----

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

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate rejects configs that cannot be applied.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("scheduler.default_stop_timeout", c.Scheduler.DefaultStopTimeout); err != nil {
		return err
	}
	if c.History != nil {
		if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
			return err
		}
		if c.History.Enabled && strings.TrimSpace(c.History.Path) == "" {
			return fmt.Errorf("history.path is required when history is enabled")
		}
	}
	for i, sc := range c.Schedules {
		if strings.TrimSpace(sc.Spec) == "" {
			return fmt.Errorf("schedules[%d].spec is required", i)
		}
	}
	return nil
}
