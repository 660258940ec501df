package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Monitor  MonitorConfig  `json:"monitor"`

	Storage  StorageConfig   `json:"storage"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Debug    *DebugConfig    `json:"debug,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via GFXBOT_TOKEN instead.
	Token string `json:"token,omitempty"`

	// ModeratorIDs are the users allowed to run management commands and the
	// recipients of alert DMs (no-date warnings, expiry approvals).
	ModeratorIDs []int64 `json:"moderator_ids"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MonitorConfig controls date parsing, reminder timing and the sweep cadence.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Europe/Warsaw"
//   - reminder_hour: 12 (reminder_minute: 0)
//   - sweep: "@every 1h" (expiry_sweep: same as sweep)
//   - reaction: "✅" (set "none" to disable)
type MonitorConfig struct {
	Timezone string `json:"timezone,omitempty"`

	// ReminderHour is a pointer so an explicit 0 (midnight) can be told apart
	// from "omitted".
	ReminderHour   *int `json:"reminder_hour,omitempty"`
	ReminderMinute int  `json:"reminder_minute,omitempty"`

	// ReminderTemplate supports {date} and {expr} placeholders.
	ReminderTemplate string `json:"reminder_template,omitempty"`

	// Sweep and ExpirySweep are robfig/cron specs ("@every 1h", "0 */30 * * * *").
	Sweep       string `json:"sweep,omitempty"`
	ExpirySweep string `json:"expiry_sweep,omitempty"`

	Reaction string `json:"reaction,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// NotifierConfig controls the async moderator-alert pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// DebugConfig controls the optional pprof HTTP server. Off by default.
// Binding beyond loopback requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

const (
	DefaultTimezone     = "Europe/Warsaw"
	DefaultReminderHour = 12
	DefaultSweepSpec    = "@every 1h"
	DefaultReaction     = "✅"
)

// EffectiveTimezone returns the configured timezone or the default.
func (m MonitorConfig) EffectiveTimezone() string {
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		return tz
	}
	return DefaultTimezone
}

func (m MonitorConfig) EffectiveReminderHour() int {
	if m.ReminderHour != nil {
		return *m.ReminderHour
	}
	return DefaultReminderHour
}

func (m MonitorConfig) EffectiveSweep() string {
	if s := strings.TrimSpace(m.Sweep); s != "" {
		return s
	}
	return DefaultSweepSpec
}

func (m MonitorConfig) EffectiveExpirySweep() string {
	if s := strings.TrimSpace(m.ExpirySweep); s != "" {
		return s
	}
	return m.EffectiveSweep()
}

// EffectiveReaction returns the emoji to apply to tracked messages,
// or "" when reactions are disabled.
func (m MonitorConfig) EffectiveReaction() string {
	switch s := strings.TrimSpace(m.Reaction); s {
	case "":
		return DefaultReaction
	case "none", "off":
		return ""
	default:
		return s
	}
}

// ParseDurationField parses a Go duration string from the config.
// Empty means unset and yields 0. Negative values are rejected: every
// duration in this config is a timeout or a window.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for
// unset fields.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks the fields that would otherwise only fail deep inside a
// service at runtime. It deliberately does not check telegram.token (the env
// override is applied later, in main).
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := time.LoadLocation(c.Monitor.EffectiveTimezone()); err != nil {
		return fmt.Errorf("monitor.timezone: %w", err)
	}
	if h := c.Monitor.EffectiveReminderHour(); h < 0 || h > 23 {
		return fmt.Errorf("monitor.reminder_hour: %d out of range [0,23]", h)
	}
	if m := c.Monitor.ReminderMinute; m < 0 || m > 59 {
		return fmt.Errorf("monitor.reminder_minute: %d out of range [0,59]", m)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if d := c.Debug; d != nil && d.Enabled {
		if addr := strings.TrimSpace(d.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("debug.addr: %w", err)
			}
		}
	}
	if n := c.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}
	return nil
}
