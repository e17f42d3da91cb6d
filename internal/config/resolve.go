package config

import (
	"fmt"
	"strings"
	"time"
)

// Defaults for values the config file may omit.
const (
	DefaultHTTPAddr        = ":8080"
	DefaultAdmissionHour   = 120
	DefaultAdmissionDay    = 600
	DefaultDispatchHour    = 180
	DefaultDispatchDay     = 900
	DefaultConcurrency     = 2
	DefaultPollInterval    = time.Second
	DefaultDrainTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStuckThreshold  = 15 * time.Minute
)

// ParseDurationField parses a non-negative duration; empty yields 0.
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

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
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

// Limit returns the effective hour/day pair. Zero falls back to the given
// defaults; negative values stay negative and disable the window.
func (l LimitConfig) Limit(defHour, defDay int) (hour, day int) {
	hour, day = l.PerHour, l.PerDay
	if hour == 0 {
		hour = defHour
	}
	if day == 0 {
		day = defDay
	}
	return hour, day
}

func (c HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

// Timeouts returns read, write, idle and shutdown timeouts.
func (c HTTPConfig) Timeouts() (read, write, idle, shutdown time.Duration, err error) {
	if read, err = ParseDurationOrDefault("http.read_timeout", c.ReadTimeout, 15*time.Second); err != nil {
		return
	}
	if write, err = ParseDurationOrDefault("http.write_timeout", c.WriteTimeout, 30*time.Second); err != nil {
		return
	}
	if idle, err = ParseDurationOrDefault("http.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		return
	}
	shutdown, err = ParseDurationOrDefault("http.shutdown_timeout", c.ShutdownTimeout, DefaultShutdownTimeout)
	return
}

func (c WorkerConfig) EffectiveConcurrency() int {
	if c.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return c.Concurrency
}

func (c WorkerConfig) Durations() (poll, drain time.Duration, err error) {
	if poll, err = ParseDurationOrDefault("worker.poll_interval", c.PollInterval, DefaultPollInterval); err != nil {
		return
	}
	drain, err = ParseDurationOrDefault("worker.drain_timeout", c.DrainTimeout, DefaultDrainTimeout)
	return
}

// ExecutorTimeouts returns navigate, share and refresh timeouts. Zero means
// the executor default.
func (c ExecutorConfig) Timeouts() (navigate, share, refresh time.Duration, err error) {
	if navigate, err = ParseDurationField("executor.navigate_timeout", c.NavigateTimeout); err != nil {
		return
	}
	if share, err = ParseDurationField("executor.share_timeout", c.ShareTimeout); err != nil {
		return
	}
	refresh, err = ParseDurationField("executor.refresh_timeout", c.RefreshTimeout)
	return
}

func (c ExecutorConfig) IsHeadless() bool { return c.Headless == nil || *c.Headless }

func (c StuckConfig) ThresholdOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("stuck.threshold", c.Threshold, DefaultStuckThreshold)
}

func (c StuckConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("stuck.timezone: %w", err)
	}
	return loc, nil
}
