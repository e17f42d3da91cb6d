package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	logx "sharepilot/pkg/logx"
)

var validDrivers = map[string]bool{"file": true, "sqlite": true, "postgres": true, "redis": true}

// Validate reports every problem in cfg joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, _, _, _, err := cfg.HTTP.Timeouts(); err != nil {
		add(err)
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Worker.Concurrency < 0 {
		add(fmt.Errorf("worker.concurrency: must be >= 0"))
	}
	if _, _, err := cfg.Worker.Durations(); err != nil {
		add(err)
	}
	if _, _, _, err := cfg.Executor.Timeouts(); err != nil {
		add(err)
	}
	if raw := strings.TrimSpace(cfg.Executor.BaseURL); raw != "" {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("executor.base_url: must be an absolute http(s) URL"))
		}
	}
	if cfg.Executor.RefreshRatePerSec < 0 {
		add(fmt.Errorf("executor.refresh_rate_per_sec: must be >= 0"))
	}
	if _, err := cfg.Stuck.ThresholdOrDefault(); err != nil {
		add(err)
	}
	if _, err := cfg.Stuck.Location(); err != nil {
		add(err)
	}

	if s := cfg.Storage; s != nil {
		d := strings.ToLower(strings.TrimSpace(s.Driver))
		switch {
		case !validDrivers[d]:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		case (d == "file" || d == "sqlite") && strings.TrimSpace(s.Path) == "":
			add(fmt.Errorf("storage.path: required for driver %s", d))
		case (d == "postgres" || d == "redis") && strings.TrimSpace(s.DSN) == "":
			add(fmt.Errorf("storage.dsn: required for driver %s", d))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			add(err)
		}
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		if strings.TrimSpace(a.Token) == "" {
			add(fmt.Errorf("alerts.token: required when alerts are enabled"))
		}
		if a.ChatID == 0 {
			add(fmt.Errorf("alerts.chat_id: required when alerts are enabled"))
		}
		if _, err := ParseDurationField("alerts.dedup_window", a.DedupWindow); err != nil {
			add(err)
		}
	}
	return errors.Join(errs...)
}
