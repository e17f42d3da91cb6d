package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Overrides are deployment values read from the environment. Secrets live
// here rather than in the config file.
type Overrides struct {
	HTTPAddr      string `env:"SHAREPILOT_HTTP_ADDR"`
	AdminToken    string `env:"SHAREPILOT_ADMIN_TOKEN"`
	LogLevel      string `env:"SHAREPILOT_LOG_LEVEL"`
	StorageDSN    string `env:"SHAREPILOT_STORAGE_DSN"`
	TelegramToken string `env:"SHAREPILOT_TELEGRAM_TOKEN"`
}

// LoadOverrides parses Overrides from the process environment.
func LoadOverrides() (Overrides, error) {
	var o Overrides
	if err := env.Parse(&o); err != nil {
		return Overrides{}, fmt.Errorf("config env: %w", err)
	}
	return o, nil
}

// LoadOverridesFrom parses Overrides from an explicit variable map.
func LoadOverridesFrom(vars map[string]string) (Overrides, error) {
	var o Overrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: vars}); err != nil {
		return Overrides{}, fmt.Errorf("config env: %w", err)
	}
	return o, nil
}

// Apply copies every non-empty override into cfg.
func (o Overrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(o.HTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(o.AdminToken); v != "" {
		cfg.HTTP.AdminToken = v
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(o.StorageDSN); v != "" && cfg.Storage != nil {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(o.TelegramToken); v != "" && cfg.Alerts != nil {
		cfg.Alerts.Token = v
	}
}
