package config

import (
	"reflect"
	"sort"
	"strings"

	logx "sharepilot/pkg/logx"
)

// HotSections are applied without a restart.
var HotSections = map[string]bool{"logging": true, "worker": true}

// SummarizeConfigChange lists the sections that differ and returns log
// fields describing the new values. Secrets are reported only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.AdminToken, nh.AdminToken = tokenMark(oh.AdminToken), tokenMark(nh.AdminToken)
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.ListenAddr()),
			logx.Bool("http.admin_token_set", strings.TrimSpace(newCfg.HTTP.AdminToken) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Limits != newCfg.Limits {
		changed = append(changed, "limits")
		ah, ad := newCfg.Limits.Admission.Limit(DefaultAdmissionHour, DefaultAdmissionDay)
		dh, dd := newCfg.Limits.Dispatch.Limit(DefaultDispatchHour, DefaultDispatchDay)
		attrs = append(attrs,
			logx.Int("limits.admission.per_hour", ah), logx.Int("limits.admission.per_day", ad),
			logx.Int("limits.dispatch.per_hour", dh), logx.Int("limits.dispatch.per_day", dd),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.concurrency", newCfg.Worker.EffectiveConcurrency()),
			logx.String("worker.poll_interval", newCfg.Worker.PollInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.base_url", newCfg.Executor.BaseURL),
			logx.Bool("executor.headless", newCfg.Executor.IsHeadless()),
		)
	}

	if oldCfg.Stuck != newCfg.Stuck {
		changed = append(changed, "stuck")
		attrs = append(attrs,
			logx.String("stuck.threshold", newCfg.Stuck.Threshold),
			logx.String("stuck.schedule", newCfg.Stuck.Schedule),
		)
	}

	if os, ns := storageView(oldCfg.Storage), storageView(newCfg.Storage); os != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.dsn_set", ns.DSN != ""),
		)
	}

	if oa, na := alertsView(oldCfg.Alerts), alertsView(newCfg.Alerts); oa != na {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", na.Enabled),
			logx.Bool("alerts.token_set", na.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports whether any changed section is not hot-applied.
func NeedsRestart(changed []string) bool {
	for _, s := range changed {
		if !HotSections[s] {
			return true
		}
	}
	return false
}

// tokenMark replaces a secret with a fixed marker so comparisons still see
// a change without the value leaking into attrs.
func tokenMark(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set:" + s
}

func storageView(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	v := *s
	v.DSN = tokenMark(v.DSN)
	return v
}

func alertsView(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	v := *a
	v.Token = tokenMark(v.Token)
	return v
}
