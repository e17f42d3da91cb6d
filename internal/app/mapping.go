package app

import (
	"fmt"
	"strings"
	"time"

	"sharepilot/internal/api"
	"sharepilot/internal/config"
	"sharepilot/internal/notifier"
	"sharepilot/internal/ratelimit"
	"sharepilot/internal/share"
	"sharepilot/internal/share/browser"
	"sharepilot/internal/storage"
	"sharepilot/internal/sweep"
	"sharepilot/internal/worker"
	logx "sharepilot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLimiters(cfg *config.Config) (admission, dispatch ratelimit.Config) {
	ah, ad := cfg.Limits.Admission.Limit(config.DefaultAdmissionHour, config.DefaultAdmissionDay)
	dh, dd := cfg.Limits.Dispatch.Limit(config.DefaultDispatchHour, config.DefaultDispatchDay)
	return ratelimit.Config{Name: "admission", HourLimit: ah, DayLimit: ad},
		ratelimit.Config{Name: "dispatch", HourLimit: dh, DayLimit: dd}
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, time.Duration, error) {
	poll, drain, err := cfg.Worker.Durations()
	if err != nil {
		return worker.Config{}, 0, err
	}
	return worker.Config{Concurrency: cfg.Worker.EffectiveConcurrency(), PollInterval: poll}, drain, nil
}

type executorConfigs struct {
	exec    share.Config
	refresh share.RefreshConfig
	chrome  browser.Config
}

func mapExecutorConfig(cfg *config.Config) (executorConfigs, error) {
	nav, shr, ref, err := cfg.Executor.Timeouts()
	if err != nil {
		return executorConfigs{}, err
	}
	return executorConfigs{
		exec:    share.Config{NavigateTimeout: nav, ShareTimeout: shr, RefreshTimeout: ref},
		refresh: share.RefreshConfig{RatePerSec: cfg.Executor.RefreshRatePerSec, Timeout: ref},
		chrome: browser.Config{
			BaseURL:   cfg.Executor.BaseURL,
			UserAgent: cfg.Executor.UserAgent,
			Headless:  cfg.Executor.IsHeadless(),
			ExecPath:  cfg.Executor.ChromePath,
			NoSandbox: cfg.Executor.NoSandbox,
		},
	}, nil
}

func mapServerConfig(cfg *config.Config) (api.ServerConfig, time.Duration, error) {
	read, write, idle, shutdown, err := cfg.HTTP.Timeouts()
	if err != nil {
		return api.ServerConfig{}, 0, err
	}
	return api.ServerConfig{
		Addr:         cfg.HTTP.ListenAddr(),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, shutdown, nil
}

// mapStorageConfig returns enabled=false when no storage section is set or
// the driver is "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
		KeyPrefix:   sc.KeyPrefix,
	}, true, nil
}

func mapNotifierConfig(cfg *config.Config, persist bool) (notifier.Config, notifier.Target, error) {
	ac := cfg.Alerts
	if ac == nil || !ac.Enabled {
		return notifier.Config{}, notifier.Target{}, nil
	}
	window, err := config.ParseDurationOrDefault("alerts.dedup_window", ac.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, notifier.Target{}, err
	}
	return notifier.Config{
		Enabled:      true,
		QueueSize:    ac.QueueSize,
		RatePerSec:   ac.RatePerSec,
		DedupWindow:  window,
		PersistDedup: persist,
	}, notifier.Target{ChatID: ac.ChatID, ThreadID: ac.ThreadID}, nil
}

func mapSweepConfig(cfg *config.Config) (sweep.Config, error) {
	threshold, err := cfg.Stuck.ThresholdOrDefault()
	if err != nil {
		return sweep.Config{}, err
	}
	loc, err := cfg.Stuck.Location()
	if err != nil {
		return sweep.Config{}, err
	}
	out := sweep.Config{Threshold: threshold, Location: loc}
	if raw := strings.TrimSpace(cfg.Stuck.Schedule); raw != "" {
		s, err := sweep.ParseSchedule(raw)
		if err != nil {
			return sweep.Config{}, fmt.Errorf("stuck.schedule: %w", err)
		}
		out.Schedule = s
	}
	return out, nil
}
