package app

import (
	"context"

	"sharepilot/internal/config"
	logx "sharepilot/pkg/logx"
)

// reloadLoop applies hot-reloadable sections (logging, worker) from every
// committed config. Other sections are reported as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(newCfg))

	if wc, _, err := mapWorkerConfig(newCfg); err != nil {
		a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
	} else {
		a.pool.Apply(wc)
	}

	if config.NeedsRestart(sections) {
		a.log.Warn("config sections changed that only take effect after restart",
			logx.String("changed", joinSections(sections)))
	}
	a.log.Info("config reloaded", fields...)
}
