package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "sharepilot/pkg/logx"
)

// notifySystemd speaks the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd with NOTIFY_SOCKET set.
type notifySystemd struct {
	log  logx.Logger
	send func(state string) (bool, error)
}

func newNotifySystemd(log logx.Logger) *notifySystemd {
	return &notifySystemd{
		log:  log.With(logx.String("comp", "systemd")),
		send: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *notifySystemd) notify(state string) {
	sent, err := n.send(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *notifySystemd) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *notifySystemd) Stopping() { n.notify(daemon.SdNotifyStopping) }

// Watchdog pings at half the configured WatchdogSec until ctx is done.
func (n *notifySystemd) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
