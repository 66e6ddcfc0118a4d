package systemd

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports the supervisor's state to systemd over the sd_notify
// socket. Outside a Type=notify service every call is a no-op.
type Notifier struct {
	Logger *slog.Logger
}

func (n *Notifier) notify(state string) error {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		return err
	}
	if !sent && n.Logger != nil {
		n.Logger.Debug("sd_notify not supported", "state", state)
	}
	return nil
}

// Ready sends READY=1.
func (n *Notifier) Ready() error {
	return n.notify(daemon.SdNotifyReady)
}

// Status sends a free-form STATUS= line.
func (n *Notifier) Status(status string) error {
	return n.notify("STATUS=" + status)
}

// Stopping sends STOPPING=1.
func (n *Notifier) Stopping() error {
	return n.notify(daemon.SdNotifyStopping)
}

// KeepAlive pings the systemd watchdog at half the configured WatchdogSec
// until ctx is done. It returns immediately if no watchdog is configured.
func (n *Notifier) KeepAlive(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	return n.keepAlive(ctx, interval/2)
}

func (n *Notifier) keepAlive(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
