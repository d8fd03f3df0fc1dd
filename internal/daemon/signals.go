package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// watchSignals routes SIGHUP into ch. Termination signals are left to the
// caller's context.
func watchSignals(ch chan os.Signal) (stop func()) {
	signal.Notify(ch, syscall.SIGHUP)
	return func() { signal.Stop(ch) }
}

// handleSignals restarts the daemon on SIGHUP through the apply workflow,
// keeping the active config.
func (d *Daemon) handleSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-d.signals:
			d.logger.Info("received signal", "signal", sig.String())
			res, err := d.workflow.Restart(ctx)
			if err != nil {
				d.logger.Error("signal restart failed", "error", err)
				continue
			}
			d.logger.Info("signal restart finished", "success", res.Success)
		}
	}
}
