package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/quernd/quern/internal/adapter"
	"github.com/quernd/quern/internal/pipeline"
)

const watchdogInterval = 5 * time.Second

// watchdog periodically inspects adapter and proxy health and emits one
// server-sourced entry per observed state transition. Restarting crashed
// subprocess adapters is their own run loop's job; the watchdog only restarts
// the proxy child, and only when it was supposed to be running.
func (d *Daemon) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	adapterStates := make(map[string]adapter.State)
	proxyWasRunning := d.proxy.Status().Running
	lastClaimed, _ := d.pool.ClaimedUDIDs()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, st := range d.superv.Statuses() {
			prev, seen := adapterStates[st.Name]
			adapterStates[st.Name] = st.State
			if !seen || prev == st.State {
				continue
			}
			level := pipeline.LevelInfo
			if st.State == adapter.StateError {
				level = pipeline.LevelWarning
			}
			msg := fmt.Sprintf("adapter %s: %s → %s", st.Name, prev, st.State)
			if st.Detail != "" {
				msg += " (" + st.Detail + ")"
			}
			d.emitServer(level, msg)
		}

		stateDirty := false
		proxySt := d.proxy.Status()
		switch {
		case proxyWasRunning && !proxySt.Running:
			msg := "proxy exited"
			if proxySt.LastError != "" {
				msg += ": " + proxySt.LastError
			}
			d.emitServer(pipeline.LevelWarning, msg)
			if err := d.proxy.Restart(ctx); err != nil {
				slog.Warn("Proxy restart failed", "err", err)
				d.emitServer(pipeline.LevelError, "proxy restart failed: "+err.Error())
				proxyWasRunning = false
				stateDirty = true
				break
			}
			d.emitServer(pipeline.LevelInfo, "proxy restarted")
			proxyWasRunning = true
			stateDirty = true
		case !proxyWasRunning && proxySt.Running:
			d.emitServer(pipeline.LevelInfo, "proxy started")
			proxyWasRunning = true
			stateDirty = true
		}

		// The state file mirrors live claims and proxy health.
		if claimed, err := d.pool.ClaimedUDIDs(); err == nil && !slices.Equal(claimed, lastClaimed) {
			lastClaimed = claimed
			stateDirty = true
		}
		if stateDirty {
			if err := d.publishState(); err != nil {
				slog.Warn("State republish failed", "err", err)
			}
		}
	}
}
