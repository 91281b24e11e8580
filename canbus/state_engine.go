package canbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// computeTarget is the Bus State Engine's pure decision function (spec.md
// section 4.3): the target mode depends only on the two aggregate
// counters and the loopback flag, never on scanning the client list.
func computeTarget(c Counters, loopback bool) BusMode {
	switch {
	case c.ActivatedTxTotal > 0 && loopback:
		return ModeNoAck
	case c.ActivatedTxTotal > 0:
		return ModeNormal
	case c.ActivatedTotal > 0:
		return ModeListenOnly
	default:
		return ModeStopped
	}
}

// runStateEngine drives the Adapter from the current mode to whatever
// computeTarget says the latest counters demand. It holds transitionMu for
// its whole run, which is the "no mutex held across Adapter I/O" rule
// from spec.md section 5 applied to the registry mutex, not this one:
// transitionMu only ever guards the Manager's own mode/run bookkeeping and
// is never taken by registry mutators.
//
// If a second transition becomes necessary because counters changed again
// while this one ran, the loop here is the "second pass" spec.md section
// 4.3 describes; it naturally becomes a no-op once target == current.
func (m *Manager) runStateEngine() error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	for {
		counters := m.registry.Snapshot()
		target := computeTarget(counters, m.loopback.Load())
		current := BusMode(m.mode.Load())
		if target == current {
			return nil
		}

		logger := m.logger.Named("state").With(
			"correlation_id", uuid.NewString()[:8],
			"from", current.String(),
			"to", target.String(),
		)
		logger.Debug("bus mode transition starting")

		if current != ModeStopped {
			if err := m.stopRunning(logger); err != nil {
				logger.Warn("controller did not stop cleanly, proceeding anyway", "error", err)
			}
			m.mode.Store(int32(ModeStopped))
			observeMode(ModeStopped)
		}

		if target == ModeStopped {
			logger.Debug("bus mode transition complete")
			continue
		}

		if err := m.startRunning(target, logger); err != nil {
			// Counters are not rolled back: client intent stands, but the
			// actual state is left stopped per spec.md section 4.3, to be
			// retried on the next state-changing API call.
			m.mode.Store(int32(ModeStopped))
			observeMode(ModeStopped)
			logger.Error("failed to bring controller to target mode", "error", err)
			return err
		}
		m.mode.Store(int32(target))
		observeMode(target)
		logger.Debug("bus mode transition complete")
	}
}

// startRunning installs, starts, and spawns the Dispatcher and Alert
// Monitor for the given target mode. On any failure it leaves the
// Adapter uninstalled.
func (m *Manager) startRunning(target BusMode, logger hclog.Logger) error {
	cfg := Config{Mode: target, General: m.general, Timing: m.timing, Filter: m.filter}

	if err := m.adapter.Install(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterInstallFailed, err)
	}
	if err := m.adapter.Start(); err != nil {
		if uerr := m.adapter.Uninstall(); uerr != nil {
			logger.Warn("uninstall after failed start also failed", "error", uerr)
		}
		return fmt.Errorf("%w: %v", ErrAdapterStartFailed, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	joined, joinCancel := m.joinRunContexts(runCtx)
	g, gctx := errgroup.WithContext(joined)

	rg := &runGroup{g: g, done: make(chan struct{})}
	rg.cancel = func() {
		cancel()
		joinCancel()
	}

	g.Go(func() error {
		m.dispatchLoop(gctx, &rg.stopRequested, logger)
		return nil
	})
	g.Go(func() error {
		m.alertLoop(gctx, &rg.stopRequested, logger)
		return nil
	})

	go func() {
		_ = g.Wait()
		close(rg.done)
	}()

	m.run.Store(rg)
	return nil
}

// stopRunning asks the current run's Dispatcher and Alert Monitor to
// exit (setting the stop flag and cancelling the run context), waits for
// them (force-stopping the Adapter after
// dispatcherStopPatience to unblock a wedged Receive/ReadAlerts), then
// stops and uninstalls the Adapter.
func (m *Manager) stopRunning(logger hclog.Logger) error {
	rg := m.run.Load()
	if rg == nil {
		return nil
	}
	rg.stopRequested.Store(true)
	rg.cancel()

	forced := false
	select {
	case <-rg.done:
	case <-time.After(dispatcherStopPatience):
		logger.Warn("dispatcher/alert monitor did not exit within patience window, force-stopping adapter")
		if err := m.adapter.Stop(); err != nil {
			logger.Warn("force-stop failed", "error", err)
		}
		forced = true
		<-rg.done
	}

	m.run.Store(nil)

	if !forced {
		if err := m.adapter.Stop(); err != nil {
			logger.Warn("adapter stop failed", "error", err)
		}
	}
	return m.adapter.Uninstall()
}
