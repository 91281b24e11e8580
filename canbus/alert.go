package canbus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

// alertLoop is the Alert/Recovery Monitor: a separate long-running task
// reading hardware alerts, per spec.md section 4.6. It shares no state
// with the Dispatcher that requires locks -- every counter it touches is
// atomic, and the last-tx result is a single-word write.
func (m *Manager) alertLoop(ctx context.Context, stopRequested *atomic.Bool, logger hclog.Logger) {
	logger = logger.Named("alert")
	logger.Debug("alert monitor starting")
	defer logger.Debug("alert monitor exiting")

	for {
		if stopRequested.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		bits, err := m.adapter.ReadAlerts(ctx, 0)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				return
			}
			logger.Warn("read_alerts error", "error", err)
			continue
		}

		m.recordAlert(bits)

		if bits&AlertBusOff != 0 {
			m.busOffTotal.Add(1)
			busOffTotalCounter.Inc()
			logger.Warn("BUS_OFF observed, recovery will be attempted after settle delay")
			go m.recoverAfterBusOff(ctx, stopRequested, logger)
		}
		if bits&AlertErrorPassive != 0 {
			m.errorPassiveTotal.Add(1)
			errorPassiveTotalCounter.Inc()
		}
		if bits&AlertErrorWarningAbove != 0 {
			m.errorWarningTotal.Add(1)
			errorWarningTotalCounter.Inc()
		}
		if bits&AlertBusRecovered != 0 {
			m.recoveryInProgress.Store(false)
			logger.Info("bus recovered")
		}
		if bits&(AlertTxSuccess|AlertTxFailed|AlertTxRetried) != 0 {
			m.lastTxResult.Store(int32(bits))
			m.notifyTxObserver(bits)
		}
		if bits&(AlertRxData|AlertRxQueueFull|AlertRxFifoOverrun) != 0 {
			m.notifyRxObserver(bits)
		}
	}
}

// recoverAfterBusOff waits the mandatory settle delay, then asks the
// Adapter to begin recovery, without stopping or uninstalling it.
func (m *Manager) recoverAfterBusOff(ctx context.Context, stopRequested *atomic.Bool, logger hclog.Logger) {
	m.recoveryInProgress.Store(true)
	select {
	case <-time.After(busOffRecoveryDelay):
	case <-ctx.Done():
		return
	}
	if stopRequested.Load() {
		return
	}
	if err := m.adapter.InitiateRecovery(ctx); err != nil {
		logger.Warn("bus recovery initiation failed", "error", err)
	}
}
