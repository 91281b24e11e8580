package canbus

import (
	"context"
	"errors"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
)

// dispatchLoop is the Receive Dispatcher: a long-running task that pulls
// frames from the Adapter and fans them out to every activated
// subscriber under refcount protection, per spec.md section 4.4.
func (m *Manager) dispatchLoop(ctx context.Context, stopRequested *atomic.Bool, logger hclog.Logger) {
	logger = logger.Named("dispatch")
	logger.Debug("dispatcher starting")
	defer logger.Debug("dispatcher exiting")

	for {
		if stopRequested.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Step 2: drain the pending-free reclamation queue before
		// blocking in Receive again.
		m.registry.Reclaim()

		frame, err := m.adapter.Receive(ctx, dispatchReceiveTimeout)
		switch {
		case err == nil:
			// proceed to fan-out below
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrInvalidState):
			// The adapter was stopped out from under us -- this is the
			// normal teardown signal, not a fault.
			return
		default:
			logger.Warn("receive error", "error", err)
			continue
		}

		snaps, dropped := m.registry.SnapshotSubscribers()
		if dropped > 0 {
			droppedSnapshotsCounter.Add(float64(dropped))
			m.droppedSnapshotTotal.Add(uint64(dropped))
			logger.Warn("dropped subscriber callbacks: fan-out buffer full", "dropped", dropped, "frame", frame)
		}

		for _, s := range snaps {
			m.invokeSubscriber(frame, s, logger)
		}
	}
}

// invokeSubscriber calls one snapshotted callback and releases its
// refcount afterward, regardless of whether the callback panics. A
// panicking subscriber must not take down the Dispatcher or leak the
// refcount it holds on the client record.
func (m *Manager) invokeSubscriber(frame Frame, s subscriberSnapshot, logger hclog.Logger) {
	defer m.registry.ReleaseRef(s)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber callback panicked", "client_id", s.clientID, "panic", r)
		}
	}()
	s.callback(frame, s.arg)
}
