package canbus

import (
	"context"
	"time"
)

// Adapter is the thin abstraction over the vendor CAN/TWAI driver. A
// Manager owns exactly one Adapter for its one controller instance; the
// Adapter's install/start/stop/uninstall methods are only ever called by
// the Manager's state engine while holding its transition lock, so an
// Adapter implementation never needs to synchronise calls to those four
// methods against each other. Transmit, Receive, and ReadAlerts may be
// called concurrently with each other (Transmit from client goroutines,
// Receive/ReadAlerts from the Dispatcher and Alert Monitor) while the
// controller is running.
type Adapter interface {
	// Install configures the controller for the given target mode. It
	// must not be called while already installed.
	Install(cfg Config) error

	// Start brings an installed controller onto the bus.
	Start() error

	// Stop takes a started controller back off the bus without
	// uninstalling it. It is also used as the force-stop fallback to
	// unblock a Receive/ReadAlerts call that is not honouring its
	// timeout; implementations must tolerate being called while a
	// Receive or ReadAlerts call is in flight.
	Stop() error

	// Uninstall releases the driver resources acquired by Install. Must
	// only be called after Stop.
	Uninstall() error

	// Transmit submits frame with a bounded timeout. ctx carries the same
	// deadline as timeout for cancellation-aware implementations.
	Transmit(ctx context.Context, frame Frame, timeout time.Duration) (TransmitResult, error)

	// Receive blocks for up to timeout waiting for an inbound frame.
	// timeout == 0 means poll (return immediately if nothing is queued).
	// Returns ErrTimeout if the deadline elapsed with no frame, or
	// ErrInvalidState if the controller was stopped out from under the
	// call -- the Dispatcher treats that as its normal exit signal, not
	// a fault.
	Receive(ctx context.Context, timeout time.Duration) (Frame, error)

	// ReadAlerts blocks until an alert bit is set or timeout elapses;
	// timeout == 0 means block indefinitely (the driver wakes it on bus
	// events). Returns ErrInvalidState on the same teardown signal as
	// Receive.
	ReadAlerts(ctx context.Context, timeout time.Duration) (AlertBits, error)

	// InitiateRecovery asks a BUS_OFF controller to begin recovery. The
	// Alert Monitor calls this autonomously; it does not stop/uninstall
	// the controller to do so.
	InitiateRecovery(ctx context.Context) error
}
