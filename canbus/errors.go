package canbus

import "errors"

// Invalid input.
var (
	ErrInvalidHandle = errors.New("canbus: invalid or unknown client handle")
	ErrAllocFailed   = errors.New("canbus: client allocation failed")
)

// State conflict.
var (
	ErrNotPermitted  = errors.New("canbus: operation not permitted for this client")
	ErrModeConflict  = errors.New("canbus: mode change conflicts with another activated client")
	ErrBusNotRunning = errors.New("canbus: bus is not running")
)

// Bus fault.
var (
	ErrBusOff = errors.New("canbus: controller is in bus-off state")
	ErrIO     = errors.New("canbus: transmit failed")
)

// Timing.
var ErrTimeout = errors.New("canbus: operation timed out")

// Infrastructure, surfaced from the state engine through whichever API
// call triggered the transition.
var (
	ErrAdapterInstallFailed = errors.New("canbus: adapter install failed")
	ErrAdapterStartFailed   = errors.New("canbus: adapter start failed")
)

// ErrInvalidState is returned by Adapter.Receive/ReadAlerts when the
// driver was stopped out from under the call. It is not a client-visible
// error: the Dispatcher and Alert Monitor treat it as their normal
// teardown signal and exit without logging it as a fault.
var ErrInvalidState = errors.New("canbus: adapter is no longer running")
