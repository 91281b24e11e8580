package canbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LK4D4/joincontext"
	"github.com/armon/circbuf"
	"github.com/google/uuid"
	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

const (
	// transmitTimeout is the fixed per-call deadline for Transmit, the
	// reference value from spec.md section 4.5.
	transmitTimeout = 100 * time.Millisecond

	// dispatchReceiveTimeout is how long the Dispatcher blocks in
	// Receive before re-checking the stop flag.
	dispatchReceiveTimeout = 100 * time.Millisecond

	// dispatcherStopPatience bounds how long the state engine waits for
	// the Dispatcher/Alert Monitor to exit on their own before
	// force-stopping the adapter to unblock them.
	dispatcherStopPatience = 2 * time.Second

	alertDiagnosticRingSize = 4096
)

// busOffRecoveryDelay is the mandatory settle time before the Alert
// Monitor initiates recovery after BUS_OFF (spec.md section 4.6's
// reference value is 3s). It is a var, not a const, so tests can shrink
// it instead of sleeping out a real 3 seconds.
var busOffRecoveryDelay = 3 * time.Second

// TxObserver is notified on TX_SUCCESS/TX_FAILED/TX_RETRIED alerts.
type TxObserver func(bits AlertBits)

// RxObserver is notified on RX_DATA/RX_QUEUE_FULL/RX_FIFO_OVERRUN alerts.
type RxObserver func(bits AlertBits)

// runGroup tracks one Stopped->Running period: the Dispatcher and Alert
// Monitor spawned for it, and how to ask them to stop.
type runGroup struct {
	g             *errgroup.Group
	cancel        context.CancelFunc
	stopRequested atomic.Bool
	done          chan struct{}
}

// Status is the snapshot returned by Manager.Status.
type Status struct {
	RegisteredTotal      int
	ActivatedTotal       int
	ActivatedTxTotal     int
	BusRunning           bool
	Mode                 BusMode
	Loopback             bool
	BusOffTotal          int64
	ErrorPassiveTotal    int64
	ErrorWarningTotal    int64
	RecoveryInProgress   bool
	DroppedSnapshotTotal uint64
}

// Manager is the external API surface of the package: register, activate,
// deactivate, unregister, set_rx_callback, set_mode, transmit,
// set_loopback, is_registered, status. It owns one Adapter and one
// Registry and autonomously keeps the Adapter's running mode consistent
// with the aggregate of currently-activated clients.
type Manager struct {
	logger   hclog.Logger
	adapter  Adapter
	registry *Registry

	general GeneralConfig
	timing  TimingConfig
	filter  FilterConfig

	lifetimeCtx    context.Context
	lifetimeCancel context.CancelFunc

	// transitionMu serialises state-engine passes; at most one
	// install/start/stop/uninstall sequence runs at a time.
	transitionMu sync.Mutex
	mode         atomic.Int32 // BusMode, written only while transitionMu held
	run          atomic.Pointer[runGroup]

	loopback atomic.Bool

	alertLog           *circbuf.Buffer
	busOffTotal         atomic.Int64
	errorPassiveTotal   atomic.Int64
	errorWarningTotal   atomic.Int64
	recoveryInProgress  atomic.Bool
	lastTxResult        atomic.Int32
	droppedSnapshotTotal atomic.Uint64

	observerMu sync.Mutex
	txObserver TxObserver
	rxObserver RxObserver
}

// New constructs a Manager around adapter, which must not yet be
// installed. general/timing/filter are passed through to Adapter.Install
// on every Stopped->Running transition; timing and general are invariant
// across modes, only the BusMode component of Config changes.
func New(logger hclog.Logger, adapter Adapter, general GeneralConfig, timing TimingConfig, filter FilterConfig) *Manager {
	logger = logger.Named("canbus")
	ctx, cancel := context.WithCancel(context.Background())
	alertLog, _ := circbuf.NewBuffer(alertDiagnosticRingSize)

	m := &Manager{
		logger:         logger,
		adapter:        adapter,
		registry:       NewRegistry(),
		general:        general,
		timing:         timing,
		filter:         filter,
		lifetimeCtx:    ctx,
		lifetimeCancel: cancel,
		alertLog:       alertLog,
	}
	m.mode.Store(int32(ModeStopped))
	observeMode(ModeStopped)
	observeCounters(Counters{})
	return m
}

// Close stops the controller if running and releases the Manager's
// lifetime context. It is not part of spec.md's API surface proper, but
// every long-lived Go service needs a way to shut one of these down
// cleanly; it plays the role the teacher's cancel() (set up in
// NewSystemdDriver) plays for the plugin's own lifetime.
func (m *Manager) Close() error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	m.lifetimeCancel()
	if BusMode(m.mode.Load()) == ModeStopped {
		return nil
	}
	logger := m.logger.Named("state").With("correlation_id", uuid.NewString()[:8])
	err := m.stopRunning(logger)
	m.mode.Store(int32(ModeStopped))
	observeMode(ModeStopped)
	return err
}

// Register allocates a new client handle. It does not touch bus state.
func (m *Manager) Register(mode ClientMode) (Handle, error) {
	h, err := m.registry.Register(mode)
	if err != nil {
		return Handle{}, err
	}
	observeCounters(m.registry.Snapshot())
	return h, nil
}

// Activate declares that h presently requires the bus to run.
func (m *Manager) Activate(h Handle) error {
	changed, err := m.registry.Activate(h)
	if err != nil {
		return err
	}
	observeCounters(m.registry.Snapshot())
	if !changed {
		return nil
	}
	return m.runStateEngine()
}

// Deactivate is the symmetric, idempotent counterpart to Activate.
func (m *Manager) Deactivate(h Handle) error {
	changed, err := m.registry.Deactivate(h)
	if err != nil {
		return err
	}
	observeCounters(m.registry.Snapshot())
	if !changed {
		return nil
	}
	return m.runStateEngine()
}

// SetMode changes h's declared mode, failing with ErrModeConflict per
// spec.md section 4.2.
func (m *Manager) SetMode(h Handle, newMode ClientMode) error {
	changed, err := m.registry.SetMode(h, newMode)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	observeCounters(m.registry.Snapshot())
	return m.runStateEngine()
}

// SetRxCallback installs or clears (cb == nil) h's receive callback.
func (m *Manager) SetRxCallback(h Handle, cb Callback, arg interface{}) error {
	return m.registry.SetRxCallback(h, cb, arg)
}

// Unregister is infallible and idempotent. After it returns, no new
// callback invocation on h will begin; any callback already in progress
// completes before the record's storage is reclaimed.
func (m *Manager) Unregister(h Handle) {
	changed := m.registry.Unregister(h)
	if !changed {
		return
	}
	observeCounters(m.registry.Snapshot())
	if err := m.runStateEngine(); err != nil {
		m.logger.Error("state transition after unregister failed", "error", err)
	}
}

// IsRegistered reports whether h names a client currently registered.
func (m *Manager) IsRegistered(h Handle) bool {
	return m.registry.IsRegistered(h)
}

// SetLoopback toggles the process-wide loopback flag, reconfiguring the
// bus if it changes the target mode while running.
func (m *Manager) SetLoopback(enabled bool) {
	if m.loopback.Swap(enabled) == enabled {
		return
	}
	if err := m.runStateEngine(); err != nil {
		m.logger.Error("state transition after set_loopback failed", "error", err)
	}
}

// Transmit validates h's right to transmit and submits frame to the
// Adapter with a bounded timeout.
func (m *Manager) Transmit(h Handle, frame Frame) error {
	if err := m.registry.CheckTransmitAllowed(h); err != nil {
		return err
	}
	if !BusMode(m.mode.Load()).Running() {
		return ErrBusNotRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), transmitTimeout)
	defer cancel()
	result, err := m.adapter.Transmit(ctx, frame, transmitTimeout)
	transmitResultCounter.WithLabelValues(transmitResultLabel(result)).Inc()

	switch result {
	case TransmitTimeout:
		if err == nil {
			err = ErrTimeout
		}
	case TransmitBusOff:
		if err == nil {
			err = ErrBusOff
		}
	case TransmitIOError:
		if err == nil {
			err = ErrIO
		}
	}
	return err
}

func transmitResultLabel(r TransmitResult) string {
	switch r {
	case TransmitOK:
		return "ok"
	case TransmitTimeout:
		return "timeout"
	case TransmitBusOff:
		return "bus_off"
	case TransmitIOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Status reports the aggregate state spec.md section 6 names, plus the
// diagnostic counters section 4.6/4.4 describe.
func (m *Manager) Status() Status {
	c := m.registry.Snapshot()
	mode := BusMode(m.mode.Load())
	return Status{
		RegisteredTotal:      c.RegisteredTotal,
		ActivatedTotal:       c.ActivatedTotal,
		ActivatedTxTotal:     c.ActivatedTxTotal,
		BusRunning:           mode.Running(),
		Mode:                 mode,
		Loopback:             m.loopback.Load(),
		BusOffTotal:          m.busOffTotal.Load(),
		ErrorPassiveTotal:    m.errorPassiveTotal.Load(),
		ErrorWarningTotal:    m.errorWarningTotal.Load(),
		RecoveryInProgress:   m.recoveryInProgress.Load(),
		DroppedSnapshotTotal: m.droppedSnapshotTotal.Load(),
	}
}

// Diagnostics returns the most recent alert log lines captured in the
// bounded circular buffer.
func (m *Manager) Diagnostics() string {
	return m.alertLog.String()
}

// SetTxObserver installs (or clears, with nil) the optional TX result
// observer notified by the Alert Monitor.
func (m *Manager) SetTxObserver(obs TxObserver) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.txObserver = obs
}

// SetRxObserver installs (or clears, with nil) the optional RX
// queue-depth observer notified by the Alert Monitor.
func (m *Manager) SetRxObserver(obs RxObserver) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.rxObserver = obs
}

func (m *Manager) notifyTxObserver(bits AlertBits) {
	m.observerMu.Lock()
	obs := m.txObserver
	m.observerMu.Unlock()
	if obs != nil {
		go obs(bits)
	}
}

func (m *Manager) notifyRxObserver(bits AlertBits) {
	m.observerMu.Lock()
	obs := m.rxObserver
	m.observerMu.Unlock()
	if obs != nil {
		go obs(bits)
	}
}

func (m *Manager) recordAlert(bits AlertBits) {
	fmt.Fprintf(m.alertLog, "%s bits=%#x\n", time.Now().UTC().Format(time.RFC3339Nano), uint32(bits))
}

// joinRunContexts combines the Manager's lifetime context with a
// per-run context so either closing the Manager or the state engine
// requesting this run stop unblocks the Dispatcher/Alert Monitor's
// blocking adapter calls. See SPEC_FULL.md's DOMAIN STACK section.
func (m *Manager) joinRunContexts(runCtx context.Context) (context.Context, context.CancelFunc) {
	joined, joinCancel := joincontext.Join(m.lifetimeCtx, runCtx)
	return joined, joinCancel
}
