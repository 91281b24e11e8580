package canbus

import "fmt"

// Frame is the external representation of a CAN frame: a standard or
// extended 11/29-bit identifier, 0-8 data bytes, and the flags the spec
// requires clients to see.
type Frame struct {
	ID            uint32
	DLC           uint8
	Data          [8]byte
	Extended      bool // 29-bit identifier
	RTR           bool // remote transmission request
	SelfReception bool // set on loopback frames the manager receives back
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{id=%#x dlc=%d ext=%t rtr=%t self=%t}", f.ID, f.DLC, f.Extended, f.RTR, f.SelfReception)
}

// ClientMode is a client's declared relationship to the bus.
type ClientMode int

const (
	// RxOnly clients only ever receive; they contribute to the
	// listen-only threshold.
	RxOnly ClientMode = iota
	// TxEnabled clients may also transmit; they additionally contribute
	// to the normal/no-ack threshold.
	TxEnabled
)

func (m ClientMode) String() string {
	switch m {
	case RxOnly:
		return "RX_ONLY"
	case TxEnabled:
		return "TX_ENABLED"
	default:
		return "UNKNOWN"
	}
}

// BusMode is the controller's actual or target operating mode.
type BusMode int32

const (
	ModeStopped BusMode = iota
	ModeListenOnly
	ModeNormal
	ModeNoAck
)

func (m BusMode) String() string {
	switch m {
	case ModeStopped:
		return "STOPPED"
	case ModeListenOnly:
		return "LISTEN_ONLY"
	case ModeNormal:
		return "NORMAL"
	case ModeNoAck:
		return "NO_ACK"
	default:
		return "UNKNOWN"
	}
}

// Running reports whether this mode implies the driver is installed and
// started.
func (m BusMode) Running() bool {
	return m != ModeStopped
}

// GeneralConfig carries the install-time parameters that are not derived
// from the aggregate client state and are not timing or filter settings:
// the controller's TX/RX pins and its receive queue length, as the vendor
// driver's general_config struct would need them.
type GeneralConfig struct {
	TxPin   int
	RxPin   int
	RxQueueLen int
}

// TimingConfig is a precomputed bit-timing table for a bitrate; the
// Adapter only passes it through to the vendor driver.
type TimingConfig struct {
	BitrateKbps int
}

// FilterConfig is recorded as metadata only: spec.md's Non-goals exclude
// per-client hardware acceptance filtering, so this is never used to
// demultiplex frames, only to pass through to Adapter.Install.
type FilterConfig struct {
	AcceptanceCode uint32
	AcceptanceMask uint32
	Single         bool
}

// Config bundles everything the State Engine hands to Adapter.Install for
// a given target BusMode.
type Config struct {
	Mode    BusMode
	General GeneralConfig
	Timing  TimingConfig
	Filter  FilterConfig
}

// AlertBits is a bitmask of alert conditions read from the controller,
// mirroring the vendor driver's alert register.
type AlertBits uint32

const (
	AlertBusOff AlertBits = 1 << iota
	AlertErrorPassive
	AlertErrorWarningAbove
	AlertBusRecovered
	AlertTxSuccess
	AlertTxFailed
	AlertTxRetried
	AlertRxData
	AlertRxQueueFull
	AlertRxFifoOverrun
)

// TransmitResult classifies the outcome of an Adapter.Transmit call.
type TransmitResult int

const (
	TransmitOK TransmitResult = iota
	TransmitTimeout
	TransmitBusOff
	TransmitIOError
)
