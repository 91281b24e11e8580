package canbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registeredTotalGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canbus_registered_clients",
		Help: "current number of registered clients",
	})
	activatedTotalGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canbus_activated_clients",
		Help: "current number of activated clients",
	})
	activatedTxTotalGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canbus_activated_tx_clients",
		Help: "current number of activated clients with mode TX_ENABLED",
	})
	busModeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canbus_mode",
		Help: "1 if the controller's current mode matches the label, 0 otherwise",
	}, []string{"mode"})
	droppedSnapshotsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_dropped_fanout_total",
		Help: "counter of subscriber callbacks dropped because a frame's fan-out exceeded the snapshot buffer",
	})
	busOffTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_bus_off_total",
		Help: "counter of BUS_OFF alerts observed",
	})
	errorPassiveTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_error_passive_total",
		Help: "counter of ERROR_PASSIVE alerts observed",
	})
	errorWarningTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_error_warning_total",
		Help: "counter of ERROR_WARNING_ABOVE alerts observed",
	})
	transmitResultCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canbus_transmit_total",
		Help: "counter of Transmit calls by outcome",
	}, []string{"result"})
)

func observeCounters(c Counters) {
	registeredTotalGauge.Set(float64(c.RegisteredTotal))
	activatedTotalGauge.Set(float64(c.ActivatedTotal))
	activatedTxTotalGauge.Set(float64(c.ActivatedTxTotal))
}

func observeMode(mode BusMode) {
	for _, m := range []BusMode{ModeStopped, ModeListenOnly, ModeNormal, ModeNoAck} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		busModeGauge.WithLabelValues(m.String()).Set(v)
	}
}
