// Command canmgrd is a runnable demonstration of the canbus Manager: it
// wires a SimAdapter in place of real hardware, registers two demo
// clients, and serves the Prometheus metrics the manager exposes. It is
// not part of the package's API surface -- it exists to give the
// Prometheus wiring in canbus/metrics.go a runnable home, the same way
// the teacher's main.go is the runnable home for the systemd driver.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jetpax/canmgr/canbus"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "canmgrd",
		Level: hclog.Debug,
	})

	adapter := canbus.NewSimAdapter()
	mgr := canbus.New(
		logger,
		adapter,
		canbus.GeneralConfig{TxPin: 5, RxPin: 4, RxQueueLen: 16},
		canbus.TimingConfig{BitrateKbps: 500},
		canbus.FilterConfig{Single: true},
	)
	defer mgr.Close()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(":9400", nil); err != nil {
			logger.Error("metrics server exited", "error", err)
		}
	}()

	rx, err := mgr.Register(canbus.RxOnly)
	if err != nil {
		logger.Error("register rx client failed", "error", err)
		os.Exit(1)
	}
	if err := mgr.SetRxCallback(rx, func(frame canbus.Frame, arg interface{}) {
		logger.Debug("frame received", "frame", frame.String())
	}, nil); err != nil {
		logger.Error("set_rx_callback failed", "error", err)
	}
	if err := mgr.Activate(rx); err != nil {
		logger.Error("activate rx client failed", "error", err)
		os.Exit(1)
	}

	tx, err := mgr.Register(canbus.TxEnabled)
	if err != nil {
		logger.Error("register tx client failed", "error", err)
		os.Exit(1)
	}
	if err := mgr.Activate(tx); err != nil {
		logger.Error("activate tx client failed", "error", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("canmgrd running", "status", mgr.Status())

	for {
		select {
		case <-ticker.C:
			frame := canbus.Frame{ID: 0x123, DLC: 3, Data: [8]byte{1, 2, 3}}
			if err := mgr.Transmit(tx, frame); err != nil {
				logger.Warn("demo transmit failed", "error", err)
			}
			adapter.Inject(canbus.Frame{ID: 0x456, DLC: 1, Data: [8]byte{0x42}})
		case <-sigCh:
			logger.Info("shutting down")
			mgr.Unregister(rx)
			mgr.Unregister(tx)
			return
		}
	}
}
