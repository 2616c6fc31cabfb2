package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/bridge"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/config"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/event"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/session"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/transport"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	loggerCallback := logger.Init(cfg.Verbose)
	logger.Debug("Bridge initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	if cfg.Scan {
		runScan(cleaner)
		return
	}

	b := bridge.New(cfg)
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		b.Stop()
		return nil
	}))

	if err := b.Run(context.Background()); err != nil {
		if errors.Is(err, session.ErrReconnectExhausted) {
			logger.Error("Device unreachable, giving up")
			cleaner.Exit(2)
		}
		logger.ErrorF("Bridge failed, details: %v", err)
		cleaner.Exit(1)
	}
	cleaner.Exit(0)
}

func runScan(cleaner *event.Cleaner) {
	devices, err := transport.Scan(context.Background(), "hci0", 10*time.Second)
	if err != nil {
		logger.ErrorF("Scan failed, details: %v", err)
		cleaner.Exit(1)
	}
	if len(devices) == 0 {
		logger.Info("No Meshtastic devices found")
	}
	for _, d := range devices {
		logger.InfoF("Found %s (%s, RSSI %d)", d.Address, d.Name, d.RSSI)
	}
	cleaner.Exit(0)
}
