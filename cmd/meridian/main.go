// Command meridian runs the player daemon: it loads configuration, wires
// up the output registry and tick driver, optionally browses mDNS for
// AirPlay/Chromecast devices, and serves a gRPC health check until
// signalled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tobiasen/meridian/internal/banner"
	"github.com/tobiasen/meridian/internal/config"
	"github.com/tobiasen/meridian/internal/core"
	"github.com/tobiasen/meridian/internal/discovery"
	"github.com/tobiasen/meridian/internal/logging"
)

func main() {
	cfg := config.Load()

	var logFile *os.File
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "meridian: opening log file: %v\n", err)
			os.Exit(1)
		}
		logFile = f
		defer f.Close()
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel), logFile, logging.ParseLevel(cfg.LogLevel))

	banner.Print("Meridian Player Daemon", []banner.ConfigLine{
		{Label: "Log level", Value: cfg.LogLevel},
		{Label: "Tick interval", Value: cfg.TickInterval.String()},
		{Label: "Output buffer", Value: fmt.Sprintf("%d ms", cfg.OutputBufferMS)},
		{Label: "mDNS discovery", Value: fmt.Sprintf("%v", cfg.DiscoveryEnabled)},
		{Label: "Health endpoint", Value: cfg.HealthAddr},
		{Label: "Advertise addr", Value: cfg.AdvertiseAddr},
	})

	c, err := core.NewServer(cfg, nil, nil)
	if err != nil {
		slog.Error("failed to assemble core", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}

	if cfg.DiscoveryEnabled {
		browser := discovery.New(c.Registry())
		go func() {
			if err := browser.Run(ctx); err != nil {
				slog.Warn("mdns discovery stopped", "error", err)
			}
		}()
	}

	for _, dc := range cfg.Devices {
		slog.Info("statically configured device", "name", dc.Name, "address", dc.Address)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	if err := c.Close(); err != nil {
		slog.Warn("error during shutdown", "error", err)
	}
}
