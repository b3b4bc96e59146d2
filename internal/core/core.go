// Package core wires every subsystem together into one running process:
// the device registry, the output backends, the tick driver, and
// (optionally) the gRPC health endpoint. mDNS discovery is started
// separately by cmd/meridian.
// Its NewServer/Start/Close shape follows the same bootstrap pattern used
// elsewhere in this codebase for assembling a long-running service.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tobiasen/meridian/internal/alsaout"
	"github.com/tobiasen/meridian/internal/cast"
	"github.com/tobiasen/meridian/internal/collab"
	"github.com/tobiasen/meridian/internal/config"
	"github.com/tobiasen/meridian/internal/dummyout"
	"github.com/tobiasen/meridian/internal/fifoout"
	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/player"
	"github.com/tobiasen/meridian/internal/pulseout"
	"github.com/tobiasen/meridian/internal/raop"
	"github.com/tobiasen/meridian/internal/rcpout"
	"github.com/tobiasen/meridian/internal/registry"
)

// Core is the top-level assembly: the one long-lived object a cmd/
// entrypoint constructs, starts, and closes.
type Core struct {
	cfg      *config.Config
	registry *registry.Registry
	player   *player.Player
	storage  collab.Storage

	health     *health.Server
	healthGRPC *grpc.Server
	healthLis  net.Listener
}

// NewServer builds every backend the configuration enables, wires them
// into a device registry, and constructs the tick driver on top of it.
// storage and input may be nil; a nil storage means device state is never
// persisted, a nil input is handed to the player as is (Player has no
// setter to attach an input afterwards).
func NewServer(cfg *config.Config, storage collab.Storage, input collab.Input) (*Core, error) {
	backends := []outputs.Backend{
		dummyout.New(),
		fifoout.New(),
		raop.New(raop.Config{
			AudioPort:   cfg.RaopAudioPort,
			ControlPort: cfg.RaopControlPort,
			TimingPort:  cfg.RaopTimingPort,
		}),
		cast.New(),
		alsaout.New(),
		pulseout.New(),
		rcpout.New(cfg.AdvertiseAddr, cfg.RCPStreamPort, "Meridian"),
	}

	reg, err := registry.New(backends...)
	if err != nil {
		return nil, fmt.Errorf("core: building output registry: %w", err)
	}

	if storage != nil {
		recs, err := storage.LoadDevices()
		if err != nil {
			slog.Warn("failed to load persisted devices, starting with an empty set", "error", err)
		}
		for _, rec := range recs {
			reg.Add(&outputs.Device{
				ID:       rec.ID,
				Name:     rec.Name,
				Volume:   rec.Volume,
				RelVol:   rec.RelVol,
				Selected: rec.Selected,
				AuthKey:  rec.AuthKey,
			}, false, rec.Volume)
		}
	}

	c := &Core{
		cfg:      cfg,
		registry: reg,
		storage:  storage,
	}

	pl := player.New(player.Config{
		TickInterval:      cfg.TickInterval,
		ReadDeficitMaxMS:  cfg.ReadDeficitMaxMS,
		WriteDeficitMaxMS: cfg.WriteDeficitMaxMS,
		OutputBufferMS:    cfg.OutputBufferMS,
		ClearQueueOnAbort: cfg.ClearQueueOnAbort,
	}, input, reg, c)
	c.player = pl

	return c, nil
}

// Registry exposes the device registry to callers needing to add
// discovered devices or drive playback (e.g. a control RPC layer not
// specified in this module).
func (c *Core) Registry() *registry.Registry { return c.registry }

// Player exposes the tick driver.
func (c *Core) Player() *player.Player { return c.player }

// Start launches the tick loop and, if configured, a gRPC health-check
// endpoint. It returns once the health listener (if any) is bound;
// the tick loop and health server both run until ctx is cancelled.
func (c *Core) Start(ctx context.Context) error {
	go c.player.Run(ctx)

	if c.cfg.HealthAddr == "" {
		return nil
	}

	lis, err := net.Listen("tcp", c.cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("core: binding health endpoint: %w", err)
	}
	c.healthLis = lis

	c.health = health.NewServer()
	c.health.SetServingStatus("meridian.player", grpc_health_v1.HealthCheckResponse_SERVING)

	c.healthGRPC = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(c.healthGRPC, c.health)

	go func() {
		slog.Info("health endpoint listening", "addr", c.cfg.HealthAddr)
		if err := c.healthGRPC.Serve(lis); err != nil {
			slog.Warn("health server stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		c.healthGRPC.GracefulStop()
	}()

	return nil
}

// Close persists device state (if storage is configured) and shuts the
// registry's backends down.
func (c *Core) Close() error {
	if c.storage != nil {
		for _, d := range c.registry.Devices() {
			rec := collab.DeviceRecord{
				ID: d.ID, Name: d.Name, Volume: d.Volume,
				RelVol: d.RelVol, Selected: d.Selected, AuthKey: d.AuthKey,
			}
			if err := c.storage.SaveDevice(rec); err != nil {
				slog.Warn("failed to persist device", "device", d.Name, "error", err)
			}
		}
	}
	c.registry.Deinit()
	return nil
}

// The Core implements player.EventHandler itself so track-boundary events
// have somewhere to go even before a richer queue-management collaborator
// is wired in.

func (c *Core) OnPlayStart(src *player.Source) {
	slog.Info("playback started", "queue_item", src.QueueItemID, "path", src.Path)
}

func (c *Core) OnPlayEOF(src *player.Source) {
	slog.Debug("track finished", "queue_item", src.QueueItemID)
}

func (c *Core) OnPlaybackEnded() {
	slog.Info("playback ended: queue exhausted")
}

func (c *Core) OnPlaybackAborted(reason string) {
	slog.Error("playback aborted", "reason", reason)
}
