// Package dummyout implements the no-op output backend: a sink that
// accepts every command immediately and discards all audio. It exists so
// the player always has at least one backend to select when no real
// device is configured, and as a reference implementation for new
// backends to copy.
package dummyout

import (
	"context"
	"log/slog"

	"github.com/tobiasen/meridian/internal/outputs"
)

// Backend is the dummy output driver. Never disabled, never fails.
type Backend struct {
	outputs.NopExtras
}

// New returns a ready-to-use dummy backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string  { return "Dummy" }
func (b *Backend) Type() string  { return "dummy" }
func (b *Backend) Priority() int { return 0 } // never autoselected

func (b *Backend) Init() error { return nil }
func (b *Backend) Deinit()     {}

func (b *Backend) DeviceStart(_ context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	device.Session = struct{}{}
	slog.Debug("dummy device started", "device", device.Name)
	if cb != nil {
		cb(device, outputs.StateConnected)
		cb(device, outputs.StateStreaming)
	}
	return nil
}

func (b *Backend) DeviceStop(_ context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	device.Session = nil
	if cb != nil {
		cb(device, outputs.StateStopped)
	}
	return nil
}

func (b *Backend) DeviceFlush(_ context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return nil
}

func (b *Backend) DeviceProbe(_ context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return nil
}

func (b *Backend) DeviceVolumeSet(_ context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return nil
}

func (b *Backend) DeviceVolumeToPct(_ *outputs.Device, value string) int {
	return 100
}

func (b *Backend) DeviceFreeExtra(*outputs.Device) {}

func (b *Backend) Write(*outputs.Buffer) {}
