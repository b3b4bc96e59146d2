// Package fifoout implements the FIFO output backend: a POSIX named pipe
// that a local player (e.g. a pre-existing mpv instance) can read raw PCM
// from. There is no third-party FIFO client in the dependency pack to
// reach for here; syscall.Mkfifo is the only way to create a named pipe
// on Unix and is used directly (see the repository's grounding ledger).
package fifoout

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/tobiasen/meridian/internal/outputs"
)

const fifoMode = 0666

type session struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Backend is the FIFO output driver. One session per device, keyed by the
// configured pipe path stored in Device.ExtraInfo.
type Backend struct {
	outputs.NopExtras
	mu       sync.Mutex
	sessions map[uint64]*session
}

// New returns a ready-to-use FIFO backend.
func New() *Backend {
	return &Backend{sessions: make(map[uint64]*session)}
}

func (b *Backend) Name() string  { return "FIFO" }
func (b *Backend) Type() string  { return "fifo" }
func (b *Backend) Priority() int { return 5 } // below the local sinks, above RCP (99); dummy (0) is never autoselected

func (b *Backend) Init() error { return nil }
func (b *Backend) Deinit()     {}

// path resolves the FIFO path for device, defaulting to its Name under a
// well-known directory when ExtraInfo carries no explicit override.
func path(device *outputs.Device) string {
	if p, ok := device.ExtraInfo.(string); ok && p != "" {
		return p
	}
	return fmt.Sprintf("/tmp/meridian-%s.fifo", device.Name)
}

func (b *Backend) DeviceStart(_ context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	p := path(device)
	if err := syscall.Mkfifo(p, fifoMode); err != nil && !os.IsExist(err) {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return fmt.Errorf("fifoout: mkfifo %s: %w", p, err)
	}

	// Opening for write blocks until a reader attaches; do that off the
	// calling goroutine so DeviceStart itself never blocks the player.
	go func() {
		f, err := os.OpenFile(p, os.O_WRONLY, os.ModeNamedPipe)
		if err != nil {
			slog.Warn("fifo open failed", "path", p, "error", err)
			if cb != nil {
				cb(device, outputs.StateFailed)
			}
			return
		}
		s := &session{path: p, file: f}
		b.mu.Lock()
		b.sessions[device.ID] = s
		b.mu.Unlock()
		device.Session = s
		if cb != nil {
			cb(device, outputs.StateConnected)
			cb(device, outputs.StateStreaming)
		}
	}()
	return nil
}

func (b *Backend) DeviceStop(_ context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	b.mu.Lock()
	s, ok := b.sessions[device.ID]
	delete(b.sessions, device.ID)
	b.mu.Unlock()
	if ok {
		s.mu.Lock()
		_ = s.file.Close()
		s.mu.Unlock()
	}
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
	p := path(device)
	if _, err := os.Stat(p); err != nil && !os.IsNotExist(err) {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return err
	}
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return nil
}

func (b *Backend) DeviceVolumeSet(_ context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	// A raw PCM pipe has no volume control of its own.
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return nil
}

func (b *Backend) DeviceVolumeToPct(*outputs.Device, string) int { return 100 }

func (b *Backend) DeviceFreeExtra(*outputs.Device) {}

// Write drains the source-quality chunk (index 0) to every open session.
// The write is a plain blocking file write: if a reader has stalled and
// the pipe buffer is full, Write waits until the reader makes room.
// Write errors are logged and the chunk is not retried.
func (b *Backend) Write(buf *outputs.Buffer) {
	data := buf.Data[0]
	if len(data.Buffer) == 0 {
		return
	}
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if _, err := s.file.Write(data.Buffer); err != nil {
			slog.Warn("fifo write failed", "path", s.path, "error", err)
		}
		s.mu.Unlock()
	}
}
