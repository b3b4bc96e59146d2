// Package pulseout drives a PulseAudio sink through PortAudio's "pulse"
// host API. PortAudio exposes every host API's devices through the same
// device list, so this backend differs from alsaout only in which
// devices it's willing to open and in being lower priority (Pulse sinks
// usually wrap the same ALSA hardware alsaout can already reach
// directly).
package pulseout

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/quality"
)

type session struct {
	mu     sync.Mutex
	device *outputs.Device
	stream *portaudio.Stream
	buf    []float32
	q      quality.Quality
}

// Backend is the PulseAudio/PortAudio local-sink output driver.
type Backend struct {
	mu       sync.Mutex
	sessions map[uint64]*session
	outputs.NopExtras
}

// New returns a ready-to-initialize PulseAudio backend.
func New() *Backend {
	return &Backend{sessions: make(map[uint64]*session)}
}

func (b *Backend) Name() string  { return "PulseAudio" }
func (b *Backend) Type() string  { return "pulse" }
func (b *Backend) Priority() int { return 4 }

func (b *Backend) Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("pulseout: portaudio init: %w", err)
	}
	devices, err := portaudio.Devices()
	if err != nil {
		_ = portaudio.Terminate()
		return err
	}
	if !hasPulseDevice(devices) {
		_ = portaudio.Terminate()
		return fmt.Errorf("pulseout: no pulse host api device available")
	}
	b.sessions = make(map[uint64]*session)
	return nil
}

func hasPulseDevice(devices []*portaudio.DeviceInfo) bool {
	for _, d := range devices {
		if d.MaxOutputChannels > 0 && strings.Contains(strings.ToLower(d.HostApi.Name), "pulse") {
			return true
		}
	}
	return false
}

func (b *Backend) Deinit() {
	b.mu.Lock()
	for _, s := range b.sessions {
		s.mu.Lock()
		if s.stream != nil {
			_ = s.stream.Stop()
			_ = s.stream.Close()
		}
		s.mu.Unlock()
	}
	b.sessions = make(map[uint64]*session)
	b.mu.Unlock()
	_ = portaudio.Terminate()
}

func findPulseDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.MaxOutputChannels == 0 || !strings.Contains(strings.ToLower(d.HostApi.Name), "pulse") {
			continue
		}
		if name == "" || d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("pulseout: no matching pulse sink for %q", name)
}

func (b *Backend) DeviceStart(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	q := device.Quality
	if !q.Valid() {
		q = quality.Default
	}

	name, _ := device.ExtraInfo.(string)
	dev, err := findPulseDevice(name)
	if err != nil {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return err
	}

	buf := make([]float32, q.SamplesForDuration(20)*q.Channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: q.Channels,
			Latency:  dev.DefaultHighOutputLatency,
		},
		SampleRate:      float64(q.SampleRate),
		FramesPerBuffer: len(buf) / q.Channels,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return err
	}

	s := &session{device: device, stream: stream, buf: buf, q: q}
	b.mu.Lock()
	b.sessions[device.ID] = s
	b.mu.Unlock()
	device.Session = s

	if cb != nil {
		cb(device, outputs.StateConnected)
		cb(device, outputs.StateStreaming)
	}
	return nil
}

func (b *Backend) DeviceStop(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	b.mu.Lock()
	s, ok := b.sessions[device.ID]
	delete(b.sessions, device.ID)
	b.mu.Unlock()
	if ok {
		s.mu.Lock()
		_ = s.stream.Stop()
		_ = s.stream.Close()
		s.mu.Unlock()
	}
	device.Session = nil
	if cb != nil {
		cb(device, outputs.StateStopped)
	}
	return nil
}

func (b *Backend) DeviceFlush(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	b.mu.Lock()
	s, ok := b.sessions[device.ID]
	b.mu.Unlock()
	if ok {
		s.mu.Lock()
		for i := range s.buf {
			s.buf[i] = 0
		}
		s.mu.Unlock()
	}
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return nil
}

func (b *Backend) DeviceProbe(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	name, _ := device.ExtraInfo.(string)
	if _, err := findPulseDevice(name); err != nil {
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

func (b *Backend) DeviceVolumeSet(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return nil
}

func (b *Backend) DeviceVolumeToPct(device *outputs.Device, value string) int {
	var pct int
	if _, err := fmt.Sscanf(value, "%d", &pct); err != nil {
		return device.Volume
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (b *Backend) DeviceFreeExtra(device *outputs.Device) {}

func pcm16ToFloat(raw []byte, out []float32, volume int) {
	scale := float32(volume) / 100.0
	for i := 0; i+1 < len(raw) && i/2 < len(out); i += 2 {
		v := int16(raw[i]) | int16(raw[i+1])<<8
		out[i/2] = (float32(v) / 32768.0) * scale
	}
}

// Write mixes this tick's audio into every open session's PortAudio
// buffer at each session's own volume.
func (b *Backend) Write(buf *outputs.Buffer) {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		var data *outputs.Data
		for i := range buf.Data {
			if buf.Data[i].Quality.Equal(s.q) {
				data = &buf.Data[i]
				break
			}
		}
		if data == nil || len(data.Buffer) == 0 {
			s.mu.Unlock()
			continue
		}
		if len(s.buf) < data.Samples*s.q.Channels {
			s.buf = make([]float32, data.Samples*s.q.Channels)
		}
		pcm16ToFloat(data.Buffer, s.buf[:data.Samples*s.q.Channels], s.device.Volume)
		if err := s.stream.Write(); err != nil {
			// The error is dropped without logging; PulseAudio sinks can
			// legitimately disappear mid-session (device unplugged,
			// pulse server restarted) without it being fatal to the
			// rest of playback.
			_ = err
		}
		s.mu.Unlock()
	}
}
