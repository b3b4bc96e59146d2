// Package alsaout drives a local ALSA output device through PortAudio.
// It keeps a drift estimate and a proposed sample-rate step per session;
// the step is not applied, so streams always run at the nominal rate.
package alsaout

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/quality"
)

// driftWindow is how many latency samples the drift corrector keeps for
// its linear regression.
const driftWindow = 100

// driftStepHz is the size of one correction step applied to the stream's
// effective sample rate.
const driftStepHz = 50.0

// maxDriftSteps bounds how far the corrector will push the rate away
// from nominal before giving up and just living with the drift.
const maxDriftSteps = 8

// drift tracks recent (tick, latency-in-samples) pairs and decides when
// accumulated clock drift calls for a small rate nudge.
type drift struct {
	samples []float64 // latency in samples, most recent last
	steps   int        // current correction, in units of driftStepHz
}

func (d *drift) push(latencySamples float64) {
	d.samples = append(d.samples, latencySamples)
	if len(d.samples) > driftWindow {
		d.samples = d.samples[len(d.samples)-driftWindow:]
	}
}

// slope returns the least-squares slope of latency against sample index,
// and r-squared as a goodness-of-fit measure.
func (d *drift) slope() (m, r2 float64) {
	n := float64(len(d.samples))
	if n < 2 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX, sumYY float64
	for i, y := range d.samples {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
		sumYY += y * y
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	m = (n*sumXY - sumX*sumY) / denom
	b := (sumY - m*sumX) / n
	var ssRes, ssTot float64
	meanY := sumY / n
	for i, y := range d.samples {
		x := float64(i)
		pred := m*x + b
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	if ssTot == 0 {
		return m, 0
	}
	return m, 1 - ssRes/ssTot
}

// correct decides whether the accumulated drift or instantaneous latency
// error justifies a further speed step, returns the new correction in Hz.
func (d *drift) correct(latencySamples float64) float64 {
	d.push(latencySamples)
	m, r2 := d.slope()

	driftPerSec := m * 100 // ticks assumed 10ms apart (the player's default); see Backend.Write
	switch {
	case math.Abs(driftPerSec) > 16 && r2 > 0.2:
		if driftPerSec > 0 && d.steps < maxDriftSteps {
			d.steps++
		} else if driftPerSec < 0 && d.steps > -maxDriftSteps {
			d.steps--
		}
	case math.Abs(latencySamples) > 480 && r2 > 0.2:
		if latencySamples > 0 && d.steps < maxDriftSteps {
			d.steps++
		} else if latencySamples < 0 && d.steps > -maxDriftSteps {
			d.steps--
		}
	}
	return float64(d.steps) * driftStepHz
}

type session struct {
	mu     sync.Mutex
	device *outputs.Device
	stream *portaudio.Stream
	buf    []float32
	q      quality.Quality
	drift  drift
}

// Backend is the ALSA/PortAudio local-sink output driver.
type Backend struct {
	mu       sync.Mutex
	sessions map[uint64]*session
	outputs.NopExtras
}

// New returns a ready-to-initialize ALSA backend.
func New() *Backend {
	return &Backend{sessions: make(map[uint64]*session)}
}

func (b *Backend) Name() string  { return "ALSA" }
func (b *Backend) Type() string  { return "alsa" }
func (b *Backend) Priority() int { return 3 }

func (b *Backend) Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("alsaout: portaudio init: %w", err)
	}
	b.sessions = make(map[uint64]*session)
	return nil
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

// findDevice resolves device.ExtraInfo (an ALSA device name, set during
// discovery) to a PortAudio host device, falling back to the system
// default output.
func findDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name == name && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return portaudio.DefaultOutputDevice()
}

func (b *Backend) DeviceStart(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	q := device.Quality
	if !q.Valid() {
		q = quality.Default
	}

	name, _ := device.ExtraInfo.(string)
	dev, err := findDevice(name)
	if err != nil {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return fmt.Errorf("alsaout: resolve device: %w", err)
	}

	buf := make([]float32, q.SamplesForDuration(20)*q.Channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: q.Channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(q.SampleRate),
		FramesPerBuffer: len(buf) / q.Channels,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return fmt.Errorf("alsaout: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return fmt.Errorf("alsaout: start stream: %w", err)
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
	if _, err := findDevice(name); err != nil {
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
	// PortAudio has no device volume knob; ALSA devices are mixed in
	// software by scaling samples in Write.
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
// buffer, applying each session's volume. It feeds the session's drift
// tracker, but the rate step the tracker returns is discarded.
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

		// PortAudio doesn't expose a live buffered-sample count, so the
		// drift corrector tracks the gap between what this tick asked to
		// write and the quality's nominal per-tick sample count as its
		// latency proxy.
		nominal := s.q.SamplesForDuration(10)
		s.drift.correct(float64(data.Samples - nominal))

		if err := s.stream.Write(); err != nil {
			slog.Warn("alsaout write", "device", s.device.Name, "error", err)
		}
		s.mu.Unlock()
	}
}
