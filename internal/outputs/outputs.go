// Package outputs defines the contract between the player and a media
// output backend (RAOP, Chromecast, ALSA, PulseAudio, a FIFO, Roku RCP, or
// the no-op dummy backend). Adding a new backend means implementing
// Backend; the player and the device registry never need to change.
//
// A backend only ever reaches back into the player through the
// StatusCallback it was handed on a call that started an async operation
// (DeviceStart, DeviceStop, DeviceFlush, DeviceProbe, DeviceVolumeSet,
// DeviceQualitySet); it never calls into the player directly.
package outputs

import (
	"context"
	"time"

	"github.com/tobiasen/meridian/internal/quality"
)

// MaxQualitySubscriptions bounds how many distinct Quality values the
// registry will mix audio for in a single tick. Backends that need a
// specific quality (most AirPlay 1 speakers require 44100/16/2) ask for
// it via Registry.QualitySubscribe; multiple backends asking for the same
// quality share one subscription slot.
const MaxQualitySubscriptions = 5

// BufferDuration is how much audio, in seconds, a backend should buffer
// ahead of the current play position before starting audible playback.
// Not freely adjustable: many AirPlay 1 receivers ignore whatever buffer
// size they're told and assume 2 seconds regardless.
const BufferDuration = 2 * time.Second

// State is a device's current session lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStartup
	StateConnected
	StateStreaming
	StateFailed   State = -1
	StatePassword State = -2
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStartup:
		return "startup"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	case StatePassword:
		return "password"
	default:
		return "unknown"
	}
}

// Device is one entry in the registry: an output the player knows about,
// whether or not it is currently selected for playback. ExtraInfo and
// Session are backend-owned; the registry and player never look inside
// them.
type Device struct {
	ID   uint64
	Name string

	Type     string // backend's Type(), used to route calls
	TypeName string // human-readable, e.g. "AirPlay"

	Selected      bool
	Advertised    bool
	HasPassword   bool
	HasVideo      bool
	RequiresAuth  bool
	V6Disabled    bool

	Password string
	AuthKey  string

	Volume int // 0-100
	RelVol int

	Quality quality.Quality

	V4Address string
	V6Address string
	V4Port    int
	V6Port    int

	// ExtraInfo is backend-private per-device state, e.g. an mDNS TXT
	// record snapshot or a remembered device-type quirk flag.
	ExtraInfo any
	// Session is the backend-private live session handle, non-nil only
	// while a session is open (state >= StateStartup).
	Session any
}

// Data is one quality's worth of audio for a single tick: the PCM for
// that subscription, already in that quality's sample format.
type Data struct {
	Quality quality.Quality
	Buffer  []byte
	Samples int
}

// Buffer is what the player hands each backend's Write once per tick: the
// same tick's audio mixed at every subscribed quality, plus the
// presentation timestamp the tick represents.
type Buffer struct {
	WriteCounter uint32
	PTS          time.Time
	Data         [MaxQualitySubscriptions + 1]Data
}

// StatusCallback is how a backend reports the outcome of an asynchronous
// device operation back to whoever issued it (almost always the player,
// occasionally the registry itself during startup discovery).
type StatusCallback func(device *Device, status State)

// Backend is the vtable every output driver implements. Calls that take
// a StatusCallback are asynchronous: the backend may call back from any
// goroutine, possibly after the call that started the operation has
// returned, and possibly more than once if more than one device session
// is affected by a single call.
type Backend interface {
	// Name is the human-readable backend name, e.g. "AirPlay".
	Name() string
	// Type is the short routing key stored on Device.Type.
	Type() string
	// Priority orders autoselection: 1 is highest, 0 means "never
	// autoselect this backend's devices."
	Priority() int

	// Init starts the backend (discovery listeners, background
	// goroutines). Called once at startup.
	Init() error
	// Deinit stops everything Init started. Called once at shutdown.
	Deinit()

	// DeviceStart prepares a playback session on device.
	DeviceStart(ctx context.Context, device *Device, cb StatusCallback) error
	// DeviceStop closes a session opened by DeviceStart.
	DeviceStop(ctx context.Context, device *Device, cb StatusCallback) error
	// DeviceFlush discards any buffered-but-unplayed audio for device's
	// session without closing it.
	DeviceFlush(ctx context.Context, device *Device, cb StatusCallback) error
	// DeviceProbe tests reachability of device without opening a
	// lasting session.
	DeviceProbe(ctx context.Context, device *Device, cb StatusCallback) error
	// DeviceVolumeSet pushes device.Volume to the device.
	DeviceVolumeSet(ctx context.Context, device *Device, cb StatusCallback) error
	// DeviceVolumeToPct converts the backend's native volume
	// representation (e.g. a RAOP dB float string, an ALSA integer percent) to
	// the 0-100 scale the player and UI use.
	DeviceVolumeToPct(device *Device, value string) int
	// DeviceQualitySet asks the device to switch to a different audio
	// quality mid-session.
	DeviceQualitySet(ctx context.Context, device *Device, q quality.Quality, cb StatusCallback) error
	// DeviceFreeExtra releases device.ExtraInfo. Called when a device
	// is removed from the registry.
	DeviceFreeExtra(device *Device)

	// Write delivers one tick's audio to every session this backend
	// owns. Never blocks on network I/O; backends that need to pace
	// writes do so on their own goroutine, buffering between ticks.
	Write(buf *Buffer)

	// Authorize supplies a pin code for backends that need one-time
	// pairing (RAOP pair-setup with a PIN-protected device).
	Authorize(pin string)

	// MetadataPrepare packages now-playing metadata (title, artist,
	// artwork) for later MetadataSend calls, tagged with id so a later
	// prune can discard it once playback moves past that position. meta
	// is the collab.TrackMetadata the caller wants packaged; backends
	// that don't support metadata ignore it and return nil.
	MetadataPrepare(id int, meta any) any
	// MetadataSend pushes previously prepared metadata out to every
	// session, timed to rtptime/offset into the stream.
	MetadataSend(metadata any, rtptime, offset uint64, startup bool)
	// MetadataPurge discards all pending prepared metadata immediately
	// (e.g. on playback stop).
	MetadataPurge()
	// MetadataPrune discards prepared metadata older than rtptime.
	MetadataPrune(rtptime uint64)
}

// NopExtras implements the Backend methods that most drivers have no use
// for (authorization, metadata, quality renegotiation), so a concrete
// backend can embed it and only override what it actually needs.
type NopExtras struct{}

func (NopExtras) DeviceQualitySet(context.Context, *Device, quality.Quality, StatusCallback) error {
	return nil
}
func (NopExtras) Authorize(string)                                  {}
func (NopExtras) MetadataPrepare(int, any) any                       { return nil }
func (NopExtras) MetadataSend(any, uint64, uint64, bool)              {}
func (NopExtras) MetadataPurge()                                     {}
func (NopExtras) MetadataPrune(uint64)                                {}
