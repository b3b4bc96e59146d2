// Package registry holds the live list of output devices and routes every
// player command (start, stop, flush, probe, volume, quality, write,
// metadata) to the right backend. It is the Go counterpart of outputs.c:
// backends never see each other, and the player never needs a type switch
// to know which backend a device belongs to.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/quality"
)

// Registry is safe for concurrent use: the player's tick goroutine calls
// Write on every tick while discovery and RPC-driven commands add,
// remove, and reconfigure devices from other goroutines.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]outputs.Backend // keyed by Backend.Type()
	order    []string                   // backend types, priority order (1 = highest) for autoselect

	devices map[uint64]*outputs.Device

	subs map[quality.Quality]int // refcount per subscribed quality
}

// New builds a registry and calls Init on every backend. A backend whose
// Init fails is marked disabled and excluded from every later dispatch,
// mirroring the C original's per-backend disabled flag; it does not
// prevent the other backends from starting.
func New(backends ...outputs.Backend) (*Registry, error) {
	r := &Registry{
		backends: make(map[string]outputs.Backend, len(backends)),
		devices:  make(map[uint64]*outputs.Device),
		subs:     make(map[quality.Quality]int),
	}

	ok := false
	for _, b := range backends {
		t := b.Type()
		if _, dup := r.backends[t]; dup {
			return nil, fmt.Errorf("registry: duplicate backend type %q", t)
		}
		if err := b.Init(); err != nil {
			slog.Warn("output backend failed to initialize, disabling", "backend", t, "error", err)
			continue
		}
		r.backends[t] = b
		ok = true
	}
	if !ok {
		return nil, fmt.Errorf("registry: no output backend initialized successfully")
	}

	r.order = make([]string, 0, len(r.backends))
	for t := range r.backends {
		r.order = append(r.order, t)
	}
	sort.Slice(r.order, func(i, j int) bool {
		return r.backends[r.order[i]].Priority() < r.backends[r.order[j]].Priority()
	})

	return r, nil
}

// Deinit calls Deinit on every live backend.
func (r *Registry) Deinit() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		b.Deinit()
	}
}

func (r *Registry) backendFor(device *outputs.Device) (outputs.Backend, error) {
	b, ok := r.backends[device.Type]
	if !ok {
		return nil, fmt.Errorf("registry: no backend for device type %q (device %q)", device.Type, device.Name)
	}
	return b, nil
}

// Get returns the device with the given id, if it is currently registered.
func (r *Registry) Get(id uint64) (*outputs.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Devices returns a snapshot of every currently registered device.
func (r *Registry) Devices() []*outputs.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*outputs.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Add registers a newly discovered or reconfigured device. If a device
// with the same ID is already registered, its mutable fields are updated
// in place and the existing pointer is returned (matching outputs.c's
// "ownership of add is transferred" contract: add should not be touched
// by the caller afterward, only the returned value). newDeselect controls
// whether a device that was previously selected gets deselected when its
// advertisement disappears and reappears; defaultVolume seeds the volume
// field the first time a device is seen.
func (r *Registry) Add(add *outputs.Device, newDeselect bool, defaultVolume int) *outputs.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[add.ID]
	if !ok {
		if add.Volume == 0 {
			add.Volume = defaultVolume
		}
		r.devices[add.ID] = add
		slog.Info("output device added", "id", add.ID, "name", add.Name, "type", add.Type)
		return add
	}

	existing.Name = add.Name
	existing.TypeName = add.TypeName
	existing.Advertised = true
	existing.HasPassword = add.HasPassword
	existing.HasVideo = add.HasVideo
	existing.RequiresAuth = add.RequiresAuth
	existing.V6Disabled = add.V6Disabled
	existing.Password = add.Password
	existing.V4Address = add.V4Address
	existing.V6Address = add.V6Address
	existing.V4Port = add.V4Port
	existing.V6Port = add.V6Port
	if newDeselect {
		existing.Selected = false
	}
	return existing
}

// Remove marks a device unadvertised and leaves it in the registry; Free
// is what drops it. A device that still has an active session (it may
// still be streaming) is also logged; outputs_device_free in the original
// would log a bug report in that case, so this does too.
func (r *Registry) Remove(device *outputs.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[device.ID]
	if !ok {
		return
	}
	d.Advertised = false
	if d.Session != nil {
		slog.Warn("output device removed while a session is still open", "id", d.ID, "name", d.Name)
	}
}

// Free releases a device's backend-owned extra info and drops it from
// the registry. Must not be called while the device has an open session.
func (r *Registry) Free(device *outputs.Device) {
	r.mu.Lock()
	b, err := r.backendFor(device)
	if err == nil {
		if device.Session != nil {
			slog.Warn("freeing output device with an active session", "id", device.ID, "name", device.Name)
		}
		b.DeviceFreeExtra(device)
	}
	delete(r.devices, device.ID)
	r.mu.Unlock()
}

// SessionAdd records that device now has a live backend session handle.
func (r *Registry) SessionAdd(deviceID uint64, session any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("registry: session_add: unknown device %d", deviceID)
	}
	d.Session = session
	return nil
}

// SessionRemove clears a device's session handle.
func (r *Registry) SessionRemove(deviceID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.Session = nil
	}
}

// QualitySubscribe registers interest in mixing buf at quality q. Multiple
// subscribers to the same quality share one slot; MaxQualitySubscriptions
// distinct qualities may be active at once.
func (r *Registry) QualitySubscribe(q quality.Quality) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[q]; exists {
		r.subs[q]++
		return nil
	}
	if len(r.subs) >= outputs.MaxQualitySubscriptions {
		return fmt.Errorf("registry: quality subscription limit (%d) reached", outputs.MaxQualitySubscriptions)
	}
	r.subs[q] = 1
	return nil
}

// QualityUnsubscribe releases one reference to q, dropping the
// subscription entirely once the refcount reaches zero.
func (r *Registry) QualityUnsubscribe(q quality.Quality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.subs[q]
	if !ok {
		return
	}
	if n <= 1 {
		delete(r.subs, q)
		return
	}
	r.subs[q] = n - 1
}

// Subscriptions returns every quality currently subscribed to, not
// including the player's own base/default quality.
func (r *Registry) Subscriptions() []quality.Quality {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]quality.Quality, 0, len(r.subs))
	for q := range r.subs {
		out = append(out, q)
	}
	return out
}

// Start asks device's backend to open a playback session.
func (r *Registry) Start(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	r.mu.RLock()
	b, err := r.backendFor(device)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return b.DeviceStart(ctx, device, cb)
}

// Stop asks device's backend to close its playback session.
func (r *Registry) Stop(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	r.mu.RLock()
	b, err := r.backendFor(device)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return b.DeviceStop(ctx, device, cb)
}

// Flush asks device's backend to discard buffered-but-unplayed audio.
func (r *Registry) Flush(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	r.mu.RLock()
	b, err := r.backendFor(device)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return b.DeviceFlush(ctx, device, cb)
}

// Probe asks device's backend to test reachability without a lasting
// session.
func (r *Registry) Probe(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	r.mu.RLock()
	b, err := r.backendFor(device)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return b.DeviceProbe(ctx, device, cb)
}

// VolumeSet pushes device.Volume out to the device.
func (r *Registry) VolumeSet(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	r.mu.RLock()
	b, err := r.backendFor(device)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return b.DeviceVolumeSet(ctx, device, cb)
}

// VolumeToPct converts a backend-native volume string to the 0-100 scale.
func (r *Registry) VolumeToPct(device *outputs.Device, value string) (int, error) {
	r.mu.RLock()
	b, err := r.backendFor(device)
	r.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	return b.DeviceVolumeToPct(device, value), nil
}

// QualitySet asks device's backend to renegotiate its streaming quality.
func (r *Registry) QualitySet(ctx context.Context, device *outputs.Device, q quality.Quality, cb outputs.StatusCallback) error {
	r.mu.RLock()
	b, err := r.backendFor(device)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return b.DeviceQualitySet(ctx, device, q, cb)
}

// Write delivers one tick's audio to every live backend. Backends decide
// for themselves which of their own sessions, if any, should receive it.
// Each backend writes on its own goroutine so one backend's slow network
// I/O doesn't delay delivery to the others within the same tick.
func (r *Registry) Write(buf *outputs.Buffer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var g errgroup.Group
	for _, t := range r.order {
		b := r.backends[t]
		g.Go(func() error {
			b.Write(buf)
			return nil
		})
	}
	_ = g.Wait()
}

// Authorize supplies a pairing pin to every backend of the given type.
func (r *Registry) Authorize(backendType, pin string) {
	r.mu.RLock()
	b, ok := r.backends[backendType]
	r.mu.RUnlock()
	if ok {
		b.Authorize(pin)
	}
}

// metadataEntry pairs a backend type with the metadata it prepared, the
// Go analogue of the original's output_metadata linked list.
type metadataEntry struct {
	backendType string
	metadata    any
}

// Metadata is what MetadataPrepare returns: one prepared payload per
// backend that has something to send, looked up by backend type when
// MetadataSend fans it back out.
type Metadata struct {
	entries []metadataEntry
}

// MetadataPrepare asks every backend to package now-playing metadata
// tagged with id, collecting only the backends that produced something.
func (r *Registry) MetadataPrepare(id int, meta any) *Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md := &Metadata{}
	for _, t := range r.order {
		m := r.backends[t].MetadataPrepare(id, meta)
		if m == nil {
			continue
		}
		md.entries = append(md.entries, metadataEntry{backendType: t, metadata: m})
	}
	return md
}

// MetadataSend fans previously prepared metadata back out to the backends
// that produced it, timed to rtptime/offset into the stream.
func (r *Registry) MetadataSend(md *Metadata, rtptime, offset uint64, startup bool) {
	if md == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range md.entries {
		if b, ok := r.backends[e.backendType]; ok {
			b.MetadataSend(e.metadata, rtptime, offset, startup)
		}
	}
}

// MetadataPurge tells every backend to discard pending prepared metadata.
func (r *Registry) MetadataPurge() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.order {
		r.backends[t].MetadataPurge()
	}
}

// MetadataPrune tells every backend to discard prepared metadata older
// than rtptime.
func (r *Registry) MetadataPrune(rtptime uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.order {
		r.backends[t].MetadataPrune(rtptime)
	}
}

// Priority returns device's backend's autoselect priority (1 is highest,
// 0 means never autoselect).
func (r *Registry) Priority(device *outputs.Device) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.backends[device.Type]; ok {
		return b.Priority()
	}
	return 0
}

// Name returns the human-readable name of a backend type.
func (r *Registry) Name(backendType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.backends[backendType]; ok {
		return b.Name()
	}
	return ""
}
