package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/quality"
)

type fakeBackend struct {
	outputs.NopExtras
	typ      string
	priority int
	initErr  error
	writes   int
	freed    []uint64
}

func (f *fakeBackend) Name() string     { return "Fake " + f.typ }
func (f *fakeBackend) Type() string     { return f.typ }
func (f *fakeBackend) Priority() int    { return f.priority }
func (f *fakeBackend) Init() error      { return f.initErr }
func (f *fakeBackend) Deinit()          {}
func (f *fakeBackend) DeviceStart(context.Context, *outputs.Device, outputs.StatusCallback) error {
	return nil
}
func (f *fakeBackend) DeviceStop(context.Context, *outputs.Device, outputs.StatusCallback) error {
	return nil
}
func (f *fakeBackend) DeviceFlush(context.Context, *outputs.Device, outputs.StatusCallback) error {
	return nil
}
func (f *fakeBackend) DeviceProbe(context.Context, *outputs.Device, outputs.StatusCallback) error {
	return nil
}
func (f *fakeBackend) DeviceVolumeSet(context.Context, *outputs.Device, outputs.StatusCallback) error {
	return nil
}
func (f *fakeBackend) DeviceVolumeToPct(*outputs.Device, string) int { return 50 }
func (f *fakeBackend) DeviceFreeExtra(d *outputs.Device)             { f.freed = append(f.freed, d.ID) }
func (f *fakeBackend) Write(*outputs.Buffer)                        { f.writes++ }

func TestNewSkipsBackendsThatFailInit(t *testing.T) {
	good := &fakeBackend{typ: "good", priority: 1}
	bad := &fakeBackend{typ: "bad", priority: 2, initErr: assertErr("boom")}

	r, err := New(good, bad)
	require.NoError(t, err)

	_, ok := r.Get(1)
	assert.False(t, ok)
	assert.Equal(t, "Fake good", r.Name("good"))
	assert.Equal(t, "", r.Name("bad"), "a backend that failed Init should be excluded entirely")
}

func TestNewFailsWhenEveryBackendFailsInit(t *testing.T) {
	bad := &fakeBackend{typ: "bad", initErr: assertErr("boom")}
	_, err := New(bad)
	assert.Error(t, err)
}

func TestAddThenGetRoundTrips(t *testing.T) {
	b := &fakeBackend{typ: "raop", priority: 1}
	r, err := New(b)
	require.NoError(t, err)

	d := &outputs.Device{ID: 42, Name: "Kitchen", Type: "raop"}
	r.Add(d, false, 50)

	got, ok := r.Get(42)
	require.True(t, ok)
	assert.Equal(t, "Kitchen", got.Name)
	assert.Equal(t, 50, got.Volume, "first-seen device should get the default volume")
}

func TestAddUpdatesExistingDeviceInPlace(t *testing.T) {
	b := &fakeBackend{typ: "raop", priority: 1}
	r, err := New(b)
	require.NoError(t, err)

	first := &outputs.Device{ID: 7, Name: "Old Name", Type: "raop", Selected: true}
	r.Add(first, false, 0)

	second := &outputs.Device{ID: 7, Name: "New Name", Type: "raop"}
	returned := r.Add(second, true, 0)

	assert.Same(t, first, returned, "Add should mutate and return the existing pointer, not the new one")
	assert.Equal(t, "New Name", returned.Name)
	assert.False(t, returned.Selected, "newDeselect should clear Selected on re-advertisement")
}

func TestQualitySubscribeSharesSlotForSameQuality(t *testing.T) {
	b := &fakeBackend{typ: "raop", priority: 1}
	r, err := New(b)
	require.NoError(t, err)

	require.NoError(t, r.QualitySubscribe(quality.Default))
	require.NoError(t, r.QualitySubscribe(quality.Default))
	assert.Len(t, r.Subscriptions(), 1)

	r.QualityUnsubscribe(quality.Default)
	assert.Len(t, r.Subscriptions(), 1, "refcount should still be 1 after one unsubscribe")
	r.QualityUnsubscribe(quality.Default)
	assert.Len(t, r.Subscriptions(), 0)
}

func TestQualitySubscribeEnforcesLimit(t *testing.T) {
	b := &fakeBackend{typ: "raop", priority: 1}
	r, err := New(b)
	require.NoError(t, err)

	for i := 0; i < outputs.MaxQualitySubscriptions; i++ {
		q := quality.Quality{SampleRate: 44100 + i, BitsPerSample: 16, Channels: 2}
		require.NoError(t, r.QualitySubscribe(q))
	}
	overflow := quality.Quality{SampleRate: 99999, BitsPerSample: 16, Channels: 2}
	assert.Error(t, r.QualitySubscribe(overflow))
}

func TestWriteFansOutToEveryBackend(t *testing.T) {
	a := &fakeBackend{typ: "a", priority: 1}
	b := &fakeBackend{typ: "b", priority: 2}
	r, err := New(a, b)
	require.NoError(t, err)

	r.Write(&outputs.Buffer{})
	assert.Equal(t, 1, a.writes)
	assert.Equal(t, 1, b.writes)
}

func TestFreeCallsBackendAndRemovesDevice(t *testing.T) {
	b := &fakeBackend{typ: "raop", priority: 1}
	r, err := New(b)
	require.NoError(t, err)

	d := &outputs.Device{ID: 9, Type: "raop"}
	r.Add(d, false, 0)
	r.Free(d)

	_, ok := r.Get(9)
	assert.False(t, ok)
	assert.Equal(t, []uint64{9}, b.freed)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
