// Package collab names the contracts this module expects from components
// that are explicitly out of scope here: the library catalog and its
// SQLite-backed persistence, and the transcoder/input reader. Callers
// inject concrete types that satisfy these interfaces. mDNS browsing, by
// contrast, is implemented in this module (see internal/discovery); the
// Discovery interface below remains for callers that want to substitute
// their own browser, e.g. in tests.
package collab

import (
	"time"

	"github.com/tobiasen/meridian/internal/quality"
)

// InputFlags reports what happened on the most recent Read: several may
// be set on the same call (e.g. QUALITY and EOF together at a track
// boundary with a format change).
type InputFlags struct {
	StartNext bool // playback has moved on to the next queued item
	EOF       bool // no more data will ever be available from this source
	Error     bool // the source failed; player should treat as EOF+abort
	Metadata  bool // new now-playing metadata is available via Metadata()
	Quality   bool // the stream's quality changed; caller should re-query Quality()
}

// Input is the transcoder/reader collaborator: the player's tick driver
// pulls exactly one tick's worth of bytes from it per tick, nonblocking.
type Input interface {
	// Read fills buf with up to len(buf) bytes of PCM at the input's
	// current quality, nonblocking. It returns the number of bytes
	// actually written (which may be less than len(buf) on a short
	// read) and the flags observed during this read.
	Read(buf []byte) (n int, flags InputFlags, err error)

	// Quality returns the sample format of whatever Read will next
	// produce.
	Quality() quality.Quality

	// Metadata returns the now-playing metadata prepared since the
	// flags last carried Metadata, or nil if none is pending.
	Metadata() *TrackMetadata

	// NotifyOnReadable registers a one-shot callback to be invoked once
	// more data becomes available, used by the player to resume after
	// suspending on a read deficit.
	NotifyOnReadable(cb func())
}

// TrackMetadata is the now-playing information a backend needs to show
// progress/artwork to the user, already resolved by the catalog.
type TrackMetadata struct {
	QueueItemID uint32
	Title       string
	Artist      string
	Album       string
	ArtworkURL  string
	LengthMS    int
}

// DeviceRecord is the subset of OutputDevice persisted across restarts.
type DeviceRecord struct {
	ID        uint64
	Name      string
	Volume    int
	RelVol    int
	Selected  bool
	AuthKey   string
}

// Storage is the catalog/persistence collaborator. Every method may fail;
// callers log and continue, since the in-memory registry stays
// authoritative for the lifetime of the process.
type Storage interface {
	// LoadDevices returns every previously persisted device record.
	LoadDevices() ([]DeviceRecord, error)
	// SaveDevice upserts one device record, called at process exit for
	// every device the registry still knows about.
	SaveDevice(rec DeviceRecord) error
}

// DiscoveredService is what the mDNS browsing collaborator hands back for
// each _raop._tcp / _googlecast._tcp instance it sees, before this
// module's registry turns it into an OutputDevice.
type DiscoveredService struct {
	InstanceName string
	Host         string
	Port         int
	AddrV4       string
	AddrV6       string
	TXT          map[string]string
	SeenAt       time.Time
	Removed      bool // true if this call reports the service going away
}

// Discovery is the mDNS browsing collaborator: this module only consumes
// its callback shape, never performs resolution itself.
type Discovery interface {
	// Browse starts watching serviceType (e.g. "_raop._tcp") and
	// invokes cb for every service seen or removed, until stop is called.
	Browse(serviceType string, cb func(DiscoveredService)) (stop func(), err error)
}
