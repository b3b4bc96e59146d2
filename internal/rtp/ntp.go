package rtp

import "time"

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// NTPTimestamp is a 64-bit NTP short format timestamp: 32 bits of whole
// seconds since the NTP epoch, 32 bits of fractional seconds.
type NTPTimestamp uint64

// Seconds returns the whole-seconds field.
func (t NTPTimestamp) Seconds() uint32 { return uint32(t >> 32) }

// Fraction returns the fractional-seconds field.
func (t NTPTimestamp) Fraction() uint32 { return uint32(t) }

// ToTime converts an NTP timestamp to a time.Time.
func (t NTPTimestamp) ToTime() time.Time {
	secs := int64(t.Seconds()) - ntpEpochOffset
	nsecs := (int64(t.Fraction()) * 1e9) >> 32
	return time.Unix(secs, nsecs).UTC()
}

// TimeToNTP converts a time.Time to its NTP timestamp representation.
// Round-tripping a value through TimeToNTP then ToTime and back is
// identity to within the NTP fraction field's resolution (about 233ps).
func TimeToNTP(t time.Time) NTPTimestamp {
	secs := uint32(t.Unix() + ntpEpochOffset)
	frac := uint32((int64(t.Nanosecond()) << 32) / 1e9)
	return NTPTimestamp(secs)<<32 | NTPTimestamp(frac)
}

// Now returns the current time as an NTP timestamp.
func Now() NTPTimestamp {
	return TimeToNTP(time.Now())
}
