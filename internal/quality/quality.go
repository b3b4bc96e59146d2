// Package quality defines the audio quality value type shared by every
// output backend and the player's tick driver.
package quality

import "fmt"

// Quality describes the sample format of one stream of audio: rate,
// bit depth, and channel count. Backends subscribe to a Quality; the
// player synthesises one chunk per distinct subscription each tick.
type Quality struct {
	SampleRate    int // Hz
	BitsPerSample int // 16, 24, or 32
	Channels      int // 1-8
}

// Default is 44.1kHz/16-bit/stereo, the baseline AirPlay 1 quality.
var Default = Quality{SampleRate: 44100, BitsPerSample: 16, Channels: 2}

// Valid reports whether q has all non-zero, in-range fields.
func (q Quality) Valid() bool {
	switch {
	case q.SampleRate <= 0:
		return false
	case q.BitsPerSample != 16 && q.BitsPerSample != 24 && q.BitsPerSample != 32:
		return false
	case q.Channels < 1 || q.Channels > 8:
		return false
	}
	return true
}

// BytesPerSample is BitsPerSample/8, the per-channel sample width in bytes.
func (q Quality) BytesPerSample() int {
	return q.BitsPerSample / 8
}

// BytesPerFrame is the size in bytes of one multi-channel audio frame.
func (q Quality) BytesPerFrame() int {
	return q.BytesPerSample() * q.Channels
}

// SamplesForDuration returns how many samples make up msec milliseconds
// at this quality's sample rate, rounding down.
func (q Quality) SamplesForDuration(msec int) int {
	return q.SampleRate * msec / 1000
}

// Equal reports whether two qualities describe the same stream shape.
func (q Quality) Equal(o Quality) bool {
	return q == o
}

func (q Quality) String() string {
	return fmt.Sprintf("%d/%d/%dch", q.SampleRate, q.BitsPerSample, q.Channels)
}
