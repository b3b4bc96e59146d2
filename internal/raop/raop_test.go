package raop

import (
	"testing"

	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"

	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/quality"
)

func TestDetectDeviceType(t *testing.T) {
	cases := map[string]deviceType{
		"AirPort4,107": deviceAPEXGen2,
		"AirPort10,115": deviceAPEXGen3,
		"AppleTV5,3":    deviceAppleTV4,
		"AppleTV2,1":    deviceAppleTV,
		"AudioAccessory5,1": deviceHomePod,
		"Roku":          deviceOther,
	}
	for am, want := range cases {
		assert.Equal(t, want, DetectDeviceType(am), "am=%s", am)
	}
}

func TestStateTransitionDAG(t *testing.T) {
	assert.True(t, CanTransitionTo(StateDisconnected, StateStartup))
	assert.True(t, CanTransitionTo(StateStartup, StatePassword))
	assert.False(t, CanTransitionTo(StateDisconnected, StateStreaming))
	assert.True(t, CanTransitionTo(StateConnected, StateStreaming))
	assert.True(t, CanTransitionTo(StateStreaming, StateTeardown))
}

func TestFrameALACHeaderAndLength(t *testing.T) {
	q := quality.Default
	samples := 4
	pcm := make([]byte, samples*q.BytesPerFrame())
	for i := range pcm {
		pcm[i] = byte(i + 1)
	}
	out := frameALAC(pcm, samples, q)

	assert.Equal(t, 3+samples*q.Channels*q.BytesPerSample(), len(out))
	assert.Equal(t, byte(0b00100000), out[0])
	assert.Equal(t, byte(0), out[1])
	assert.Equal(t, byte(0), out[2])
}

func TestVolumeToPctBounds(t *testing.T) {
	b := New(Config{})
	d := &outputs.Device{}

	assert.Equal(t, 0, b.DeviceVolumeToPct(d, "-30.0"))
	assert.Equal(t, 100, b.DeviceVolumeToPct(d, "0.0"))
	assert.Equal(t, 50, b.DeviceVolumeToPct(d, "-15.0"))
}

func TestParseDigestChallenge(t *testing.T) {
	chal, err := digest.ParseChallenge(`Digest realm="raop", nonce="abc123"`)
	assert.NoError(t, err)
	assert.Equal(t, "raop", chal.Realm)
	assert.Equal(t, "abc123", chal.Nonce)
}

func TestEncryptALACPayloadLeavesTrailingPartialBlockClear(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	payload := make([]byte, 40) // two whole 16-byte blocks + an 8-byte tail
	for i := range payload {
		payload[i] = byte(i)
	}

	out, err := encryptALACPayload(payload, key, iv)
	assert.NoError(t, err)
	assert.Len(t, out, len(payload))
	assert.NotEqual(t, payload[:32], out[:32])
	assert.Equal(t, payload[32:], out[32:])
}

func TestEncryptALACPayloadIVNotChainedAcrossCalls(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	first, err := encryptALACPayload(payload, key, iv)
	assert.NoError(t, err)
	second, err := encryptALACPayload(payload, key, iv)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParseSetupTransport(t *testing.T) {
	s := &session{}
	parseSetupTransport("RTP/AVP/UDP;unicast;server_port=6000;control_port=6001;timing_port=6002", s)
	assert.Equal(t, 6000, s.serverPort)
	assert.Equal(t, 6001, s.controlPort)
	assert.Equal(t, 6002, s.timingPort)
}
