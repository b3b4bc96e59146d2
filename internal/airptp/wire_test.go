package airptp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockIdentityForcesTopBits(t *testing.T) {
	id := newClockIdentity(0x1234)
	assert.Equal(t, uint64(0xFFFF000000001234), uint64(id))
}

func TestPortIdentityEncodesClockAndPort(t *testing.T) {
	id := newClockIdentity(0xAABBCCDDEEFF)
	pid := id.portIdentity(GeneralPort)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, pid[0:8])
	assert.Equal(t, uint16(GeneralPort), uint16(pid[8])<<8|uint16(pid[9]))
}

func TestHeaderRoundTrip(t *testing.T) {
	id := newClockIdentity(42)
	raw := buildSync(id, 7)
	require.Len(t, raw, headerSize+timestampSize)

	h, err := unmarshalHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, msgSync, h.MessageType)
	assert.Equal(t, uint16(7), h.SequenceID)
	assert.Equal(t, flagTwoStep, h.Flags)
}

func TestBuildAnnounceCarriesPathTraceTLV(t *testing.T) {
	id := newClockIdentity(99)
	raw := buildAnnounce(id, 1)
	h, err := unmarshalHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, msgAnnounce, h.MessageType)
	assert.True(t, len(raw) > headerSize+30)
}

func TestBuildDelayRespMirrorsRequest(t *testing.T) {
	id := newClockIdentity(1)
	reqHeader := &header{
		MessageType:        msgDelayReq,
		SequenceID:         55,
		SourcePortIdentity: id.portIdentity(EventPort),
	}
	raw := buildDelayResp(id, reqHeader, 123456789)
	h, err := unmarshalHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, msgDelayResp, h.MessageType)
	assert.Equal(t, uint16(55), h.SequenceID)
}

func TestOwnSignalingRoundTrip(t *testing.T) {
	id := newClockIdentity(1)
	raw := marshalOwnSignaling(id, 3, ownTLV{Subtype: ownSubtypePeerAdd, PeerID: 77, Addr: "192.168.1.10"})

	h, err := unmarshalHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, msgSignaling, h.MessageType)

	tlv, ok := parseOwnSignaling(raw[headerSize:])
	require.True(t, ok)
	assert.Equal(t, uint8(ownSubtypePeerAdd), tlv.Subtype)
	assert.Equal(t, uint32(77), tlv.PeerID)
	assert.Equal(t, "192.168.1.10", tlv.Addr)
}

func TestParseOwnSignalingRejectsNonSignalingBody(t *testing.T) {
	id := newClockIdentity(1)
	raw := buildAnnounce(id, 1) // not a signaling message: no organization-extension TLV follows the first 10 bytes
	_, ok := parseOwnSignaling(raw[headerSize:])
	assert.False(t, ok)
}
