// Package airptp implements a minimal PTPv2 (IEEE 1588) grandmaster
// sufficient to satisfy AirPlay 2 devices that expect one on the local
// network: Announce/Sync/Follow-Up/Delay-Resp/PDelay-Resp on the
// standard event (319) and general (320) UDP ports, plus an
// OwnTone-flavoured signaling TLV used for loopback peer add/remove.
package airptp

import (
	"encoding/binary"
	"fmt"
)

const (
	EventPort   = 319
	GeneralPort = 320

	portIdentitySize = 10
	headerSize       = 34
	timestampSize    = 10
)

type msgType uint8

const (
	msgSync             msgType = 0x00
	msgDelayReq         msgType = 0x01
	msgPDelayReq        msgType = 0x02
	msgPDelayResp       msgType = 0x03
	msgFollowUp         msgType = 0x08
	msgDelayResp        msgType = 0x09
	msgPDelayRespFollow msgType = 0x0A
	msgAnnounce         msgType = 0x0B
	msgSignaling        msgType = 0x0C
)

const flagTwoStep uint16 = 1 << 9

// header is the 34-byte PTPv2 common header.
type header struct {
	MessageType        msgType
	VersionPTP         uint8
	MessageLength      uint16
	DomainNumber       uint8
	Flags              uint16
	CorrectionField    int64
	SourcePortIdentity [portIdentitySize]byte
	SequenceID         uint16
	ControlField       uint8
	LogMessageInterval int8
}

func (h *header) marshal() []byte {
	b := make([]byte, headerSize)
	b[0] = byte(h.MessageType)
	b[1] = h.VersionPTP
	binary.BigEndian.PutUint16(b[2:4], h.MessageLength)
	b[4] = h.DomainNumber
	// b[5] reserved1
	binary.BigEndian.PutUint16(b[6:8], h.Flags)
	binary.BigEndian.PutUint64(b[8:16], uint64(h.CorrectionField))
	// b[16:20] reserved2
	copy(b[20:30], h.SourcePortIdentity[:])
	binary.BigEndian.PutUint16(b[30:32], h.SequenceID)
	b[32] = h.ControlField
	b[33] = byte(h.LogMessageInterval)
	return b
}

func unmarshalHeader(b []byte) (*header, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("airptp: short header (%d bytes)", len(b))
	}
	h := &header{
		MessageType:        msgType(b[0]),
		VersionPTP:         b[1],
		MessageLength:       binary.BigEndian.Uint16(b[2:4]),
		DomainNumber:        b[4],
		Flags:               binary.BigEndian.Uint16(b[6:8]),
		CorrectionField:     int64(binary.BigEndian.Uint64(b[8:16])),
		SequenceID:          binary.BigEndian.Uint16(b[30:32]),
		ControlField:        b[32],
		LogMessageInterval:  int8(b[33]),
	}
	copy(h.SourcePortIdentity[:], b[20:30])
	return h, nil
}

// timestamp is the 10-byte PTP timestamp: 48-bit seconds, 32-bit nanoseconds.
type timestamp struct {
	SecondsHi  uint16
	SecondsLow uint32
	Nanoseconds uint32
}

func (t timestamp) marshal() []byte {
	b := make([]byte, timestampSize)
	binary.BigEndian.PutUint16(b[0:2], t.SecondsHi)
	binary.BigEndian.PutUint32(b[2:6], t.SecondsLow)
	binary.BigEndian.PutUint32(b[6:10], t.Nanoseconds)
	return b
}

func unmarshalTimestamp(b []byte) timestamp {
	return timestamp{
		SecondsHi:   binary.BigEndian.Uint16(b[0:2]),
		SecondsLow:  binary.BigEndian.Uint32(b[2:6]),
		Nanoseconds: binary.BigEndian.Uint32(b[6:10]),
	}
}

func timestampFromNanos(ns int64) timestamp {
	sec := ns / 1e9
	nsec := ns % 1e9
	return timestamp{
		SecondsHi:   uint16(sec >> 32),
		SecondsLow:  uint32(sec),
		Nanoseconds: uint32(nsec),
	}
}

// clockIdentity is the 8-byte PTP clock identity. The top 16 bits are
// forced to 0xFFFF to mark it as a non-EUI-64 identity (IEEE 1588
// §7.5.2.2.3); the low 48 bits come from the configured seed.
type clockIdentity uint64

func newClockIdentity(seed uint64) clockIdentity {
	return clockIdentity((uint64(0xFFFF) << 48) | (seed & 0xFFFFFFFFFFFF))
}

func (c clockIdentity) portIdentity(port uint16) [portIdentitySize]byte {
	var pid [portIdentitySize]byte
	binary.BigEndian.PutUint64(pid[0:8], uint64(c))
	binary.BigEndian.PutUint16(pid[8:10], port)
	return pid
}

// buildAnnounce assembles an Announce message: fixed grandmaster quality
// (class 6 = GPS-locked, accuracy 0x21 = within 100ns, variance 0x436A),
// priority 128, zero steps removed, GPS time source, and a 12-byte Apple
// path-trace TLV carrying the clock id.
func buildAnnounce(id clockIdentity, seq uint16) []byte {
	h := header{
		MessageType:        msgAnnounce,
		VersionPTP:         2,
		DomainNumber:        0,
		SourcePortIdentity:  id.portIdentity(GeneralPort),
		SequenceID:          seq,
		ControlField:        0x05,
		LogMessageInterval:  0,
	}
	body := make([]byte, 0, 30+12)
	body = append(body, timestamp{}.marshal()...) // originTimestamp, zeroed
	body = append(body, 0, 0)                      // currentUtcOffset = 0
	body = append(body, 0)                         // reserved
	body = append(body, 128)                       // grandmasterPriority1
	body = append(body, 6, 0x21, 0x43, 0x6A)        // clockQuality class/accuracy/variance
	body = append(body, 128)                        // grandmasterPriority2
	gmID := make([]byte, 8)
	binary.BigEndian.PutUint64(gmID, uint64(id))
	body = append(body, gmID...) // grandmasterIdentity = clock id
	body = append(body, 0, 0)     // stepsRemoved = 0
	body = append(body, 0x20)     // timeSource = GPS
	body = append(body, pathTraceTLV(id)...)

	h.MessageLength = uint16(headerSize + len(body))
	return append(h.marshal(), body...)
}

// pathTraceTLV builds the 12-byte Apple path-trace TLV (type
// PTP_TLV_PATH_TRACE=0x0008, length 8, carrying one clock identity).
func pathTraceTLV(id clockIdentity) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint16(b[0:2], 0x0008)
	binary.BigEndian.PutUint16(b[2:4], 8)
	binary.BigEndian.PutUint64(b[4:12], uint64(id))
	return b
}

// buildSync builds a two-step Sync message (zeroed origin timestamp,
// TWO_STEP flag set) for the event port.
func buildSync(id clockIdentity, seq uint16) []byte {
	h := header{
		MessageType:         msgSync,
		VersionPTP:          2,
		Flags:                flagTwoStep,
		SourcePortIdentity:   id.portIdentity(EventPort),
		SequenceID:           seq,
		ControlField:         0x00,
		LogMessageInterval:   -3, // 125ms = 2^-3s
	}
	body := timestamp{}.marshal()
	h.MessageLength = uint16(headerSize + len(body))
	return append(h.marshal(), body...)
}

// buildFollowUp carries the precise send time of the matching Sync, plus
// the two Apple TLVs the real daemon emits unmodified content for.
func buildFollowUp(id clockIdentity, seq uint16, preciseOriginNS int64) []byte {
	h := header{
		MessageType:        msgFollowUp,
		VersionPTP:          2,
		SourcePortIdentity:  id.portIdentity(GeneralPort),
		SequenceID:          seq,
		ControlField:        0x02,
		LogMessageInterval:  -3,
	}
	body := timestampFromNanos(preciseOriginNS).marshal()
	body = append(body, make([]byte, 32)...) // tlv_apple1, fixed/unused content
	body = append(body, make([]byte, 20)...) // tlv_apple2, fixed/unused content
	h.MessageLength = uint16(headerSize + len(body))
	return append(h.marshal(), body...)
}

// buildDelayResp mirrors the sequenceId and requestingPortIdentity of an
// incoming DELAY_REQ, stamped with this clock's receive time.
func buildDelayResp(id clockIdentity, req *header, receiveNS int64) []byte {
	h := header{
		MessageType:        msgDelayResp,
		VersionPTP:          2,
		SourcePortIdentity:  id.portIdentity(GeneralPort),
		SequenceID:          req.SequenceID,
		ControlField:        0x03,
		LogMessageInterval:  0x7F,
	}
	body := timestampFromNanos(receiveNS).marshal()
	body = append(body, req.SourcePortIdentity[:]...)
	h.MessageLength = uint16(headerSize + len(body))
	return append(h.marshal(), body...)
}

// buildPDelayResp answers a PDELAY_REQ on the event port.
func buildPDelayResp(id clockIdentity, req *header, receiveNS int64) []byte {
	h := header{
		MessageType:        msgPDelayResp,
		VersionPTP:          2,
		Flags:               flagTwoStep,
		SourcePortIdentity:  id.portIdentity(EventPort),
		SequenceID:          req.SequenceID,
		ControlField:        0x05,
		LogMessageInterval:  0x7F,
	}
	body := timestampFromNanos(receiveNS).marshal()
	body = append(body, req.SourcePortIdentity[:]...)
	h.MessageLength = uint16(headerSize + len(body))
	return append(h.marshal(), body...)
}

// buildPDelayRespFollowUp follows buildPDelayResp with the precise
// response-origin timestamp on the general port.
func buildPDelayRespFollowUp(id clockIdentity, req *header, respondOriginNS int64) []byte {
	h := header{
		MessageType:        msgPDelayRespFollow,
		VersionPTP:          2,
		SourcePortIdentity:  id.portIdentity(GeneralPort),
		SequenceID:          req.SequenceID,
		ControlField:        0x05,
		LogMessageInterval:  0x7F,
	}
	body := timestampFromNanos(respondOriginNS).marshal()
	body = append(body, req.SourcePortIdentity[:]...)
	h.MessageLength = uint16(headerSize + len(body))
	return append(h.marshal(), body...)
}

// TLV organisation codes recognised in incoming Signaling messages.
var (
	orgIEEE = [3]byte{0x00, 0x80, 0xC2}
	orgApple = [3]byte{0x00, 0x0D, 0x93}
	orgOwn  = [3]byte{0x99, 0x99, 0x99}
)

const (
	ownSubtypePeerAdd = 0
	ownSubtypePeerDel = 1
)

// ownTLV is the loopback peer-add/remove TLV this process sends itself
// to mutate the daemon's peer table from another goroutine without
// touching daemon state directly.
type ownTLV struct {
	Subtype uint8
	PeerID  uint32
	Addr    string
}

// marshalOwnSignaling builds a full Signaling message (header + target
// port identity + the OwnTone TLV) addressed to 127.0.0.1:GeneralPort.
func marshalOwnSignaling(id clockIdentity, seq uint16, tlv ownTLV) []byte {
	h := header{
		MessageType:        msgSignaling,
		VersionPTP:          2,
		SourcePortIdentity:  id.portIdentity(GeneralPort),
		SequenceID:          seq,
		ControlField:        0x05,
		LogMessageInterval:  0x7F,
	}
	targetPort := make([]byte, portIdentitySize) // all-ones wildcard target per 1588
	for i := range targetPort {
		targetPort[i] = 0xFF
	}

	addrBytes := []byte(tlv.Addr)
	tlvBody := make([]byte, 0, 3+1+4+1+len(addrBytes))
	tlvBody = append(tlvBody, orgOwn[:]...)
	tlvBody = append(tlvBody, tlv.Subtype)
	peerID := make([]byte, 4)
	binary.BigEndian.PutUint32(peerID, tlv.PeerID)
	tlvBody = append(tlvBody, peerID...)
	tlvBody = append(tlvBody, byte(len(addrBytes)))
	tlvBody = append(tlvBody, addrBytes...)

	tlvHeader := make([]byte, 4)
	binary.BigEndian.PutUint16(tlvHeader[0:2], 0x0003) // ORGANIZATION_EXTENSION
	binary.BigEndian.PutUint16(tlvHeader[2:4], uint16(len(tlvBody)))

	body := append(targetPort, tlvHeader...)
	body = append(body, tlvBody...)

	h.MessageLength = uint16(headerSize + len(body))
	return append(h.marshal(), body...)
}

// parseOwnSignaling extracts an OwnTone TLV from a received Signaling
// message body (everything after the 34-byte header), if present.
func parseOwnSignaling(body []byte) (*ownTLV, bool) {
	if len(body) < portIdentitySize+4 {
		return nil, false
	}
	rest := body[portIdentitySize:]
	for len(rest) >= 4 {
		tlvType := binary.BigEndian.Uint16(rest[0:2])
		length := binary.BigEndian.Uint16(rest[2:4])
		if tlvType != 0x0003 || int(length) > len(rest)-4 {
			return nil, false
		}
		tlvBody := rest[4 : 4+int(length)]
		if len(tlvBody) >= 3 && [3]byte{tlvBody[0], tlvBody[1], tlvBody[2]} == orgOwn {
			if len(tlvBody) < 3+1+4+1 {
				return nil, false
			}
			subtype := tlvBody[3]
			peerID := binary.BigEndian.Uint32(tlvBody[4:8])
			addrLen := int(tlvBody[8])
			if len(tlvBody) < 9+addrLen {
				return nil, false
			}
			return &ownTLV{Subtype: subtype, PeerID: peerID, Addr: string(tlvBody[9 : 9+addrLen])}, true
		}
		rest = rest[4+int(length):]
	}
	return nil, false
}
