// Package cast implements the Chromecast output backend: a TLS control
// connection speaking the CastMessage protobuf wire format, WebRTC-style
// SDP offer/answer for audio setup, and a UDP media stream framed with
// the 11-byte Cast header.
//
// CastMessage has exactly the handful of scalar fields the device
// protocol uses, so rather than running protoc against Google's .proto
// definitions (out of reach here - no toolchain invocation), the message
// is hand-encoded with protowire, the same low-level wire primitives
// generated code itself calls into. It is still the real protobuf wire
// format, just assembled without generated accessors.
package cast

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Namespaces used across the Cast session lifecycle.
const (
	NSConnection = "urn:x-cast:com.google.cast.tp.connection"
	NSReceiver   = "urn:x-cast:com.google.cast.receiver"
	NSHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NSMedia      = "urn:x-cast:com.google.cast.media"
	NSWebRTC     = "urn:x-cast:com.google.cast.webrtc"
)

// payloadType mirrors the CastMessage.PayloadType enum (0 = STRING, the
// only variant this backend ever sends or expects).
const payloadTypeString = 0

// CastMessage is the subset of the real protobuf message this backend
// needs: protocol version, source/destination transport ids, namespace,
// and a UTF-8 JSON payload.
type CastMessage struct {
	SourceID      string
	DestinationID string
	Namespace     string
	PayloadUTF8   string
}

// Marshal encodes m as CastMessage wire bytes: field 1 protocol_version
// (varint, always 0), field 2 source_id, field 3 destination_id, field 4
// namespace, field 5 payload_type (varint), field 6 payload_utf8.
func (m *CastMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 0)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.SourceID)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, m.DestinationID)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, m.Namespace)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, payloadTypeString)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendString(b, m.PayloadUTF8)
	return b
}

// UnmarshalCastMessage decodes the fields Marshal writes, ignoring any
// fields this backend doesn't care about (binary payloads, protocol
// version variants).
func UnmarshalCastMessage(buf []byte) (*CastMessage, error) {
	m := &CastMessage{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("cast: malformed tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("cast: malformed varint: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("cast: malformed bytes field: %w", protowire.ParseError(n))
			}
			switch num {
			case 2:
				m.SourceID = string(v)
			case 3:
				m.DestinationID = string(v)
			case 4:
				m.Namespace = string(v)
			case 6:
				m.PayloadUTF8 = string(v)
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("cast: malformed field: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

// frameLength prefixes a CastMessage with Chromecast's 4-byte big-endian
// length header.
func frameLength(msg []byte) []byte {
	n := len(msg)
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// castHeaderSize is the fixed 11-byte header on every UDP media packet:
// k, r, frame_id, packet_id, max_packet_id, ref_frame_id, ext_type,
// ext_size, new_playout_delay_ms (2 bytes).
const castHeaderSize = 11

// buildCastHeader assembles the 11-byte Cast UDP media header.
func buildCastHeader(frameID, packetID, maxPacketID, refFrameID uint8, playoutDelayMS uint16) []byte {
	return []byte{
		0x01, // k=1
		0x01, // r=1
		frameID,
		packetID,
		maxPacketID,
		refFrameID,
		0x04, // ext_type
		0x02, // ext_size
		byte(playoutDelayMS >> 8),
		byte(playoutDelayMS),
		0x00,
	}
}
