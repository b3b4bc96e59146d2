package raop

import (
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/tobiasen/meridian/internal/quality"
)

// frameALAC wraps one tick's raw PCM in the ALAC bit-stream framing RAOP
// expects: a 3-bit magic (0b001, "channels=1" meaning stereo per ALAC's
// own encoding), 15 bits of zeroed structural header fields (this encoder
// is a literal passthrough, never compressing), then the PCM samples
// re-packed from little-endian source order into big-endian octets.
//
// Payload length is 3 + samples*channels*bytesPerSample, matching the
// wire format description: the 18 header bits round up to 3 bytes, and
// nothing is added or dropped afterward.
func frameALAC(pcm []byte, samples int, q quality.Quality) []byte {
	bps := q.BytesPerSample()
	channels := q.Channels
	out := make([]byte, 3+samples*channels*bps)

	// 3 bits 0b001 followed by 15 zero bits, packed MSB-first into the
	// first 18 bits of a 24-bit (3-byte) field.
	out[0] = 0b00100000
	out[1] = 0
	out[2] = 0

	src := pcm
	dst := out[3:]
	n := samples * channels
	if len(src) < n*bps {
		n = len(src) / bps
	}
	for i := 0; i < n; i++ {
		for b := 0; b < bps; b++ {
			// source is little-endian; ALAC payload wants big-endian
			// octets, so byte order is reversed per sample.
			dst[i*bps+b] = src[i*bps+(bps-1-b)]
		}
	}
	return out
}

// buildAnnounceSDP constructs the ANNOUNCE request body: an SDP session
// description naming ALAC payload type 96 with its fmtp parameters, and,
// when the session requires encryption, the RSA-wrapped AES session key
// and IV.
func buildAnnounceSDP(s *session) string {
	q := s.rtp.Quality()

	attrs := []sdp.Attribute{
		{Key: "rtpmap", Value: "96 AppleLossless"},
		{Key: "fmtp", Value: fmt.Sprintf("96 352 0 %d 40 10 14 %d 255 0 0 %d",
			q.BitsPerSample, q.Channels, q.SampleRate)},
	}
	if s.encrypt {
		key, iv, err := newAESSessionKey()
		if err == nil {
			s.aesKey, s.aesIV = key, iv
			if enc, err := rsaEncryptSessionKey(key); err == nil {
				attrs = append(attrs, sdp.Attribute{Key: "rsaaeskey", Value: enc})
			}
			attrs = append(attrs, sdp.Attribute{Key: "aesiv", Value: base64NoPad(iv)})
		}
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username: "meridian", SessionID: sdp.NewSessionID(), SessionVersion: 0,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: localAddrHost(s.conn),
		},
		SessionName: "meridian",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN", AddressType: "IP4",
			Address: &sdp.Address{Address: hostOf(s.device.V4Address, s.device.V6Address)},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media: "audio", Port: sdp.RangedPort{Value: 0},
				Protos: []string{"RTP", "AVP"}, Formats: []string{"96"},
			},
			Attributes: attrs,
		}},
	}

	raw, err := desc.Marshal()
	if err != nil {
		// Marshal only fails on a malformed description, never on the
		// field values this function fills in; fall back to an empty
		// body rather than panic, the device will reject with an error.
		return ""
	}
	return string(raw)
}

func hostOf(v4, v6 string) string {
	if v4 != "" {
		return v4
	}
	return v6
}
