// Package rtp builds and buffers the RTP packets each output backend
// streams to its device. A Session owns one SSRC, one running sequence
// number / rtp-time position, and a fixed-size ring of the most recently
// built packets so a device's retransmit request (RAOP control channel
// NACK, Chromecast RTCP NACK) can be answered without re-encoding.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"

	"github.com/tobiasen/meridian/internal/quality"
)

// Packet is one built RTP packet, owned by its Session's ring buffer and
// reused in place when the ring wraps around onto it.
type Packet struct {
	Header  rtp.Header
	Payload []byte
	Samples int // frame count this payload represents, at the session's quality

	raw    []byte // marshaled header+payload, cached by Marshal
	rawLen int
}

// Seq is the packet's RTP sequence number, a convenience accessor onto
// the embedded header.
func (p *Packet) Seq() uint16 { return p.Header.SequenceNumber }

// Timestamp is the packet's rtp-time, a convenience accessor onto the
// embedded header.
func (p *Packet) Timestamp() uint32 { return p.Header.Timestamp }

// Marshal returns the wire bytes for the packet, computing them once and
// caching the result until the packet is reused by a later Next call.
func (p *Packet) Marshal() ([]byte, error) {
	if p.raw != nil {
		return p.raw[:p.rawLen], nil
	}
	buf, err := (&rtp.Packet{Header: p.Header, Payload: p.Payload}).Marshal()
	if err != nil {
		return nil, err
	}
	p.raw = buf
	p.rawLen = len(buf)
	return buf, nil
}

// Session tracks one RTP stream's SSRC, sequence/position counters, and a
// ring buffer of its most recently built packets. Exactly one goroutine
// should drive Next/the builder side; Lookup is safe to call concurrently
// from a retransmit handler.
type Session struct {
	mu sync.Mutex

	ssrc        uint32
	payloadType uint8
	seq         uint16
	pos         uint32 // rtp-time, wraps mod 2^32
	quality     quality.Quality

	ring    []*Packet
	ringPos int // index the next packet will be written to

	syncEachNSamples uint32
	syncCounter      uint32
	synced           bool // whether an initial (non-continuation) sync has gone out
}

// NewSession allocates a session with a random SSRC, random initial
// sequence number and rtp-time (per RFC 3550 §5.1, each "should be chosen
// randomly" so a passive observer can't predict the stream), and a ring
// sized for bufSize packets. RAOP sessions typically use 1000 (covering
// several seconds of retransmit window at 352 samples/packet); Chromecast
// uses a smaller window, around 300.
func NewSession(payloadType uint8, q quality.Quality, bufSize int, syncEachNSamples uint32) (*Session, error) {
	if bufSize <= 0 {
		return nil, fmt.Errorf("rtp: bufSize must be positive")
	}
	ssrc, err := randUint32()
	if err != nil {
		return nil, err
	}
	seq, err := randUint32()
	if err != nil {
		return nil, err
	}
	pos, err := randUint32()
	if err != nil {
		return nil, err
	}
	return &Session{
		ssrc:             ssrc,
		payloadType:      payloadType,
		seq:              uint16(seq),
		pos:              pos,
		quality:          q,
		ring:             make([]*Packet, bufSize),
		syncEachNSamples: syncEachNSamples,
	}, nil
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// SSRC returns the session's fixed synchronization source identifier.
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// Quality returns the stream's negotiated sample format.
func (s *Session) Quality() quality.Quality {
	return s.quality
}

// Pos returns the session's current rtp-time position (the timestamp the
// next packet built by Next will carry), in the sample domain.
func (s *Session) Pos() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Next builds the next packet in sequence: payload becomes the packet's
// payload, samples advances the rtp-time position, marker sets the RTP
// marker bit (set on the first packet of a new stream burst). The
// returned packet is owned by the ring; its bytes are valid until the
// ring wraps bufSize packets later and reuses the slot.
func (s *Session) Next(payload []byte, samples int, marker bool) *Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.ring[s.ringPos]
	if slot == nil {
		slot = &Packet{}
		s.ring[s.ringPos] = slot
	}
	slot.Header = rtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    s.payloadType,
		SequenceNumber: s.seq,
		Timestamp:      s.pos,
		SSRC:           s.ssrc,
	}
	slot.Payload = payload
	slot.Samples = samples
	slot.raw = nil
	slot.rawLen = 0

	s.ringPos = (s.ringPos + 1) % len(s.ring)
	s.seq++
	s.pos += uint32(samples)
	s.syncCounter += uint32(samples)

	return slot
}

// Lookup returns the packet currently holding sequence number seqnum, if
// it is still within the ring's retransmit window. Sequence comparison
// wraps mod 2^16, so this is correct across a seq rollover as long as the
// packet has not been overwritten by more than bufSize newer packets.
func (s *Session) Lookup(seqnum uint16) (*Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ring {
		if p != nil && p.Header.SequenceNumber == seqnum {
			return p, true
		}
	}
	return nil, false
}

// SyncDue reports whether enough samples have elapsed since the last sync
// packet to emit another one, per syncEachNSamples. Chromecast/RAOP both
// emit a timing-sync packet roughly once per second of audio.
func (s *Session) SyncDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncEachNSamples == 0 {
		return false
	}
	return !s.synced || s.syncCounter >= s.syncEachNSamples
}

// MarkSynced resets the sync counter after a sync packet has been sent,
// recording that the initial (non-continuation) sync has now gone out.
func (s *Session) MarkSynced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCounter = 0
	s.synced = true
}

// Flush resets the sync counter without marking the session as having
// completed its initial sync, forcing the next SyncDue check to report
// true with the "initial" framing (used after a seek, where the receiver
// needs a fresh non-continuation anchor).
func (s *Session) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCounter = 0
	s.synced = false
}
