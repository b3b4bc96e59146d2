package cast

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"

	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/quality"
	"github.com/tobiasen/meridian/internal/rtp"
)

const (
	controlPort = 8009
	appIDPrimary = "85CDB22F"
	appIDFallback = "0F5096E8"
)

type castState int

const (
	castDisconnected castState = iota
	castConnecting
	castAppLaunched
	castMediaReady
	castStreaming
)

type session struct {
	mu    sync.Mutex
	state castState

	device *outputs.Device
	conn   *tls.Conn

	udp        net.Conn
	rtp        *rtp.Session
	frameID    uint8
	requestID  int
	sourceID   string
}

func (s *session) nextRequestID() int {
	s.requestID++
	return s.requestID
}

// Backend is the Chromecast output driver.
type Backend struct {
	mu       sync.Mutex
	sessions map[uint64]*session
}

// New returns a ready-to-initialize Chromecast backend.
func New() *Backend {
	return &Backend{sessions: make(map[uint64]*session)}
}

func (b *Backend) Name() string  { return "Chromecast" }
func (b *Backend) Type() string  { return "cast" }
func (b *Backend) Priority() int { return 2 }

func (b *Backend) Init() error { return nil }
func (b *Backend) Deinit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}
	b.sessions = make(map[uint64]*session)
}

func (b *Backend) DeviceStart(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	addr := device.V4Address
	if addr == "" {
		addr = device.V6Address
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tlsConn, err := (&tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}).DialContext(
		dialCtx, "tcp", net.JoinHostPort(addr, fmt.Sprintf("%d", controlPort)))
	if err != nil {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return fmt.Errorf("cast: dial %s: %w", device.Name, err)
	}

	q := device.Quality
	if !q.Valid() {
		q = quality.Default
	}
	rtpSession, err := rtp.NewSession(97, q, 300, uint32(q.SampleRate))
	if err != nil {
		_ = tlsConn.Close()
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return err
	}

	s := &session{
		state:    castConnecting,
		device:   device,
		conn:     tlsConn.(*tls.Conn),
		rtp:      rtpSession,
		sourceID: "sender-" + uuid.NewString(),
	}
	b.mu.Lock()
	b.sessions[device.ID] = s
	b.mu.Unlock()
	device.Session = s

	go b.runSession(ctx, s, cb)
	return nil
}

// runSession drives CONNECT -> GET_STATUS -> LAUNCH -> CONNECT(in-app) ->
// MEDIA GET_STATUS -> OFFER. LAUNCH is sent with the primary app id only;
// no reply is read, so the fallback id is never tried.
func (b *Backend) runSession(ctx context.Context, s *session, cb outputs.StatusCallback) {
	send := func(ns, payload, destination string) error {
		msg := &CastMessage{SourceID: s.sourceID, DestinationID: destination, Namespace: ns, PayloadUTF8: payload}
		raw := msg.Marshal()
		if _, err := s.conn.Write(frameLength(raw)); err != nil {
			return err
		}
		_, err := s.conn.Write(raw)
		return err
	}

	if err := send(NSConnection, `{"type":"CONNECT"}`, "receiver-0"); err != nil {
		b.fail(s, cb, err)
		return
	}
	if err := send(NSReceiver, fmt.Sprintf(`{"type":"GET_STATUS","requestId":%d}`, s.nextRequestID()), "receiver-0"); err != nil {
		b.fail(s, cb, err)
		return
	}

	launched := false
	for _, appID := range []string{appIDPrimary, appIDFallback} {
		payload := fmt.Sprintf(`{"type":"LAUNCH","appId":"%s","requestId":%d}`, appID, s.nextRequestID())
		if err := send(NSReceiver, payload, "receiver-0"); err != nil {
			b.fail(s, cb, err)
			return
		}
		// RECEIVER_STATUS is not read, so the first successful send
		// counts as a launch and the loop stops after the primary id.
		launched = true
		break
	}
	if !launched {
		b.fail(s, cb, fmt.Errorf("cast: no app id accepted"))
		return
	}

	s.mu.Lock()
	s.state = castAppLaunched
	s.mu.Unlock()

	if err := send(NSConnection, `{"type":"CONNECT"}`, "receiver-0"); err != nil {
		b.fail(s, cb, err)
		return
	}
	if err := send(NSMedia, fmt.Sprintf(`{"type":"GET_STATUS","requestId":%d}`, s.nextRequestID()), "receiver-0"); err != nil {
		b.fail(s, cb, err)
		return
	}

	offer := buildOfferSDP(s.rtp.Quality())
	if err := send(NSWebRTC, offer, "receiver-0"); err != nil {
		b.fail(s, cb, err)
		return
	}

	// A real ANSWER carries the receiver's chosen UDP port; lacking a
	// read loop to parse it (see readLengthPrefixed), media streams to
	// the device's well-known Cast media port on the control address.
	host, _, _ := net.SplitHostPort(s.conn.RemoteAddr().String())
	udpConn, err := net.Dial("udp", net.JoinHostPort(host, "8009"))
	if err != nil {
		b.fail(s, cb, fmt.Errorf("cast: dial media socket: %w", err))
		return
	}
	s.mu.Lock()
	s.udp = udpConn
	s.mu.Unlock()
	go b.readFeedback(s)

	s.mu.Lock()
	s.state = castMediaReady
	s.mu.Unlock()

	if cb != nil {
		cb(s.device, outputs.StateConnected)
		cb(s.device, outputs.StateStreaming)
	}
	s.mu.Lock()
	s.state = castStreaming
	s.mu.Unlock()
}

func (b *Backend) fail(s *session, cb outputs.StatusCallback, err error) {
	slog.Warn("cast session failed", "device", s.device.Name, "error", err)
	if cb != nil {
		cb(s.device, outputs.StateFailed)
	}
}

// buildOfferSDP constructs the JSON OFFER payload (no SDP text) listing
// an Opus audio stream at q's rate and channel count plus a placeholder
// VP8 video stream, as Chromecast's OFFER message always negotiates both.
func buildOfferSDP(q quality.Quality) string {
	return fmt.Sprintf(`{"type":"OFFER","seqNum":1,"offer":{"castMode":"mirroring",`+
		`"supportedStreams":[{"index":0,"type":"audio_source","codecName":"opus",`+
		`"sampleRate":%d,"channels":%d,"targetDelay":400},`+
		`{"index":1,"type":"video_source","codecName":"vp8","targetDelay":400}]}}`,
		q.SampleRate, q.Channels)
}

func (b *Backend) DeviceStop(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	b.mu.Lock()
	s, ok := b.sessions[device.ID]
	delete(b.sessions, device.ID)
	b.mu.Unlock()
	if ok {
		s.mu.Lock()
		if s.udp != nil {
			_ = s.udp.Close()
		}
		_ = s.conn.Close()
		s.mu.Unlock()
	}
	device.Session = nil
	if cb != nil {
		cb(device, outputs.StateStopped)
	}
	return nil
}

func (b *Backend) DeviceFlush(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return nil
}

func (b *Backend) DeviceProbe(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	if err := b.DeviceStart(ctx, device, nil); err != nil {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return err
	}
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return b.DeviceStop(ctx, device, nil)
}

func (b *Backend) DeviceVolumeSet(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	b.mu.Lock()
	s, ok := b.sessions[device.ID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("cast: no session for device %q", device.Name)
	}
	payload := fmt.Sprintf(`{"type":"SET_VOLUME","volume":{"level":%.3f},"requestId":%d}`,
		float64(device.Volume)/100.0, s.nextRequestID())
	msg := &CastMessage{SourceID: s.sourceID, DestinationID: "receiver-0", Namespace: NSReceiver, PayloadUTF8: payload}
	raw := msg.Marshal()
	if _, err := s.conn.Write(frameLength(raw)); err != nil {
		return err
	}
	_, err := s.conn.Write(raw)
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return err
}

func (b *Backend) DeviceVolumeToPct(device *outputs.Device, value string) int {
	var level float64
	if _, err := fmt.Sscanf(value, "%f", &level); err != nil {
		return device.Volume
	}
	return int(level * 100)
}

func (b *Backend) DeviceQualitySet(context.Context, *outputs.Device, quality.Quality, outputs.StatusCallback) error {
	return nil
}
func (b *Backend) DeviceFreeExtra(*outputs.Device) {}
func (b *Backend) Authorize(string)                {}
func (b *Backend) MetadataPrepare(int, any) any     { return nil }
func (b *Backend) MetadataSend(any, uint64, uint64, bool) {}
func (b *Backend) MetadataPurge()                   {}
func (b *Backend) MetadataPrune(uint64)              {}

// Write frames the source-quality chunk in the 11-byte Cast header and
// ships it over each session's UDP media connection. Retransmission on a
// NACK is handled by readFeedback/answerRetransmit from the RTP ring
// buffer this session keeps for its own quality.
func (b *Backend) Write(buf *outputs.Buffer) {
	data := buf.Data[0]
	if len(data.Buffer) == 0 {
		return
	}
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.state != castStreaming || s.udp == nil {
			s.mu.Unlock()
			continue
		}
		s.frameID++
		header := buildCastHeader(s.frameID, 0, 0, 0, 400)
		pkt := s.rtp.Next(data.Buffer, data.Samples, false)
		raw, err := pkt.Marshal()
		if err == nil {
			_, _ = s.udp.Write(append(header, raw...))
		}
		s.mu.Unlock()
	}
}

// readFeedback reads RTCP packets off the media socket and answers any
// NACK feedback by replaying the requested sequence numbers from the
// session's RTP ring buffer; the device reuses the generic RTCP
// transport-layer NACK rather than Chromecast's own CAST FCI extension
// for simple retransmit requests.
func (b *Backend) readFeedback(s *session) {
	buf := make([]byte, 1500)
	for {
		s.mu.Lock()
		udp := s.udp
		s.mu.Unlock()
		if udp == nil {
			return
		}
		n, err := udp.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			nack, ok := pkt.(*rtcp.TransportLayerNack)
			if !ok {
				continue
			}
			var seqs []uint16
			for _, pair := range nack.Nacks {
				seqs = append(seqs, pair.PacketList()...)
			}
			answerRetransmit(s, seqs)
		}
	}
}

// answerRetransmit replays frame/packet ranges a device's RTCP feedback
// asked for, looking them up in the shared RTP ring buffer by sequence
// number.
func answerRetransmit(s *session, seqnums []uint16) {
	for _, seq := range seqnums {
		pkt, ok := s.rtp.Lookup(seq)
		if !ok {
			continue
		}
		raw, err := pkt.Marshal()
		if err != nil {
			continue
		}
		header := buildCastHeader(s.frameID, 0, 0, 0, 400)
		_, _ = s.udp.Write(append(header, raw...))
	}
}

// readLengthPrefixed reads one length-prefixed CastMessage frame from r.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
