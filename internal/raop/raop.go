// Package raop implements the AirPlay (RAOP) output backend: an RTSP
// control connection per device, ALAC-framed RTP audio shared across a
// master session keyed by (quality, encrypt), periodic clock sync, and
// NACK-driven retransmission from the RTP ring buffer.
package raop

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/quality"
	"github.com/tobiasen/meridian/internal/rtp"
)

// Config holds the UDP ports the backend's shared audio/control/timing
// services bind to. Zero means let the OS choose an ephemeral port.
type Config struct {
	AudioPort   int
	ControlPort int
	TimingPort  int
}

// State is a RAOP device session's position in the RTSP state machine.
type State int

const (
	StateDisconnected State = iota
	StateStartup
	StateOptions
	StateAnnounce
	StateSetup
	StateRecord
	StateConnected
	StateStreaming
	StateTeardown
	StatePassword
	StateFailed
)

var validTransitions = map[State][]State{
	StateDisconnected: {StateStartup},
	StateStartup:      {StateOptions, StatePassword, StateFailed},
	StateOptions:      {StateAnnounce, StatePassword, StateFailed},
	StateAnnounce:     {StateSetup, StateFailed},
	StateSetup:        {StateRecord, StateFailed},
	StateRecord:       {StateConnected, StateFailed},
	StateConnected:    {StateStreaming, StateTeardown, StateFailed},
	StateStreaming:    {StateConnected, StateTeardown, StateFailed},
	StateTeardown:     {StateDisconnected},
	StatePassword:     {StateStartup, StateFailed},
	StateFailed:       {StateDisconnected},
}

// CanTransitionTo reports whether the DAG permits from -> to.
func CanTransitionTo(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// deviceType is derived from the mDNS "am" TXT field, used to work around
// per-model quirks (legacy APEX digest auth username, 2-second buffer
// insistence, auth-setup support).
type deviceType int

const (
	deviceOther deviceType = iota
	deviceAPEXGen2
	deviceAPEXGen3
	deviceAppleTV4
	deviceAppleTV
	deviceHomePod
)

// DetectDeviceType maps the mDNS "am" (model) TXT field to a device
// quirk class, per the documented precedence (most specific match wins).
func DetectDeviceType(am string) deviceType {
	switch {
	case hasPrefix(am, "AppleTV5,3"):
		return deviceAppleTV4
	case hasPrefix(am, "AppleTV"):
		return deviceAppleTV
	case hasPrefix(am, "AudioAccessory"):
		return deviceHomePod
	case hasPrefix(am, "AirPort4"):
		return deviceAPEXGen2
	case hasPrefix(am, "AirPort"):
		return deviceAPEXGen3
	default:
		return deviceOther
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// deviceType classifies this session's device from the mDNS "am" TXT
// field the discovery layer stashes in Device.ExtraInfo.
func (s *session) deviceType() deviceType {
	am, _ := s.device.ExtraInfo.(string)
	return DetectDeviceType(am)
}

// needsAuthSetup reports whether this device is an AirPlay-2-class
// speaker that requires the auth-setup POST before ANNOUNCE: the
// AppleTV4/HomePod device classes, or any device whose "et" TXT field
// advertised support (surfaced as Device.RequiresAuth).
func (s *session) needsAuthSetup() bool {
	switch s.deviceType() {
	case deviceAppleTV4, deviceHomePod:
		return true
	default:
		return s.device.RequiresAuth
	}
}

// session is one device's live RTSP+RTP session.
type session struct {
	mu    sync.Mutex
	state State

	device *outputs.Device
	conn   net.Conn
	cseq   int

	sessionID    string
	serverPort   int
	controlPort  int
	timingPort   int

	encrypt bool
	aesKey  []byte
	aesIV   []byte

	rtp *rtp.Session

	// audioAddr/controlAddr/timingAddr are the device's UDP endpoints,
	// filled in from the SETUP response's Transport header once the
	// handshake reaches StateSetup. audioAddr nil means the session
	// isn't ready to receive streamed audio yet.
	audioAddr   *net.UDPAddr
	controlAddr *net.UDPAddr
	timingAddr  *net.UDPAddr

	// syncedOnce tracks whether this particular device has received its
	// one-time initial (0x90) sync packet; syncCounter/synced cadence
	// itself lives on the possibly-shared rtp.Session.
	syncedOnce bool

	reqsInFlight int
}

// masterKey identifies a shared master session: devices streaming the
// same quality with the same encryption requirement share one RTP
// session and one set of UDP sockets.
type masterKey struct {
	quality quality.Quality
	encrypt bool
}

// Backend is the RAOP output driver.
type Backend struct {
	cfg Config

	mu       sync.Mutex
	sessions map[uint64]*session
	masters  map[masterKey]*rtp.Session

	// audioConn/controlConn/timingConn are shared across every session:
	// one audio socket streams to every device's server_port, one
	// control socket answers retransmit requests and emits periodic
	// sync, one timing socket answers NTP-shaped PTP probes.
	audioConn   net.PacketConn
	controlConn net.PacketConn
	timingConn  net.PacketConn

	pendingPinSession *session
	pendingPinCB      outputs.StatusCallback
}

// New returns a ready-to-initialize RAOP backend.
func New(cfg Config) *Backend {
	return &Backend{
		cfg:      cfg,
		sessions: make(map[uint64]*session),
		masters:  make(map[masterKey]*rtp.Session),
	}
}

func (b *Backend) Name() string  { return "AirPlay" }
func (b *Backend) Type() string  { return "raop" }
func (b *Backend) Priority() int { return 1 } // highest: AirPlay is the flagship backend

// Init binds the three UDP sockets every session shares: audio (streamed
// data), control (retransmit NACKs in, periodic sync out), and timing
// (NTP-shaped PTP probes). A bound port of 0 in Config lets the OS choose
// an ephemeral one, same as every other listener in this module.
func (b *Backend) Init() error {
	audioConn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", b.cfg.AudioPort))
	if err != nil {
		return fmt.Errorf("raop: bind audio socket: %w", err)
	}
	controlConn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", b.cfg.ControlPort))
	if err != nil {
		_ = audioConn.Close()
		return fmt.Errorf("raop: bind control socket: %w", err)
	}
	timingConn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", b.cfg.TimingPort))
	if err != nil {
		_ = audioConn.Close()
		_ = controlConn.Close()
		return fmt.Errorf("raop: bind timing socket: %w", err)
	}

	b.audioConn = audioConn
	b.controlConn = controlConn
	b.timingConn = timingConn

	go b.controlReadLoop()
	go b.timingReadLoop()
	return nil
}

func (b *Backend) Deinit() {
	b.mu.Lock()
	for _, s := range b.sessions {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}
	b.sessions = make(map[uint64]*session)
	audioConn, controlConn, timingConn := b.audioConn, b.controlConn, b.timingConn
	b.audioConn, b.controlConn, b.timingConn = nil, nil, nil
	b.mu.Unlock()

	if audioConn != nil {
		_ = audioConn.Close()
	}
	if controlConn != nil {
		_ = controlConn.Close()
	}
	if timingConn != nil {
		_ = timingConn.Close()
	}
}

// localPort returns the ephemeral or configured port a shared socket
// ended up bound to, used to fill the SETUP Transport header with the
// port the device should actually address instead of the raw (possibly
// 0/"any") configured value.
func localPort(conn net.PacketConn) int {
	if conn == nil {
		return 0
	}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// controlReadLoop answers NACK-style retransmit requests arriving on the
// shared control socket: 0x80 0xd5, seq_start/seq_len at bytes 4..8.
func (b *Backend) controlReadLoop() {
	buf := make([]byte, 1500)
	for {
		b.mu.Lock()
		conn := b.controlConn
		b.mu.Unlock()
		if conn == nil {
			return
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < 8 || buf[0] != 0x80 || buf[1] != 0xd5 {
			continue
		}
		seqStart := binary.BigEndian.Uint16(buf[4:6])
		seqLen := binary.BigEndian.Uint16(buf[6:8])
		b.answerRetransmit(addr, seqStart, seqLen)
	}
}

// answerRetransmit replays the requested sequence-number window from the
// session's RTP ring buffer over the shared audio socket; a seqnum
// outside the buffered window is logged and skipped, the forward stream
// is unaffected.
func (b *Backend) answerRetransmit(addr net.Addr, seqStart, seqLen uint16) {
	s := b.sessionForAddr(addr)
	if s == nil {
		return
	}
	b.mu.Lock()
	audioConn := b.audioConn
	b.mu.Unlock()
	if audioConn == nil {
		return
	}
	s.mu.Lock()
	audioAddr := s.audioAddr
	s.mu.Unlock()
	if audioAddr == nil {
		return
	}
	for i := uint16(0); i < seqLen; i++ {
		seq := seqStart + i
		pkt, ok := s.rtp.Lookup(seq)
		if !ok {
			slog.Warn("raop: retransmit request outside buffered window", "device", s.device.Name, "seq", seq)
			continue
		}
		raw, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if _, err := audioConn.WriteTo(raw, audioAddr); err != nil {
			slog.Warn("raop: retransmit send failed", "device", s.device.Name, "error", err)
		}
	}
}

// sessionForAddr finds the session whose device sent from addr's IP,
// matching on IP alone since retransmit/timing requests originate from
// the device's control/timing ports, not its RTSP or audio port.
func (b *Backend) sessionForAddr(addr net.Addr) *session {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		s.mu.Lock()
		match := s.audioAddr != nil && s.audioAddr.IP.String() == host
		s.mu.Unlock()
		if match {
			return s
		}
	}
	return nil
}

// timingReadLoop answers NTP-shaped PTP timing probes on the shared
// timing socket: 0x80 0xd2 request carrying the client's transmit
// timestamp at bytes 24..31, answered with 0x80 0xd3 plus the copied
// client timestamp, a receive timestamp, and a transmit timestamp.
func (b *Backend) timingReadLoop() {
	buf := make([]byte, 1500)
	for {
		b.mu.Lock()
		conn := b.timingConn
		b.mu.Unlock()
		if conn == nil {
			return
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < 32 || buf[0] != 0x80 || buf[1] != 0xd2 {
			continue
		}
		recv := rtp.Now()

		resp := make([]byte, 28)
		resp[0] = 0x80
		resp[1] = 0xd3
		resp[2] = buf[2]
		resp[3] = 0x00
		copy(resp[4:12], buf[24:32])
		binary.BigEndian.PutUint64(resp[12:20], uint64(recv))
		binary.BigEndian.PutUint64(resp[20:28], uint64(rtp.Now()))

		if _, err := conn.WriteTo(resp, addr); err != nil {
			slog.Warn("raop: timing response failed", "error", err)
		}
	}
}

// sendSync emits one periodic sync packet addressed to s's device,
// marked 0x90 the first time this particular device is synced (even if
// it joined an already-streaming master session) and 0x80 thereafter.
func (b *Backend) sendSync(s *session) {
	b.mu.Lock()
	conn := b.controlConn
	b.mu.Unlock()
	s.mu.Lock()
	controlAddr := s.controlAddr
	initial := !s.syncedOnce
	rtpSess := s.rtp
	s.mu.Unlock()
	if conn == nil || controlAddr == nil || rtpSess == nil {
		return
	}

	pkt := make([]byte, 20)
	if initial {
		pkt[0] = 0x90
	} else {
		pkt[0] = 0x80
	}
	pkt[1] = 0xd4
	pkt[2] = 0x00
	pkt[3] = 0x07
	pos := rtpSess.Pos()
	now := rtp.Now()
	binary.BigEndian.PutUint32(pkt[4:8], pos)
	binary.BigEndian.PutUint32(pkt[8:12], now.Seconds())
	binary.BigEndian.PutUint32(pkt[12:16], now.Fraction())
	binary.BigEndian.PutUint32(pkt[16:20], pos)

	if _, err := conn.WriteTo(pkt, controlAddr); err != nil {
		slog.Warn("raop: sync send failed", "device", s.device.Name, "error", err)
		return
	}
	s.mu.Lock()
	s.syncedOnce = true
	s.mu.Unlock()
}

// masterFor returns the shared RTP session for (q, encrypt), creating one
// with a 1000-packet retransmit window (per the component design's
// typical size for AirPlay) if this is the first device needing it.
func (b *Backend) masterFor(q quality.Quality, encrypt bool) (*rtp.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := masterKey{quality: q, encrypt: encrypt}
	if m, ok := b.masters[key]; ok {
		return m, nil
	}
	syncEvery := uint32(q.SampleRate) // roughly one sync per second
	m, err := rtp.NewSession(96, q, 1000, syncEvery)
	if err != nil {
		return nil, err
	}
	b.masters[key] = m
	return m, nil
}

// transition enforces the RTSP state DAG: an illegal jump is not applied
// and is returned as an error instead. Staying in the current state is
// always allowed.
func (s *session) transition(to State) error {
	if !CanTransitionTo(s.state, to) && s.state != to {
		return fmt.Errorf("raop: illegal state transition %v -> %v", s.state, to)
	}
	s.state = to
	return nil
}

func (b *Backend) DeviceStart(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	addr := device.V4Address
	port := device.V4Port
	if addr == "" {
		addr = device.V6Address
		port = device.V6Port
	}
	if addr == "" {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return fmt.Errorf("raop: device %q has no address", device.Name)
	}

	q := device.Quality
	if !q.Valid() {
		q = quality.Default
	}
	master, err := b.masterFor(q, device.RequiresAuth)
	if err != nil {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return err
	}

	s := &session{state: StateDisconnected, device: device, rtp: master, encrypt: device.RequiresAuth}
	if err := s.transition(StateStartup); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
	if err != nil {
		_ = s.transition(StateFailed)
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return fmt.Errorf("raop: dial %s: %w", device.Name, err)
	}
	s.conn = conn

	go b.runHandshake(ctx, s, cb)

	b.mu.Lock()
	b.sessions[device.ID] = s
	b.mu.Unlock()
	device.Session = s

	return nil
}

// runHandshake drives OPTIONS -> (auth) -> ANNOUNCE -> SETUP -> RECORD on
// the session's own goroutine, reporting CONNECTED then STREAMING once
// the device is ready to receive audio, or FAILED/PASSWORD on any
// session-fatal or auth failure along the way.
func (b *Backend) runHandshake(ctx context.Context, s *session, cb outputs.StatusCallback) {
	conn := &rtspConn{conn: s.conn}

	if s.device.AuthKey != "" {
		if err := performPairVerify(ctx, conn, s); err != nil {
			b.fail(s, cb, err)
			return
		}
	}

	status, hdrs, err := conn.do(ctx, "OPTIONS", "*", nil, s.nextCSeq())
	if err != nil {
		b.fail(s, cb, err)
		return
	}
	if status == 401 {
		if err := conn.authenticate(ctx, hdrs, s); err != nil {
			_ = s.transition(StatePassword)
			if cb != nil {
				cb(s.device, outputs.StatePassword)
			}
			return
		}
	} else if status == 403 {
		if _, _, err := conn.do(ctx, "POST", "/pair-pin-start", nil, s.nextCSeq()); err != nil {
			b.fail(s, cb, err)
			return
		}
		_ = s.transition(StatePassword)
		b.mu.Lock()
		b.pendingPinSession = s
		b.pendingPinCB = cb
		b.mu.Unlock()
		if cb != nil {
			cb(s.device, outputs.StatePassword)
		}
		return
	}
	_ = s.transition(StateOptions)

	if s.needsAuthSetup() {
		pub, err := authSetupPublicKey()
		if err != nil {
			slog.Debug("raop: auth-setup keygen failed", "device", s.device.Name, "error", err)
		} else {
			body := append([]byte{0x01}, pub[:]...)
			if _, _, err := conn.do(ctx, "POST", "/auth-setup", body, s.nextCSeq(),
				headerField{"Content-Type", "application/octet-stream"}); err != nil {
				// The response is ignored by design; a transport error here
				// still isn't fatal, ANNOUNCE is attempted regardless.
				slog.Debug("raop: auth-setup POST failed", "device", s.device.Name, "error", err)
			}
		}
	}

	sdp := buildAnnounceSDP(s)
	_, _, err = conn.do(ctx, "ANNOUNCE", s.url(), []byte(sdp), s.nextCSeq())
	if err != nil {
		b.fail(s, cb, err)
		return
	}
	_ = s.transition(StateAnnounce)

	b.mu.Lock()
	localControlPort := localPort(b.controlConn)
	localTimingPort := localPort(b.timingConn)
	b.mu.Unlock()
	transportHdr := fmt.Sprintf(
		"RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d",
		localControlPort, localTimingPort)
	_, respHdrs, err := conn.do(ctx, "SETUP", s.url(), nil, s.nextCSeq(), headerField{"Transport", transportHdr})
	if err != nil {
		b.fail(s, cb, err)
		return
	}
	parseSetupTransport(respHdrs["Transport"], s)
	if sid := respHdrs["Session"]; sid != "" {
		s.sessionID = sid
	}
	s.mu.Lock()
	host := s.device.V4Address
	if host == "" {
		host = s.device.V6Address
	}
	if ip := net.ParseIP(host); ip != nil {
		if s.serverPort > 0 {
			s.audioAddr = &net.UDPAddr{IP: ip, Port: s.serverPort}
		}
		if s.controlPort > 0 {
			s.controlAddr = &net.UDPAddr{IP: ip, Port: s.controlPort}
		}
		if s.timingPort > 0 {
			s.timingAddr = &net.UDPAddr{IP: ip, Port: s.timingPort}
		}
	}
	s.mu.Unlock()
	_ = s.transition(StateSetup)

	rtpInfo := fmt.Sprintf("seq=%d;rtptime=%d", 0, s.rtp.Pos())
	_, _, err = conn.do(ctx, "RECORD", s.url(), nil, s.nextCSeq(), headerField{"RTP-Info", rtpInfo})
	if err != nil {
		b.fail(s, cb, err)
		return
	}
	_ = s.transition(StateRecord)
	_ = s.transition(StateConnected)
	if cb != nil {
		cb(s.device, outputs.StateConnected)
		cb(s.device, outputs.StateStreaming)
	}
	_ = s.transition(StateStreaming)
}

func (b *Backend) fail(s *session, cb outputs.StatusCallback, err error) {
	slog.Warn("raop session failed", "device", s.device.Name, "error", err)
	_ = s.transition(StateFailed)
	if cb != nil {
		cb(s.device, outputs.StateFailed)
	}
}

func (s *session) nextCSeq() int {
	s.cseq++
	return s.cseq
}

func (s *session) url() string {
	return fmt.Sprintf("rtsp://%s/%d", localAddrHost(s.conn), s.device.ID)
}

func localAddrHost(conn net.Conn) string {
	if conn == nil {
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return conn.LocalAddr().String()
	}
	return host
}

func (b *Backend) DeviceStop(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	b.mu.Lock()
	s, ok := b.sessions[device.ID]
	delete(b.sessions, device.ID)
	b.mu.Unlock()
	if !ok {
		if cb != nil {
			cb(device, outputs.StateStopped)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		conn := &rtspConn{conn: s.conn}
		_, _, _ = conn.do(ctx, "TEARDOWN", s.url(), nil, s.nextCSeq())
		_ = s.conn.Close()
	}
	_ = s.transition(StateTeardown)
	_ = s.transition(StateDisconnected)
	device.Session = nil
	if cb != nil {
		cb(device, outputs.StateStopped)
	}
	return nil
}

func (b *Backend) DeviceFlush(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	b.mu.Lock()
	s, ok := b.sessions[device.ID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("raop: no session for device %q", device.Name)
	}
	conn := &rtspConn{conn: s.conn}
	_, _, err := conn.do(ctx, "FLUSH", s.url(), nil, s.nextCSeq())
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return err
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
		return fmt.Errorf("raop: no session for device %q", device.Name)
	}
	// AirPlay volume is -30.0 (muted floor) .. 0.0 dB, linear from pct.
	airplayVol := -30.0 + (float64(device.Volume)/100.0)*30.0
	body := fmt.Sprintf("volume: %.6f\r\n", airplayVol)
	conn := &rtspConn{conn: s.conn}
	_, _, err := conn.do(ctx, "SET_PARAMETER", s.url(), []byte(body), s.nextCSeq(),
		headerField{"Content-Type", "text/parameters"})
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return err
}

// DeviceVolumeToPct converts the AirPlay -30.0..0.0 dB scale to 0-100.
func (b *Backend) DeviceVolumeToPct(device *outputs.Device, value string) int {
	var v float64
	if _, err := fmt.Sscanf(value, "%f", &v); err != nil {
		return device.Volume
	}
	if v <= -30 {
		return 0
	}
	if v >= 0 {
		return 100
	}
	return int((v + 30.0) / 30.0 * 100.0)
}

func (b *Backend) DeviceQualitySet(ctx context.Context, device *outputs.Device, q quality.Quality, cb outputs.StatusCallback) error {
	return nil
}

func (b *Backend) DeviceFreeExtra(device *outputs.Device) {}

// Authorize supplies the PIN a user entered in response to a device's
// HTTP 403 / pair-pin-start prompt, driving the pair-setup-pin exchange
// to completion on the session that requested it and, on success,
// re-running the handshake from OPTIONS with the newly persisted auth
// key.
func (b *Backend) Authorize(pin string) {
	b.mu.Lock()
	s := b.pendingPinSession
	cb := b.pendingPinCB
	b.pendingPinSession, b.pendingPinCB = nil, nil
	b.mu.Unlock()
	if s == nil {
		return
	}
	go b.completePairSetup(context.Background(), s, cb, pin)
}

// completePairSetup runs the pair-setup-pin exchange and, on success,
// persists the resulting auth key and re-enters runHandshake so OPTIONS
// is retried with pair-verify available this time.
func (b *Backend) completePairSetup(ctx context.Context, s *session, cb outputs.StatusCallback, pin string) {
	conn := &rtspConn{conn: s.conn}
	authKey, err := pairSetupPin(ctx, conn, s, pin)
	if err != nil {
		b.fail(s, cb, err)
		return
	}
	s.device.AuthKey = authKey
	if err := s.transition(StateStartup); err != nil {
		b.fail(s, cb, err)
		return
	}
	b.runHandshake(ctx, s, cb)
}

// Write builds one ALAC-framed (and, when negotiated, AES-128-CBC
// encrypted) RTP packet per active session from the source-quality chunk
// and ships it over the shared audio socket to that device's server_port,
// dispatching a periodic sync packet whenever the session's RTP master
// reports one due.
func (b *Backend) Write(buf *outputs.Buffer) {
	data := buf.Data[0]
	if len(data.Buffer) == 0 {
		return
	}
	b.mu.Lock()
	audioConn := b.audioConn
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	if audioConn == nil {
		return
	}

	touchedMasters := make(map[*rtp.Session]bool)
	for _, s := range sessions {
		s.mu.Lock()
		if s.state != StateStreaming || s.audioAddr == nil {
			s.mu.Unlock()
			continue
		}
		payload := frameALAC(data.Buffer, data.Samples, s.rtp.Quality())
		if s.encrypt && len(s.aesKey) == 16 {
			if enc, err := encryptALACPayload(payload, s.aesKey, s.aesIV); err != nil {
				slog.Warn("raop: encrypt failed", "device", s.device.Name, "error", err)
			} else {
				payload = enc
			}
		}
		pkt := s.rtp.Next(payload, data.Samples, false)
		raw, err := pkt.Marshal()
		audioAddr := s.audioAddr
		syncDue := s.rtp.SyncDue()
		s.mu.Unlock()
		if err != nil {
			slog.Warn("raop: marshal failed", "device", s.device.Name, "error", err)
			continue
		}
		if _, err := audioConn.WriteTo(raw, audioAddr); err != nil {
			slog.Warn("raop: audio write failed", "device", s.device.Name, "error", err)
			continue
		}
		if syncDue {
			b.sendSync(s)
			touchedMasters[s.rtp] = true
		}
	}
	// MarkSynced is deferred until every session sharing a master has had
	// a chance to see SyncDue() == true this tick, so a master with two
	// devices doesn't reset the counter after the first device's sendSync
	// and starve the second of its own addressed sync packet.
	for m := range touchedMasters {
		m.MarkSynced()
	}
}
