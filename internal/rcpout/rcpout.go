// Package rcpout drives a Roku SoundBridge / Wi-Fi Media Module over its
// RCP telnet control protocol: a linear sequence of ASCII commands, each
// terminated by CRLF, each awaiting a designated response before the
// next is sent. Once queued, the Roku pulls audio itself over HTTP from
// this server's own stream.mp3 endpoint rather than receiving a pushed
// feed, so Write is a no-op for this backend.
package rcpout

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tobiasen/meridian/internal/outputs"
)

const (
	rcpPort        = 5555
	readyLine      = "roku: ready"
	replyTimeout   = 20 * time.Second
)

// step is one command/response pair in the linear setup sequence. ok
// reports whether a response line represents success (some responses
// accept more than one wording).
type step struct {
	cmd string
	ok  func(resp string) bool
}

func exact(want string) func(string) bool {
	return func(resp string) bool { return resp == want }
}

func anyOf(want ...string) func(string) bool {
	return func(resp string) bool {
		for _, w := range want {
			if resp == w {
				return true
			}
		}
		return false
	}
}

// setupSequence is the "play an arbitrary stream URL" path from the RCP
// usage scenarios: disconnect any existing music server, select the
// built-in Internet Radio server, connect to it, then queue and play
// this server's own stream.
func setupSequence(streamURL, libraryName string) []step {
	return []step{
		{"SetPowerState on no", anyOf("SetPowerState: OK")},
		{"GetConnectedServer", anyOf("GetConnectedServer: OK", "GetConnectedServer: GenericError")},
		{"ServerDisconnect", anyOf("ServerDisconnect: TransactionInitiated", "ServerDisconnect: ErrorDisconnected")},
		{"SetServerFilter radio", exact("SetServerFilter: OK")},
		{"ListServers", exact("ListServers: ListResultSize 1")},
		{"ServerConnect 0", anyOf("ServerConnect: TransactionInitiated")},
		{"GetVolume", nil}, // response carries the value, parsed separately
		{"ClearWorkingSong", exact("ClearWorkingSong: OK")},
		{"SetWorkingSongInfo title " + libraryName, exact("SetWorkingSongInfo: OK")},
		{"SetWorkingSongInfo playlistURL " + streamURL, exact("SetWorkingSongInfo: OK")},
		{"SetWorkingSongInfo remoteStream 1", exact("SetWorkingSongInfo: OK")},
		{"QueueAndPlayOne working", anyOf("QueueAndPlayOne: OK")},
	}
}

type session struct {
	mu      sync.Mutex
	device  *outputs.Device
	conn    net.Conn
	streaming bool
}

// Backend is the Roku RCP/SoundBridge output driver.
type Backend struct {
	mu          sync.Mutex
	sessions    map[uint64]*session
	streamHost  string // this server's own address, as seen by the Roku
	streamPort  int
	libraryName string
	outputs.NopExtras
}

// New returns a ready-to-initialize RCP backend. streamHost/streamPort
// point the Roku at this server's own stream.mp3 HTTP endpoint.
func New(streamHost string, streamPort int, libraryName string) *Backend {
	return &Backend{
		sessions:    make(map[uint64]*session),
		streamHost:  streamHost,
		streamPort:  streamPort,
		libraryName: libraryName,
	}
}

func (b *Backend) Name() string  { return "RCP/SoundBridge" }
func (b *Backend) Type() string  { return "rcp" }
func (b *Backend) Priority() int { return 99 }

func (b *Backend) Init() error {
	b.sessions = make(map[uint64]*session)
	return nil
}

func (b *Backend) Deinit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	}
	b.sessions = make(map[uint64]*session)
}

func (b *Backend) streamURL(fromLocalAddr string) string {
	return fmt.Sprintf("http://%s:%d/stream.mp3", fromLocalAddr, b.streamPort)
}

func (b *Backend) DeviceStart(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	addr := net.JoinHostPort(device.V4Address, fmt.Sprintf("%d", rcpPort))
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return fmt.Errorf("rcpout: dial %s: %w", device.Name, err)
	}

	s := &session{device: device, conn: conn}
	b.mu.Lock()
	b.sessions[device.ID] = s
	b.mu.Unlock()
	device.Session = s

	if cb != nil {
		cb(device, outputs.StateStartup)
	}
	go b.runSetup(s, cb)
	return nil
}

func (b *Backend) runSetup(s *session, cb outputs.StatusCallback) {
	_ = s.conn.SetReadDeadline(time.Now().Add(replyTimeout))
	reader := bufio.NewReader(s.conn)

	line, err := readLine(reader)
	if err != nil || strings.TrimSpace(line) != readyLine {
		b.fail(s, cb, fmt.Errorf("rcpout: unexpected greeting %q (err %v)", line, err))
		return
	}
	if cb != nil {
		cb(s.device, outputs.StateConnected)
	}

	localAddr := ""
	if tcp, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		localAddr = tcp.IP.String()
	}
	streamURL := b.streamURL(localAddr)

	for _, st := range setupSequence(streamURL, b.libraryName) {
		if _, err := fmt.Fprintf(s.conn, "%s\r\n", st.cmd); err != nil {
			b.fail(s, cb, fmt.Errorf("rcpout: send %q: %w", st.cmd, err))
			return
		}
		resp, err := readLine(reader)
		if err != nil {
			b.fail(s, cb, fmt.Errorf("rcpout: read reply to %q: %w", st.cmd, err))
			return
		}
		resp = strings.TrimRight(resp, "\r\n")
		if st.ok != nil && !st.ok(resp) {
			b.fail(s, cb, fmt.Errorf("rcpout: unexpected reply %q to %q", resp, st.cmd))
			return
		}
	}

	s.mu.Lock()
	s.streaming = true
	s.mu.Unlock()
	if cb != nil {
		cb(s.device, outputs.StateStreaming)
	}

	go b.listenForDisconnect(s)
}

// listenForDisconnect keeps reading so the connection's closure is
// noticed promptly; the Roku itself pulls audio over HTTP once playing.
func (b *Backend) listenForDisconnect(s *session) {
	buf := make([]byte, 256)
	for {
		_ = s.conn.SetReadDeadline(time.Time{})
		if _, err := s.conn.Read(buf); err != nil {
			s.mu.Lock()
			s.streaming = false
			s.mu.Unlock()
			return
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	return r.ReadString('\n')
}

func (b *Backend) fail(s *session, cb outputs.StatusCallback, err error) {
	slog.Warn("rcp setup failed", "device", s.device.Name, "error", err)
	_ = s.conn.Close()
	if cb != nil {
		cb(s.device, outputs.StateFailed)
	}
}

func (b *Backend) DeviceStop(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	b.mu.Lock()
	s, ok := b.sessions[device.ID]
	delete(b.sessions, device.ID)
	b.mu.Unlock()
	if ok {
		s.mu.Lock()
		if s.conn != nil {
			fmt.Fprintf(s.conn, "Stop\r\n")
			_ = s.conn.Close()
		}
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
		cb(device, outputs.StateStopped)
	}
	return nil
}

func (b *Backend) DeviceProbe(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	addr := net.JoinHostPort(device.V4Address, fmt.Sprintf("%d", rcpPort))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		if cb != nil {
			cb(device, outputs.StateFailed)
		}
		return err
	}
	_ = conn.Close()
	if cb != nil {
		cb(device, outputs.StateConnected)
	}
	return nil
}

func (b *Backend) DeviceVolumeSet(ctx context.Context, device *outputs.Device, cb outputs.StatusCallback) error {
	b.mu.Lock()
	s, ok := b.sessions[device.ID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("rcpout: no session for device %q", device.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return nil
	}
	if _, err := fmt.Fprintf(s.conn, "SetVolume %d\r\n", device.Volume); err != nil {
		return err
	}
	if cb != nil {
		cb(device, outputs.StateStreaming)
	}
	return nil
}

func (b *Backend) DeviceVolumeToPct(device *outputs.Device, value string) int {
	var pct int
	if _, err := fmt.Sscanf(value, "%d", &pct); err != nil {
		return device.Volume
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (b *Backend) DeviceFreeExtra(device *outputs.Device) {}

// Write is a no-op: Roku pulls audio over its own HTTP request to this
// server's stream.mp3 endpoint rather than receiving a pushed feed.
func (b *Backend) Write(buf *outputs.Buffer) {}
