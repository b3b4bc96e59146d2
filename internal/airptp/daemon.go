package airptp

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/tobiasen/meridian/internal/ttlcache"
)

// ptpTOS is the IP_TOS value PTP event traffic conventionally uses:
// DSCP 46 (Expedited Forwarding), shifted into the TOS byte's high 6 bits.
const ptpTOS = 46 << 2

const (
	announceInterval  = 1 * time.Second
	signalingInterval = 1 * time.Second
	syncInterval      = 125 * time.Millisecond
	peerStaleAfter    = 15 * time.Second
	maxPeers          = 32
)

// peer is one AirPlay device this daemon has been told to keep time for.
type peer struct {
	id   uint32
	addr *net.UDPAddr
}

// Status mirrors the handle other processes get back from Find: enough
// to read the clock id and judge whether the daemon publishing it is
// still alive.
type Status struct {
	ClockID    uint64
	LastUpdate time.Time
}

// Stale reports whether Status hasn't been refreshed recently enough to
// trust; mirrors the 15s staleness window daemons publish by.
func (s Status) Stale() bool {
	return time.Since(s.LastUpdate) > peerStaleAfter
}

// Daemon runs the PTP event/general listeners and the announce/sync
// timers for a single local grandmaster clock. It's the Go analogue of
// the C library's bind/start/find/peer_add/peer_remove/end handle.
type Daemon struct {
	mu       sync.Mutex
	clockID  clockIdentity
	eventPort   int
	generalPort int

	eventConn   *net.UDPConn
	generalConn *net.UDPConn

	peers *ttlcache.Cache[uint32, peer]

	seq struct {
		announce, sync, signaling, delayResp uint16
	}

	status Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Bind opens the event and general UDP sockets but does not yet start
// the announce/sync cadence; Start does that once a seed clock id is
// known.
func Bind() (*Daemon, error) {
	return bindPorts(EventPort, GeneralPort)
}

func bindPorts(eventPort, generalPort int) (*Daemon, error) {
	ev, err := net.ListenUDP("udp", &net.UDPAddr{Port: eventPort})
	if err != nil {
		return nil, fmt.Errorf("airptp: bind event port %d: %w", eventPort, err)
	}
	gen, err := net.ListenUDP("udp", &net.UDPAddr{Port: generalPort})
	if err != nil {
		_ = ev.Close()
		return nil, fmt.Errorf("airptp: bind general port %d: %w", generalPort, err)
	}

	// Mark PTP event traffic as low-latency; best-effort, routers on the
	// local segment may ignore it.
	if err := ipv4.NewConn(ev).SetTOS(ptpTOS); err != nil {
		slog.Debug("airptp: setting event socket TOS failed", "error", err)
	}

	d := &Daemon{
		eventPort:   eventPort,
		generalPort: generalPort,
		eventConn:   ev,
		generalConn: gen,
		peers:       ttlcache.New[uint32, peer](5 * time.Second),
	}
	return d, nil
}

// PortsOverride rebinds the daemon to non-standard ports, for running
// more than one instance side by side (tests, or a second NIC).
func (d *Daemon) PortsOverride(eventPort, generalPort int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.eventConn.Close()
	_ = d.generalConn.Close()
	fresh, err := bindPorts(eventPort, generalPort)
	if err != nil {
		return err
	}
	d.eventPort, d.generalPort = fresh.eventPort, fresh.generalPort
	d.eventConn, d.generalConn = fresh.eventConn, fresh.generalConn
	return nil
}

// Start derives this daemon's clock identity from seed and begins the
// announce/signaling/sync timers and the receive loops. shared, if
// true, publishes the clock id/timestamp for Find to discover; an
// unshared daemon is only usable from within this process.
func (d *Daemon) Start(seed uint64, shared bool) error {
	d.mu.Lock()
	d.clockID = newClockIdentity(seed)
	d.status = Status{ClockID: uint64(d.clockID), LastUpdate: time.Now()}
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(4)
	go d.announceLoop(ctx)
	go d.syncLoop(ctx)
	go d.eventReadLoop(ctx)
	go d.generalReadLoop(ctx)

	if shared {
		d.wg.Add(1)
		go d.publishLoop(ctx)
	}
	return nil
}

// End stops all timers and read loops and closes the sockets.
func (d *Daemon) End() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	_ = d.eventConn.Close()
	_ = d.generalConn.Close()
	d.peers.Close()
}

// ClockIDGet returns the daemon's own clock identity.
func (d *Daemon) ClockIDGet() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(d.clockID)
}

// publishLoop refreshes the daemon's liveness timestamp every 5s, the
// in-process analogue of touching the shared clock-id publication a
// second process would mmap and treat as stale past 15s of silence.
func (d *Daemon) publishLoop(ctx context.Context) {
	defer d.wg.Done()
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.mu.Lock()
			d.status.LastUpdate = time.Now()
			d.mu.Unlock()
		}
	}
}

// peerHash derives a stable 32-bit peer id from an address string, the
// same role as a djb2-style hash in the original table.
func peerHash(addr string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr))
	return h.Sum32()
}

// PeerAdd registers an AirPlay device's address to receive Sync/Announce
// traffic, returning the peer id the caller can later pass to PeerRemove.
func (d *Daemon) PeerAdd(address string) (uint32, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(address, "0"))
	if err != nil {
		return 0, fmt.Errorf("airptp: resolve peer %q: %w", address, err)
	}
	if d.peers.Len() >= maxPeers {
		return 0, fmt.Errorf("airptp: peer table full (max %d)", maxPeers)
	}
	id := peerHash(address)
	d.peers.Set(id, peer{id: id, addr: udpAddr}, peerStaleAfter)
	return id, nil
}

// PeerRemove drops a peer from the announce/sync distribution list.
func (d *Daemon) PeerRemove(id uint32) {
	d.peers.Delete(id)
}

// SignalPeerAdd/SignalPeerRemove mutate a *different* daemon's peer
// table over loopback using the OwnTone signaling TLV, the cross-process
// path a second binary (without access to the first's in-memory Daemon)
// would use.
func SignalPeerAdd(generalPort int, id uint32, address string) error {
	return sendOwnSignaling(generalPort, ownTLV{Subtype: ownSubtypePeerAdd, PeerID: id, Addr: address})
}

func SignalPeerRemove(generalPort int, id uint32) error {
	return sendOwnSignaling(generalPort, ownTLV{Subtype: ownSubtypePeerDel, PeerID: id})
}

func sendOwnSignaling(generalPort int, tlv ownTLV) error {
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", generalPort))
	if err != nil {
		return err
	}
	defer conn.Close()
	msg := marshalOwnSignaling(newClockIdentity(0), 0, tlv)
	_, err = conn.Write(msg)
	return err
}

func (d *Daemon) peerAddrs() []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, 0, d.peers.Len())
	d.peers.ForEach(func(_ uint32, p peer) {
		addrs = append(addrs, p.addr)
	})
	return addrs
}

// announceLoop sends an Announce to every known peer once a second.
func (d *Daemon) announceLoop(ctx context.Context) {
	defer d.wg.Done()
	t := time.NewTicker(announceInterval)
	defer t.Stop()
	sigT := time.NewTicker(signalingInterval)
	defer sigT.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if d.peers.Len() == 0 {
				continue
			}
			d.mu.Lock()
			d.seq.announce++
			msg := buildAnnounce(d.clockID, d.seq.announce)
			d.mu.Unlock()
			for _, addr := range d.peerAddrs() {
				if _, err := d.generalConn.WriteToUDP(msg, addr); err != nil {
					slog.Debug("airptp announce write failed", "peer", addr, "error", err)
				}
			}
		case <-sigT.C:
			// The signaling ticker fires once a second but no Signaling
			// message is built or sent; peers receive only Announce here.
		}
	}
}

// syncLoop emits two-step Sync/Follow-Up pairs every 125ms.
func (d *Daemon) syncLoop(ctx context.Context) {
	defer d.wg.Done()
	t := time.NewTicker(syncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if d.peers.Len() == 0 {
				continue
			}
			d.mu.Lock()
			d.seq.sync++
			seq := d.seq.sync
			id := d.clockID
			d.mu.Unlock()

			sync := buildSync(id, seq)
			for _, addr := range d.peerAddrs() {
				if _, err := d.eventConn.WriteToUDP(sync, addr); err != nil {
					slog.Debug("airptp sync write failed", "peer", addr, "error", err)
				}
			}
			preciseOrigin := time.Now().UnixNano()
			followUp := buildFollowUp(id, seq, preciseOrigin)
			for _, addr := range d.peerAddrs() {
				if _, err := d.generalConn.WriteToUDP(followUp, addr); err != nil {
					slog.Debug("airptp follow-up write failed", "peer", addr, "error", err)
				}
			}
		}
	}
}

// eventReadLoop answers Delay-Req and PDelay-Req on the event port.
func (d *Daemon) eventReadLoop(ctx context.Context) {
	defer d.wg.Done()
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = d.eventConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := d.eventConn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		h, err := unmarshalHeader(buf[:n])
		if err != nil {
			continue
		}
		receiveNS := time.Now().UnixNano()
		d.mu.Lock()
		id := d.clockID
		d.mu.Unlock()
		switch h.MessageType {
		case msgDelayReq:
			resp := buildDelayResp(id, h, receiveNS)
			_, _ = d.generalConn.WriteToUDP(resp, addr)
		case msgPDelayReq:
			resp := buildPDelayResp(id, h, receiveNS)
			if _, err := d.eventConn.WriteToUDP(resp, addr); err == nil {
				followUp := buildPDelayRespFollowUp(id, h, time.Now().UnixNano())
				_, _ = d.generalConn.WriteToUDP(followUp, addr)
			}
		}
	}
}

// generalReadLoop watches for Signaling messages, including the
// loopback OwnTone TLV used to mutate the peer table from another
// goroutine or process without reaching into Daemon internals directly.
func (d *Daemon) generalReadLoop(ctx context.Context) {
	defer d.wg.Done()
	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = d.generalConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := d.generalConn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if n < headerSize {
			continue
		}
		h, err := unmarshalHeader(buf[:n])
		if err != nil || h.MessageType != msgSignaling {
			continue
		}
		tlv, ok := parseOwnSignaling(buf[headerSize:n])
		if !ok {
			continue
		}
		switch tlv.Subtype {
		case ownSubtypePeerAdd:
			if tlv.Addr != "" {
				if _, err := d.PeerAdd(tlv.Addr); err != nil {
					slog.Debug("airptp peer add via signaling failed", "addr", tlv.Addr, "error", err)
				}
			}
		case ownSubtypePeerDel:
			d.PeerRemove(tlv.PeerID)
		}
		_ = addr
	}
}

// Find looks for a daemon already running in this process and returns
// its published status. Unlike the C library's mmap of a POSIX shared
// memory object, a same-process caller gets the live Daemon directly;
// cross-process discovery isn't meaningful for a Go binary that doesn't
// fork, so Find only serves callers within this process that hold a
// reference to the Daemon they started.
func (d *Daemon) Find() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

