// Package player drives the tick loop: once per tick interval (10 ms by
// default) it pulls one chunk from the input collaborator, tracks the
// playing/reading position across track boundaries, and fans the chunk
// out to every output backend through the device registry. All mutation
// of player state happens on the single tick goroutine; other goroutines
// reach it only by posting to its command mailbox.
package player

import (
	"context"
	"log/slog"
	"time"

	"github.com/tobiasen/meridian/internal/collab"
	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/quality"
	"github.com/tobiasen/meridian/internal/registry"
)

// State is the player's coarse playback state, independent of any single
// device's session state.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

// Config bundles the tuning knobs from the playback tick driver's
// contract.
type Config struct {
	TickInterval      time.Duration
	ReadDeficitMaxMS  int
	WriteDeficitMaxMS int
	OutputBufferMS    int
	ClearQueueOnAbort bool
}

// EventHandler receives the tick driver's track-boundary and lifecycle
// events. A core wiring struct implements this to drive scrobbling,
// queue consumption, and UI notification; none of that is this
// package's concern.
type EventHandler interface {
	OnPlayStart(src *Source)
	OnPlayEOF(src *Source)
	OnPlaybackEnded()
	OnPlaybackAborted(reason string)
}

// Session is the player thread's per-playback bookkeeping: the open
// queue as a doubly linked list of Source, the read/play cursors, and
// the tick-to-tick deficit counters.
type Session struct {
	buf []byte

	startTime time.Time
	pts       time.Time
	pos       int64 // absolute sample position, monotone non-decreasing while playing

	quality quality.Quality

	readDeficitMS    int
	readDeficitMaxMS int

	writeOverrunStrikes int

	queue      list
	readingNow *Source
	playingNow *Source
}

// Player is the tick-driven playback engine. One instance per process;
// Run drives its ticks from a single goroutine on a steady timer.
type Player struct {
	cfg      Config
	input    collab.Input
	registry *registry.Registry
	events   EventHandler

	state   State
	session *Session

	cmds chan func()
	stop chan struct{}
}

// New builds a Player. input and reg are injected collaborators; events
// may be nil if the caller doesn't need lifecycle notifications.
func New(cfg Config, input collab.Input, reg *registry.Registry, events EventHandler) *Player {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.ReadDeficitMaxMS <= 0 {
		cfg.ReadDeficitMaxMS = 1500
	}
	if cfg.WriteDeficitMaxMS <= 0 {
		cfg.WriteDeficitMaxMS = 1500
	}
	if cfg.OutputBufferMS <= 0 {
		cfg.OutputBufferMS = 2000
	}
	if events == nil {
		events = noopEvents{}
	}
	return &Player{
		cfg:      cfg,
		input:    input,
		registry: reg,
		events:   events,
		cmds:     make(chan func(), 32),
		stop:     make(chan struct{}),
	}
}

type noopEvents struct{}

func (noopEvents) OnPlayStart(*Source)       {}
func (noopEvents) OnPlayEOF(*Source)         {}
func (noopEvents) OnPlaybackEnded()          {}
func (noopEvents) OnPlaybackAborted(string)  {}

// Post enqueues fn to run on the tick goroutine between ticks, the single
// way other goroutines (RPC handlers, RAOP callbacks) may touch player
// state.
func (p *Player) Post(fn func()) {
	select {
	case p.cmds <- fn:
	case <-p.stop:
	}
}

// Run drives the tick loop until ctx is cancelled. It must be called from
// exactly one goroutine.
func (p *Player) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(p.stop)
			return
		case fn := <-p.cmds:
			fn()
		case wake := <-ticker.C:
			p.tick(wake)
		}
	}
}

// Play opens src as the new (or next) playback session. Starting fresh
// playback always happens from the tick goroutine via Post, so it is safe
// to mutate p.session directly here.
func (p *Player) Play(src *Source) {
	bufSamples := quality.Default.SamplesForDuration(p.cfg.OutputBufferMS)
	if src.Quality.Valid() {
		bufSamples = src.Quality.SamplesForDuration(p.cfg.OutputBufferMS)
	}
	src.OutputBufferSamples = int64(bufSamples)
	src.PlayStart = src.ReadStart
	src.PlayEnd = src.ReadEnd + src.OutputBufferSamples

	s := &Session{
		quality:          src.Quality,
		readDeficitMaxMS: p.cfg.ReadDeficitMaxMS,
		startTime:        time.Now(),
		pts:              time.Now(),
	}
	s.queue.pushBack(src)
	s.readingNow = src
	s.playingNow = src

	p.session = s
	p.state = StatePlaying
}

// Enqueue appends src to the open session's queue (e.g. gapless
// pre-opening of the next item), without disturbing reading_now/playing_now.
func (p *Player) Enqueue(src *Source) {
	if p.session == nil {
		p.Play(src)
		return
	}
	p.session.queue.pushBack(src)
}

// Stop halts playback and flushes every output.
func (p *Player) Stop(ctx context.Context) {
	if p.session != nil {
		p.flushAll(ctx)
	}
	p.session = nil
	p.state = StateStopped
}

// State returns the player's current coarse state.
func (p *Player) State() State { return p.state }

func (p *Player) flushAll(ctx context.Context) {
	for _, d := range p.registry.Devices() {
		if !d.Selected {
			continue
		}
		if err := p.registry.Flush(ctx, d, nil); err != nil {
			slog.Warn("flush failed for device", "device", d.Name, "error", err)
		}
	}
}

// suspend is step 1's recovery action: flush every output and stop
// consuming ticks until the input collaborator says more data is ready.
func (p *Player) suspend() {
	slog.Warn("player suspending: read deficit exceeded", "device_count", len(p.registry.Devices()))
	p.flushAll(context.Background())
	p.state = StatePaused
	p.input.NotifyOnReadable(func() {
		p.Post(func() {
			if p.state == StatePaused {
				p.state = StatePlaying
			}
		})
	})
}

// abort is the playback-fatal path: the whole session is torn down, every
// device flushed, and the queue optionally cleared.
func (p *Player) abort(reason string) {
	slog.Error("playback aborted", "reason", reason)
	p.flushAll(context.Background())
	if p.cfg.ClearQueueOnAbort && p.session != nil {
		p.session.queue = list{}
	}
	p.session = nil
	p.state = StateStopped
	p.events.OnPlaybackAborted(reason)
}

// tick runs one iteration of the playback tick driver described in the
// component design: read one chunk, inspect flags, advance pos/pts, fan
// the chunk to every backend, and handle track-boundary/recovery events.
func (p *Player) tick(wake time.Time) {
	if p.state != StatePlaying || p.session == nil {
		return
	}
	s := p.session
	q := s.quality
	if !q.Valid() {
		q = quality.Default
	}

	bufSize := q.SamplesForDuration(int(p.cfg.TickInterval / time.Millisecond)) * q.BytesPerFrame()
	if bufSize <= 0 {
		bufSize = q.BytesPerFrame()
	}
	if len(s.buf) != bufSize {
		s.buf = make([]byte, bufSize)
	}

	n, flags, err := p.input.Read(s.buf)
	if err != nil || flags.Error {
		p.abort("input read error")
		return
	}

	if flags.Quality && p.input.Quality().Valid() {
		s.quality = p.input.Quality()
		q = s.quality
	}

	frameSize := q.BytesPerFrame()
	if frameSize == 0 {
		return
	}
	samplesRead := n / frameSize

	if samplesRead*frameSize < n {
		n = samplesRead * frameSize
	}

	wantSamples := len(s.buf) / frameSize
	if samplesRead < wantSamples {
		deficitMS := (wantSamples - samplesRead) * 1000 / q.SampleRate
		s.readDeficitMS += deficitMS
		if s.readDeficitMS > s.readDeficitMaxMS {
			p.suspend()
			return
		}
	} else if s.readDeficitMS > 0 {
		s.readDeficitMS = 0
	}

	s.pos += int64(samplesRead)

	if s.playingNow != nil && s.pos >= s.playingNow.PlayEnd {
		finished := s.playingNow
		p.events.OnPlayEOF(finished)
		next := finished.next
		s.queue.popFront()
		if next == nil {
			p.events.OnPlaybackEnded()
			p.Stop(context.Background())
			return
		}
		s.playingNow = next
	}

	if s.playingNow != nil && s.pos >= s.playingNow.PlayStart {
		wasBeforeStart := s.pos-int64(samplesRead) < s.playingNow.PlayStart
		if wasBeforeStart {
			p.events.OnPlayStart(s.playingNow)
		}
		elapsedSamples := s.pos - s.playingNow.PlayStart
		s.playingNow.PosMS = s.playingNow.SeekMS + int(elapsedSamples*1000/int64(q.SampleRate))
	}

	if flags.EOF {
		s.readingNow = nil
	}

	if flags.Metadata {
		if tm := p.input.Metadata(); tm != nil {
			md := p.registry.MetadataPrepare(int(tm.QueueItemID), tm)
			p.registry.MetadataSend(md, uint64(s.pts.UnixNano()), 0, s.playingNow == nil)
		}
	}

	buf := &outputs.Buffer{PTS: s.pts}
	buf.Data[0] = outputs.Data{Quality: q, Buffer: s.buf[:n], Samples: samplesRead}
	p.registry.Write(buf)

	if samplesRead >= wantSamples {
		s.pts = s.pts.Add(p.cfg.TickInterval)
	} else {
		s.pts = s.pts.Add(time.Duration(int64(samplesRead) * int64(time.Second) / int64(q.SampleRate)))
	}

	overrun := time.Since(wake)
	if overrun > p.cfg.TickInterval {
		overrunMS := int(overrun / time.Millisecond)
		if overrunMS > p.cfg.WriteDeficitMaxMS {
			s.writeOverrunStrikes++
			if s.writeOverrunStrikes >= 2 {
				p.abort("tick timer overran twice in a row")
				return
			}
			p.suspend()
			return
		}
	} else {
		s.writeOverrunStrikes = 0
	}
}
