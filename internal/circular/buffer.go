// Package circular implements a loop-recording frame buffer.
//
// A Buffer keeps the most recent groups of pictures of an encoded video
// stream. While BUFFERING it stores frames and evicts whole groups when full.
// StartMuxing switches it to DRAINING: a background goroutine forwards the
// stored frames to the Sink while new frames keep being queued. Once the
// queue runs empty the buffer enters PASS_THROUGH and hands every new frame
// straight to the Sink. StopMuxing returns to BUFFERING.
//
// Invariants: the queue never holds more than MaxFrames frames, and outside
// of DRAINING its head is always a key frame.
package circular

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/alxayo/go-looprec/internal/bufpool"
	lrerrors "github.com/alxayo/go-looprec/internal/errors"
	"github.com/alxayo/go-looprec/internal/media"
)

// DefaultBlockSize is the allocation granularity for queued frame storage.
const DefaultBlockSize = 1024

// State is the lifecycle state of a Buffer.
type State int

const (
	StateBuffering State = iota
	StateDraining
	StatePassThrough
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StateDraining:
		return "draining"
	case StatePassThrough:
		return "pass_through"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sink receives forwarded frames.
//
// OnBuffer is called from the producer goroutine (PASS_THROUGH) or from the
// drain goroutine (DRAINING), never concurrently. The frame's Data aliases
// pooled storage that is recycled as soon as OnBuffer returns. OnBuffer must
// not call back into Add, StartMuxing, StopMuxing or Close.
type Sink interface {
	OnBuffer(f media.Frame)
}

// StateListener is optionally implemented by a Sink to observe lifecycle
// transitions. It runs synchronously in whichever goroutine caused the
// transition, with the buffer lock held, so it must return promptly and must
// not call into the Buffer.
type StateListener interface {
	OnStateChanged(s State)
}

// OverrunListener is optionally implemented by a Sink to learn about groups
// evicted while DRAINING, i.e. the producer outrunning the sink. Same calling
// rules as StateListener.
type OverrunListener interface {
	OnOverrun(evictedFrames int)
}

// SinkFuncs adapts plain functions to Sink, StateListener and
// OverrunListener. Nil fields are ignored.
type SinkFuncs struct {
	Buffer       func(f media.Frame)
	StateChanged func(s State)
	Overrun      func(evictedFrames int)
}

func (s SinkFuncs) OnBuffer(f media.Frame) {
	if s.Buffer != nil {
		s.Buffer(f)
	}
}

func (s SinkFuncs) OnStateChanged(st State) {
	if s.StateChanged != nil {
		s.StateChanged(st)
	}
}

func (s SinkFuncs) OnOverrun(evictedFrames int) {
	if s.Overrun != nil {
		s.Overrun(evictedFrames)
	}
}

// Config holds construction parameters for a Buffer.
type Config struct {
	MaxFrames int           // required, > 0
	Pool      *bufpool.Pool // optional; a private pool is created when nil
	BlockSize int           // storage rounding granularity (default 1024)
	Logger    *slog.Logger
}

// Counters are monotonic event counts since construction.
type Counters struct {
	FramesIn         uint64 // frames passed to Add
	FramesForwarded  uint64 // frames handed to the sink
	FramesEvicted    uint64 // frames dropped by overflow eviction
	GroupsEvicted    uint64 // groups dropped by overflow eviction
	OverrunEvictions uint64 // groups evicted while DRAINING (producer outran sink)
	PartialDropped   uint64 // partial frames refused for lack of a key frame
	ConfigDropped    uint64 // codec configuration frames discarded
	Truncated        uint64 // leading partial frames discarded by StopMuxing
}

// Stats is a point-in-time view of a Buffer.
type Stats struct {
	TotalBytes int64 // payload bytes queued
	FrameCount int
	Counters
}

type entry struct {
	buf   *bufpool.Buffer
	pts   int64
	flags media.Flags
}

func (e entry) isKey() bool { return e.flags&media.FlagKeyFrame != 0 }

// Buffer is the circular frame buffer. Create it with New.
type Buffer struct {
	// ctl serialises StartMuxing, StopMuxing and Close. The drain goroutine
	// never takes it.
	ctl sync.Mutex

	mu       sync.Mutex
	queue    []entry
	state    State
	stop     bool
	wg       sync.WaitGroup
	counters Counters

	maxFrames int
	blockSize int
	pool      *bufpool.Pool
	sink      Sink
	listener  StateListener
	overrun   OverrunListener
	log       *slog.Logger
}

// New creates a Buffer forwarding to sink. A nil sink discards frames.
func New(cfg Config, sink Sink) (*Buffer, error) {
	if cfg.MaxFrames <= 0 {
		return nil, lrerrors.NewConfigError("circular.new",
			fmt.Errorf("max frames must be positive, got %d", cfg.MaxFrames))
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Pool == nil {
		cfg.Pool = bufpool.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if sink == nil {
		sink = SinkFuncs{}
	}
	b := &Buffer{
		queue:     make([]entry, 0, cfg.MaxFrames),
		maxFrames: cfg.MaxFrames,
		blockSize: cfg.BlockSize,
		pool:      cfg.Pool,
		sink:      sink,
		log:       cfg.Logger.With("component", "circular_buffer"),
	}
	if l, ok := sink.(StateListener); ok {
		b.listener = l
	}
	if l, ok := sink.(OverrunListener); ok {
		b.overrun = l
	}
	return b, nil
}

// Pool returns the pool backing queued frames.
func (b *Buffer) Pool() *bufpool.Pool { return b.pool }

// Add ingests one frame. The payload is copied when queued, so the caller
// keeps ownership of f.Data.
//
// In PASS_THROUGH the frame is forwarded synchronously without copying and
// Add blocks for as long as the sink takes.
func (b *Buffer) Add(f media.Frame) {
	b.mu.Lock()
	b.counters.FramesIn++
	if f.IsCodecConfig() {
		b.counters.ConfigDropped++
		b.mu.Unlock()
		return
	}
	switch b.state {
	case StateBuffering:
		if len(b.queue) == 0 && !f.IsKey() {
			b.counters.PartialDropped++
			b.mu.Unlock()
			return
		}
		b.enqueueLocked(f)
		b.mu.Unlock()
		return
	case StateDraining:
		b.enqueueLocked(f)
		b.mu.Unlock()
		return
	}
	// PASS_THROUGH: the queue is empty, forward outside the lock.
	b.counters.FramesForwarded++
	b.mu.Unlock()
	b.sink.OnBuffer(f)
}

func (b *Buffer) enqueueLocked(f media.Frame) {
	if len(b.queue) >= b.maxFrames {
		b.evictGroupLocked()
		// The evicted group was the whole queue and f cannot start a new one.
		if b.state == StateBuffering && len(b.queue) == 0 && !f.IsKey() {
			b.counters.PartialDropped++
			return
		}
	}
	buf := b.pool.Retrieve(RoundUp(len(f.Data), b.blockSize))
	if _, err := buf.Write(f.Data); err != nil {
		// Cannot happen: the buffer was sized for the payload.
		b.log.Error("frame copy failed", "error", err, "size", len(f.Data))
		b.returnLocked(buf)
		return
	}
	b.queue = append(b.queue, entry{buf: buf, pts: f.PTS, flags: f.Flags})
}

// evictGroupLocked drops the head frame and every partial frame following it
// up to the next key frame. Mid-drain the head may be the tail of a group
// whose key frame was already forwarded; it is dropped all the same.
func (b *Buffer) evictGroupLocked() {
	n := 1
	for n < len(b.queue) && !b.queue[n].isKey() {
		n++
	}
	bufs := make([]*bufpool.Buffer, n)
	for i := 0; i < n; i++ {
		bufs[i] = b.queue[i].buf
	}
	b.popLocked(n)
	if err := b.pool.ReturnMany(bufs); err != nil {
		b.log.Error("returning evicted frames failed", "error", err)
	}
	b.counters.FramesEvicted += uint64(n)
	b.counters.GroupsEvicted++
	if b.state == StateDraining {
		b.counters.OverrunEvictions++
		b.log.Warn("sink overrun, evicting queued group", "frames", n, "queued", len(b.queue))
		if b.overrun != nil {
			b.overrun.OnOverrun(n)
		}
	} else {
		b.log.Debug("evicted oldest group", "frames", n)
	}
}

// popLocked removes the first n entries, keeping the backing array.
func (b *Buffer) popLocked(n int) {
	copy(b.queue, b.queue[n:])
	for i := len(b.queue) - n; i < len(b.queue); i++ {
		b.queue[i] = entry{}
	}
	b.queue = b.queue[:len(b.queue)-n]
}

func (b *Buffer) returnLocked(buf *bufpool.Buffer) {
	if err := b.pool.Return(buf); err != nil {
		b.log.Error("returning frame storage failed", "error", err)
	}
}

// StartMuxing switches from BUFFERING to DRAINING and starts the drain
// goroutine. It is a no-op in any other state.
func (b *Buffer) StartMuxing() {
	b.ctl.Lock()
	defer b.ctl.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateBuffering {
		return
	}
	b.stop = false
	b.wg.Add(1)
	go b.drain()
	b.setStateLocked(StateDraining)
}

// drain forwards queued frames until the queue is empty or a stop is
// requested. The stop flag is sampled only between frames: a forward that is
// in progress is never interrupted.
func (b *Buffer) drain() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if b.stop {
			b.mu.Unlock()
			return
		}
		if len(b.queue) == 0 {
			b.setStateLocked(StatePassThrough)
			b.mu.Unlock()
			return
		}
		e := b.queue[0]
		b.popLocked(1)
		b.counters.FramesForwarded++
		b.mu.Unlock()

		// Producers may keep adding while the sink writes this frame.
		b.sink.OnBuffer(media.Frame{Data: e.buf.Bytes(), PTS: e.pts, Flags: e.flags})
		if err := b.pool.Return(e.buf); err != nil {
			b.log.Error("returning drained frame failed", "error", err)
		}
	}
}

// StopMuxing returns to BUFFERING from DRAINING or PASS_THROUGH. It waits for
// the drain goroutine to exit, then discards leading partial frames so the
// next recording starts on a key frame.
//
// StopMuxing blocks for as long as the sink blocks in its current OnBuffer
// call; the sink must keep consuming until StopMuxing returns. Callers that
// need a bounded shutdown have to apply their own timeout around it.
func (b *Buffer) StopMuxing() {
	b.ctl.Lock()
	defer b.ctl.Unlock()
	b.stopMuxing()
}

func (b *Buffer) stopMuxing() {
	b.mu.Lock()
	if b.state == StateBuffering {
		b.mu.Unlock()
		return
	}
	b.stop = true
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for n < len(b.queue) && !b.queue[n].isKey() {
		n++
	}
	if n > 0 {
		bufs := make([]*bufpool.Buffer, n)
		for i := 0; i < n; i++ {
			bufs[i] = b.queue[i].buf
		}
		b.popLocked(n)
		if err := b.pool.ReturnMany(bufs); err != nil {
			b.log.Error("returning truncated frames failed", "error", err)
		}
		b.counters.Truncated += uint64(n)
		b.log.Debug("discarded leading partial frames", "frames", n)
	}
	b.setStateLocked(StateBuffering)
}

func (b *Buffer) setStateLocked(s State) {
	prev := b.state
	b.state = s
	b.log.Info("state changed", "from", prev.String(), "to", s.String(), "queued", len(b.queue))
	if b.listener != nil {
		b.listener.OnStateChanged(s)
	}
}

// State returns the current lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns queue size and counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{FrameCount: len(b.queue), Counters: b.counters}
	for _, e := range b.queue {
		st.TotalBytes += int64(e.buf.Len())
	}
	return st
}

// Close stops any muxing and returns all queued storage to the pool. It is
// safe to call more than once.
func (b *Buffer) Close() error {
	b.ctl.Lock()
	defer b.ctl.Unlock()
	b.stopMuxing()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	bufs := make([]*bufpool.Buffer, len(b.queue))
	for i, e := range b.queue {
		bufs[i] = e.buf
	}
	b.popLocked(len(b.queue))
	if err := b.pool.ReturnMany(bufs); err != nil {
		return fmt.Errorf("circular.close: %w", err)
	}
	return nil
}

// RoundUp rounds n up to the next multiple of base.
func RoundUp(n, base int) int {
	if base <= 0 || n <= 0 {
		return max(n, 0)
	}
	return (n + base - 1) / base * base
}

// NeededFrames returns a MaxFrames that still holds minBufferedSecs of video
// right after an eviction: eviction removes a whole GOP, so one GOP of
// headroom is added.
func NeededFrames(fps, keyFrameIntervalSecs, minBufferedSecs int) int {
	return fps * (minBufferedSecs + keyFrameIntervalSecs)
}
