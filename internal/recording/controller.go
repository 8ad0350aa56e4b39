// Package recording drives a circular buffer as a loop recorder: frames are
// buffered continuously and Start persists the buffered window plus the live
// stream into a new FLV file, optionally mirrored to an RTP destination.
package recording

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alxayo/go-looprec/internal/bufpool"
	"github.com/alxayo/go-looprec/internal/circular"
	lrerrors "github.com/alxayo/go-looprec/internal/errors"
	"github.com/alxayo/go-looprec/internal/hooks"
	"github.com/alxayo/go-looprec/internal/logger"
	"github.com/alxayo/go-looprec/internal/media"
)

const (
	DefaultRecordDir   = "recordings"
	DefaultStopTimeout = 5 * time.Second
)

var (
	ErrRecording    = stdErrors.New("recording already in progress")
	ErrNotRecording = stdErrors.New("no recording in progress")
	ErrClosed       = stdErrors.New("controller closed")
)

// Config configures a Controller.
type Config struct {
	MaxFrames      int // required, > 0
	MaxFreeBuffers int // pool free-list cap (default bufpool.DefaultMaxFree)
	BlockSize      int // storage granularity (default circular.DefaultBlockSize)

	RecordDir   string        // directory for <session>.flv files
	StopTimeout time.Duration // bound applied by Stop on top of its context

	// RTPWriter, when set, receives every forwarded frame as RTP packets.
	RTPWriter io.Writer
	RTP       media.RTPConfig

	// Key frame fixup for encoders that flag only the first IDR; disabled
	// unless both are positive.
	FixupFPS          int
	FixupIntervalSecs int

	Hooks  *hooks.HookManager // optional
	Logger *slog.Logger
}

type session struct {
	id      string
	path    string
	rec     *media.Recorder
	started time.Time
	log     *slog.Logger
	done    chan struct{} // closed once the recording is finalized
}

// Controller owns the pool, the circular buffer and the sinks of the current
// recording. It is the circular buffer's sink.
type Controller struct {
	cfg  Config
	pool *bufpool.Pool
	buf  *circular.Buffer
	rtp  *media.RTPSink
	log  *slog.Logger

	// ctl serialises Start, Stop and Close.
	ctl    sync.Mutex
	closed bool
	active atomic.Pointer[session]

	// in guards producer-side state touched by Add.
	in          sync.Mutex
	fixup       *media.KeyFrameFixup
	codecConfig []byte
	bitRate     *media.BitRater
	frameRate   *media.FrameRater
}

// New validates cfg and builds the pool and circular buffer.
func New(cfg Config) (*Controller, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxFreeBuffers == 0 {
		cfg.MaxFreeBuffers = bufpool.DefaultMaxFree
	}
	if cfg.RecordDir == "" {
		cfg.RecordDir = DefaultRecordDir
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	pool, err := bufpool.New(cfg.MaxFreeBuffers)
	if err != nil {
		return nil, fmt.Errorf("recording.new: %w", err)
	}

	c := &Controller{
		cfg:       cfg,
		pool:      pool,
		log:       logger.WithComponent(cfg.Logger, "recording"),
		bitRate:   media.NewBitRater(),
		frameRate: media.NewFrameRater(nil),
	}
	if cfg.FixupFPS > 0 && cfg.FixupIntervalSecs > 0 {
		c.fixup = media.NewKeyFrameFixup(cfg.FixupFPS, cfg.FixupIntervalSecs, cfg.Logger)
	}
	if cfg.RTPWriter != nil {
		c.rtp = media.NewRTPSink(cfg.RTPWriter, cfg.RTP, cfg.Logger)
	}

	c.buf, err = circular.New(circular.Config{
		MaxFrames: cfg.MaxFrames,
		Pool:      pool,
		BlockSize: cfg.BlockSize,
		Logger:    cfg.Logger,
	}, c)
	if err != nil {
		return nil, fmt.Errorf("recording.new: %w", err)
	}
	return c, nil
}

// Add ingests one encoded frame from the producer.
func (c *Controller) Add(f media.Frame) {
	c.in.Lock()
	if c.fixup != nil {
		f = c.fixup.Apply(f)
	}
	if f.IsCodecConfig() {
		c.codecConfig = append(c.codecConfig[:0], f.Data...)
	} else {
		c.bitRate.Update(f.Size(), f.IsKey())
		c.frameRate.AddFrame()
	}
	c.in.Unlock()

	// The buffer drops codec configuration. Once the backlog is drained a
	// live recording gets it directly; earlier it would land ahead of older
	// queued frames.
	if f.IsCodecConfig() && c.buf.State() == circular.StatePassThrough {
		if s := c.active.Load(); s != nil {
			s.rec.WriteSequenceHeader(f.Data)
		}
	}
	c.buf.Add(f)
}

// Start opens a new recording and begins muxing the buffered window. It
// returns the session ID.
func (c *Controller) Start() (string, error) {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	if c.closed {
		return "", lrerrors.NewUsageError("recording.start", ErrClosed)
	}
	if c.active.Load() != nil {
		return "", lrerrors.NewUsageError("recording.start", ErrRecording)
	}

	if err := os.MkdirAll(c.cfg.RecordDir, 0o755); err != nil {
		return "", fmt.Errorf("recording.start: %w", err)
	}
	id := uuid.New().String()
	path := filepath.Join(c.cfg.RecordDir, id+".flv")
	sessLog := logger.WithSession(c.log, id)
	rec, err := media.NewRecorder(path, sessLog)
	if err != nil {
		return "", fmt.Errorf("recording.start: %w", err)
	}

	c.in.Lock()
	if len(c.codecConfig) > 0 {
		rec.WriteSequenceHeader(c.codecConfig)
	}
	c.in.Unlock()

	s := &session{id: id, path: path, rec: rec, started: time.Now(), log: sessLog, done: make(chan struct{})}
	c.active.Store(s)

	queued := c.buf.Stats().FrameCount
	sessLog.Info("recording started", "path", path, "queued_frames", queued)
	c.trigger(hooks.NewEvent(hooks.EventRecordingStart).
		WithSession(id).
		WithData("path", path).
		WithData("queued_frames", queued))

	c.buf.StartMuxing()
	return id, nil
}

// Stop ends the current recording. StopMuxing waits for the sink's in-flight
// frame; when that takes longer than ctx or StopTimeout allow, Stop returns a
// TimeoutError and the recording is finalized in the background once the
// stop completes.
func (c *Controller) Stop(ctx context.Context) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	s := c.active.Load()
	if s == nil {
		return lrerrors.NewUsageError("recording.stop", ErrNotRecording)
	}
	stopped := make(chan struct{})
	go func() {
		c.buf.StopMuxing()
		close(stopped)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	select {
	case <-stopped:
		return c.finalize(s)
	case <-ctx.Done():
		s.log.Warn("stop timed out, sink still busy", "timeout", c.cfg.StopTimeout)
		c.trigger(hooks.NewEvent(hooks.EventStopTimeout).
			WithSession(s.id).
			WithData("timeout_ms", c.cfg.StopTimeout.Milliseconds()))
		go func() {
			<-stopped
			if err := c.finalize(s); err != nil {
				s.log.Error("finalizing recording failed", "error", err)
			}
		}()
		return lrerrors.NewTimeoutError("recording.stop", c.cfg.StopTimeout, ctx.Err())
	}
}

// finalize closes the recording file once the buffer is back in BUFFERING.
func (c *Controller) finalize(s *session) error {
	if !c.active.CompareAndSwap(s, nil) {
		return nil
	}
	defer close(s.done)

	frames, bytes := s.rec.Frames(), s.rec.BytesWritten()
	failed := s.rec.Disabled()
	err := s.rec.Close()
	if err != nil {
		err = fmt.Errorf("recording.stop: %w", err)
	}

	s.log.Info("recording stopped",
		"path", s.path,
		"frames", frames,
		"bytes", bytes,
		"duration_ms", time.Since(s.started).Milliseconds(),
		"write_failed", failed)
	c.trigger(hooks.NewEvent(hooks.EventRecordingStop).
		WithSession(s.id).
		WithData("path", s.path).
		WithData("frames", frames).
		WithData("bytes", bytes).
		WithData("write_failed", failed))
	return err
}

// Done returns a channel closed when the recording with sessionID has been
// finalized. It returns nil when that session is not active.
func (c *Controller) Done(sessionID string) <-chan struct{} {
	if s := c.active.Load(); s != nil && s.id == sessionID {
		return s.done
	}
	return nil
}

// Recording reports whether a recording is active and its session ID.
func (c *Controller) Recording() (string, bool) {
	if s := c.active.Load(); s != nil {
		return s.id, true
	}
	return "", false
}

// OnBuffer implements circular.Sink.
func (c *Controller) OnBuffer(f media.Frame) {
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		logger.WithFrameMeta(c.log, f.PTS, f.Size(), f.Flags.String()).Debug("frame forwarded")
	}
	if s := c.active.Load(); s != nil {
		s.rec.WriteFrame(f)
	}
	if c.rtp != nil {
		c.rtp.WriteFrame(f)
	}
}

// OnStateChanged implements circular.StateListener.
func (c *Controller) OnStateChanged(st circular.State) {
	ev := hooks.NewEvent(hooks.EventStateChanged).WithData("state", st.String())
	if s := c.active.Load(); s != nil {
		ev.WithSession(s.id)
	}
	c.trigger(ev)
}

// OnOverrun implements circular.OverrunListener.
func (c *Controller) OnOverrun(evicted int) {
	ev := hooks.NewEvent(hooks.EventOverrun).WithData("evicted_frames", evicted)
	if s := c.active.Load(); s != nil {
		ev.WithSession(s.id)
	}
	c.trigger(ev)
}

func (c *Controller) trigger(ev *hooks.Event) {
	c.cfg.Hooks.TriggerEvent(context.Background(), *ev)
}

// Stats is a combined snapshot of the controller and its components.
type Stats struct {
	State     circular.State
	Buffer    circular.Stats
	Pool      bufpool.Stats
	SessionID string // empty when not recording

	RecordedFrames uint64
	RecordedBytes  uint64
	RTP            media.RTPSinkStats

	KBitsPerGOP float64 // -1 until a full GOP was seen
	FPS         float64
}

// Stats returns a snapshot.
func (c *Controller) Stats() Stats {
	st := Stats{
		State:  c.buf.State(),
		Buffer: c.buf.Stats(),
		Pool:   c.pool.Stats(),
	}
	if s := c.active.Load(); s != nil {
		st.SessionID = s.id
		st.RecordedFrames = s.rec.Frames()
		st.RecordedBytes = s.rec.BytesWritten()
	}
	if c.rtp != nil {
		st.RTP = c.rtp.Stats()
	}
	c.in.Lock()
	st.KBitsPerGOP = c.bitRate.KBits()
	st.FPS = c.frameRate.FPS()
	c.in.Unlock()
	return st
}

// LogStats writes a one-line summary at info level and dumps the pool's free
// list at debug level.
func (c *Controller) LogStats() {
	st := c.Stats()
	c.log.Info("stats",
		"state", st.State.String(),
		"queued_frames", st.Buffer.FrameCount,
		"queued_bytes", st.Buffer.TotalBytes,
		"frames_in", st.Buffer.FramesIn,
		"frames_forwarded", st.Buffer.FramesForwarded,
		"groups_evicted", st.Buffer.GroupsEvicted,
		"overrun_evictions", st.Buffer.OverrunEvictions,
		"pool_buffers", st.Pool.BufferCount,
		"pool_bytes", st.Pool.BufferBytes,
		"pool_free", st.Pool.FreeBuffers,
		"session_id", st.SessionID,
		"kbits_per_gop", st.KBitsPerGOP,
		"fps", st.FPS)
	c.pool.LogFreeBuffers(c.log)
}

// Close stops an active recording within StopTimeout and releases all
// buffered storage. It is safe to call more than once.
func (c *Controller) Close() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.active.Load() != nil {
		if err := c.stopLocked(context.Background()); err != nil {
			// The drain goroutine still owns queued storage.
			if lrerrors.IsTimeout(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	if err := c.buf.Close(); err != nil {
		errs = append(errs, err)
	}
	return stdErrors.Join(errs...)
}
