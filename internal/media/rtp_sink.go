package media

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const (
	h264ClockRate  = 90000
	defaultRTPMTU  = 1200
	defaultRTPType = 96
)

// RTPConfig configures an RTPSink.
type RTPConfig struct {
	MTU              uint16 // default 1200
	PayloadType      uint8  // default 96 (dynamic H.264)
	SSRC             uint32
	InitialTimestamp uint32
}

// RTPSinkStats counts sink activity.
type RTPSinkStats struct {
	Frames  uint64
	Packets uint64
	Bytes   uint64
	Errors  uint64
}

// RTPSink packetizes Annex-B H.264 frames into RTP packets and writes each
// marshalled packet with a single Write call (one datagram per packet when w
// is a UDP connection). RTP timestamps follow the frame PTS on a 90 kHz clock.
// Write errors are logged and counted, never returned to the caller, so a
// failing network path cannot stall the circular buffer.
type RTPSink struct {
	mu         sync.Mutex // held across packetizing and writing
	w          io.Writer
	packetizer rtp.Packetizer
	baseTS     uint32
	firstPTS   int64
	started    bool
	logger     *slog.Logger

	frames  atomic.Uint64
	packets atomic.Uint64
	bytes   atomic.Uint64
	errors  atomic.Uint64
}

// NewRTPSink creates a sink writing to w.
func NewRTPSink(w io.Writer, cfg RTPConfig, logger *slog.Logger) *RTPSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultRTPMTU
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = defaultRTPType
	}
	return &RTPSink{
		w: w,
		packetizer: rtp.NewPacketizer(cfg.MTU, cfg.PayloadType, cfg.SSRC,
			&codecs.H264Payloader{}, rtp.NewRandomSequencer(), h264ClockRate),
		baseTS: cfg.InitialTimestamp,
		logger: logger.With("component", "rtp_sink", "ssrc", cfg.SSRC),
	}
}

// OnBuffer implements the circular buffer sink contract.
func (s *RTPSink) OnBuffer(f Frame) { s.WriteFrame(f) }

// WriteFrame packetizes and sends one frame. Codec configuration frames are
// sent too; the H.264 payloader aggregates SPS/PPS with the next NAL unit.
func (s *RTPSink) WriteFrame(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.firstPTS = f.PTS
		s.started = true
	}
	ts := s.baseTS + ptsToRTP(f.PTS-s.firstPTS)

	packets := s.packetizer.Packetize(f.Data, 0)
	s.frames.Add(1)
	for _, pkt := range packets {
		pkt.Timestamp = ts
		raw, err := pkt.Marshal()
		if err != nil {
			s.errors.Add(1)
			s.logger.Error("rtp marshal failed", "error", err, "pts_us", f.PTS)
			continue
		}
		if _, err := s.w.Write(raw); err != nil {
			s.errors.Add(1)
			s.logger.Error("rtp write failed", "error", err, "pts_us", f.PTS)
			continue
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(raw)))
	}
	s.logger.Debug("rtp frame sent", "pts_us", f.PTS, "packets", len(packets), "rtp_ts", ts)
}

// Stats returns a snapshot of the sink counters. It does not wait for a
// frame that is being written.
func (s *RTPSink) Stats() RTPSinkStats {
	return RTPSinkStats{
		Frames:  s.frames.Load(),
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
		Errors:  s.errors.Load(),
	}
}

// ptsToRTP converts a microsecond delta into 90 kHz ticks.
func ptsToRTP(deltaUs int64) uint32 {
	if deltaUs < 0 {
		deltaUs = 0
	}
	return uint32(deltaUs * h264ClockRate / 1_000_000)
}
