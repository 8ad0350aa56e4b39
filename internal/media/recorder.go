package media

// FLV Recorder
// ------------
// Muxer sink that persists forwarded frames into a single FLV file:
//   * Writes the FLV header (video flag only) once
//   * Writes each frame as an AVC video tag (key/inter, NALU packet type)
//   * Codec configuration is written as an AVC sequence header tag
//   * Tag format: 11 byte tag header + data + 4 byte PreviousTagSize
//   * Graceful degradation: on any write error the recorder is disabled and
//     later frames are dropped silently; the buffer keeps running
// Tag timestamps are milliseconds relative to the first frame written.

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Recorder persists frames into a single FLV file. OnBuffer makes it usable
// directly as a circular buffer sink.
//
// mu serializes file I/O. The counters and the disabled flag are atomics so
// readers never wait behind a slow write.
type Recorder struct {
	mu          sync.Mutex
	w           io.WriteCloser
	logger      *slog.Logger
	wroteHeader bool
	basePTS     int64
	haveBase    bool

	bytesWritten atomic.Uint64
	frames       atomic.Uint64
	disabled     atomic.Bool
}

// NewRecorder creates a recorder writing to the supplied file path. If file
// creation fails it returns a nil *Recorder and the error.
func NewRecorder(path string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder.create: %w", err)
	}
	r := &Recorder{w: f, logger: logger}
	if err := r.writeHeader(); err != nil {
		// writeHeader already closed on failure
		return nil, err
	}
	return r, nil
}

// newRecorderWithWriter allows tests to inject a failing writer (disk full simulation).
func newRecorderWithWriter(w io.WriteCloser, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{w: w, logger: logger}
	_ = r.writeHeader() // Ignore error in helper; tests can assert state.
	return r
}

// Disabled returns true if the recorder encountered a fatal write error or was closed.
func (r *Recorder) Disabled() bool {
	return r.disabled.Load()
}

// BytesWritten returns the number of bytes written so far, header included.
func (r *Recorder) BytesWritten() uint64 {
	return r.bytesWritten.Load()
}

// Frames returns the number of frame tags written (sequence headers excluded).
func (r *Recorder) Frames() uint64 {
	return r.frames.Load()
}

// writeHeader writes the 13 byte FLV header: 9 bytes header + 4 bytes PreviousTagSize0
//
//	Signature: 'F','L','V'
//	Version:   0x01
//	Flags:     0x01 (video present)
//	DataOffset: 0x00000009 (header length) big-endian
//	PreviousTagSize0: 0x00000000
func (r *Recorder) writeHeader() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil || r.wroteHeader {
		return nil
	}
	header := []byte{'F', 'L', 'V', 0x01, 0x01, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
	if _, err := r.w.Write(header); err != nil {
		r.logger.Error("recorder write header failed", "err", err)
		r.closeLocked()
		return fmt.Errorf("recorder.header: %w", err)
	}
	r.wroteHeader = true
	r.bytesWritten.Add(uint64(len(header)))
	return nil
}

// OnBuffer implements the circular buffer sink contract.
func (r *Recorder) OnBuffer(f Frame) { r.WriteFrame(f) }

// WriteFrame persists a frame. Codec configuration frames become AVC sequence
// headers. Safe to call after a failure; it no-ops when disabled.
func (r *Recorder) WriteFrame(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil { // disabled
		return
	}
	if !r.haveBase {
		r.basePTS = f.PTS
		r.haveBase = true
	}
	rel := f.PTS - r.basePTS
	if rel < 0 {
		rel = 0
	}
	ts := uint32(rel / 1000)

	frameType := byte(flvFrameTypeInter)
	if f.IsKey() || f.IsCodecConfig() {
		frameType = flvFrameTypeKey
	}
	packetType := byte(avcPacketNALU)
	if f.IsCodecConfig() {
		packetType = avcPacketSequenceHeader
	}
	prefix := [5]byte{frameType<<4 | flvCodecAVC, packetType, 0, 0, 0}
	if err := r.writeTagLocked(flvTagVideo, ts, prefix[:], f.Data); err != nil {
		r.logger.Error("recorder tag write failed", "err", err, "pts_us", f.PTS)
		r.closeLocked()
		return
	}
	if !f.IsCodecConfig() {
		r.frames.Add(1)
	}
}

// WriteSequenceHeader writes AVC decoder configuration at the current position.
func (r *Recorder) WriteSequenceHeader(cfg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return
	}
	prefix := [5]byte{flvFrameTypeKey<<4 | flvCodecAVC, avcPacketSequenceHeader, 0, 0, 0}
	if err := r.writeTagLocked(flvTagVideo, 0, prefix[:], cfg); err != nil {
		r.logger.Error("recorder sequence header write failed", "err", err)
		r.closeLocked()
	}
}

// writeTagLocked writes a single FLV tag and its PreviousTagSize.
// Tag header (11 bytes):
//
//	0:  TagType
//	1-3 DataSize (big-endian 24-bit)
//	4-6 Timestamp Lower 24 bits
//	7:  Timestamp Extended (upper 8 bits)
//	8-10 StreamID (always 0)
func (r *Recorder) writeTagLocked(tagType uint8, timestamp uint32, prefix, payload []byte) error {
	dataSize := len(prefix) + len(payload)
	if dataSize > 0xFFFFFF { // out of FLV 24-bit range
		return fmt.Errorf("recorder.tag: payload too large: %d", dataSize)
	}
	var hdr [11]byte
	hdr[0] = tagType
	hdr[1] = byte(dataSize >> 16)
	hdr[2] = byte(dataSize >> 8)
	hdr[3] = byte(dataSize)
	hdr[4] = byte(timestamp >> 16)
	hdr[5] = byte(timestamp >> 8)
	hdr[6] = byte(timestamp)
	hdr[7] = byte(timestamp >> 24) // Extended timestamp

	if _, err := r.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(prefix); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := r.w.Write(payload); err != nil {
			return err
		}
	}
	var szBuf [4]byte
	binary.BigEndian.PutUint32(szBuf[:], uint32(11+dataSize))
	if _, err := r.w.Write(szBuf[:]); err != nil {
		return err
	}
	r.bytesWritten.Add(uint64(11 + dataSize + 4))
	return nil
}

// Close releases the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) closeLocked() error {
	if r.w == nil {
		return nil
	}
	err := r.w.Close()
	r.w = nil
	r.disabled.Store(true)
	return err
}
