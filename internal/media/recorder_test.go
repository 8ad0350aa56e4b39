package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// limitedWriter simulates disk full by failing after N bytes.
type limitedWriter struct {
	limit  int
	buf    bytes.Buffer
	closed bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.limit <= 0 {
		return 0, io.ErrShortWrite
	}
	if len(p) > l.limit {
		p = p[:l.limit]
	}
	n, _ := l.buf.Write(p)
	l.limit -= n
	if l.limit == 0 {
		return n, io.ErrShortWrite
	}
	return n, nil
}
func (l *limitedWriter) Close() error { l.closed = true; return nil }

func TestRecorder_Header(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.flv")
	r, err := NewRecorder(path, NullLogger())
	if err != nil {
		t.Fatalf("NewRecorder error: %v", err)
	}
	defer r.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if len(data) != 13 {
		t.Fatalf("expected 13 header bytes, got %d", len(data))
	}
	if string(data[:3]) != "FLV" {
		t.Fatalf("bad signature: %q", data[:3])
	}
	if data[4] != 0x01 {
		t.Fatalf("flags expected 0x01 got 0x%02X", data[4])
	}
	if off := binary.BigEndian.Uint32(data[5:9]); off != 9 {
		t.Fatalf("data offset expected 9 got %d", off)
	}
}

func TestRecorder_WriteFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "video.flv")
	r, err := NewRecorder(path, NullLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	key := Frame{Data: []byte{0xAA, 0xBB}, PTS: 5_000_000, Flags: FlagKeyFrame}
	inter := Frame{Data: []byte{0xCC}, PTS: 5_040_000}
	r.OnBuffer(key)
	r.OnBuffer(inter)
	if r.Frames() != 2 {
		t.Fatalf("expected 2 frames, got %d", r.Frames())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	expected := 13 + (11 + 5 + 2 + 4) + (11 + 5 + 1 + 4)
	if len(b) != expected {
		t.Fatalf("file size mismatch got %d want %d", len(b), expected)
	}
	if uint64(len(b)) != r.BytesWritten() {
		t.Fatalf("BytesWritten %d disagrees with file size %d", r.BytesWritten(), len(b))
	}

	idx := 13
	if b[idx] != 0x09 {
		t.Fatalf("first tag type want 0x09 got 0x%02X", b[idx])
	}
	if b[idx+11] != 0x17 || b[idx+12] != 0x01 {
		t.Fatalf("first tag should be AVC keyframe NALU, got %02X %02X", b[idx+11], b[idx+12])
	}
	ts := uint32(b[idx+4])<<16 | uint32(b[idx+5])<<8 | uint32(b[idx+6]) | uint32(b[idx+7])<<24
	if ts != 0 {
		t.Fatalf("first tag timestamp should be relative 0, got %d", ts)
	}

	idx += 11 + 5 + 2 + 4
	if b[idx+11] != 0x27 {
		t.Fatalf("second tag should be AVC inter frame, got %02X", b[idx+11])
	}
	ts = uint32(b[idx+4])<<16 | uint32(b[idx+5])<<8 | uint32(b[idx+6]) | uint32(b[idx+7])<<24
	if ts != 40 {
		t.Fatalf("second tag timestamp want 40 got %d", ts)
	}
}

func TestRecorder_RoundTripThroughReader(t *testing.T) {
	var out bytes.Buffer
	r := newRecorderWithWriter(nopCloser{&out}, NullLogger())
	r.WriteSequenceHeader([]byte{0x01, 0x64})
	gen := NewGenerator()
	want := make([]Frame, 0, 12)
	for i := 0; i < 12; i++ {
		f := gen.Next()
		want = append(want, f)
		r.WriteFrame(f)
	}

	fr := NewFLVReader(&out)
	cfg, err := fr.Next()
	if err != nil {
		t.Fatalf("read sequence header: %v", err)
	}
	if !cfg.IsCodecConfig() {
		t.Fatalf("expected codec config first, got %s", cfg.Flags)
	}
	if fr.Codec() != VideoCodecAVC {
		t.Fatalf("expected detected codec %s, got %q", VideoCodecAVC, fr.Codec())
	}
	for i, w := range want {
		got, err := fr.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.IsKey() != w.IsKey() || !bytes.Equal(got.Data, w.Data) {
			t.Fatalf("frame %d mismatch: key=%v size=%d", i, got.IsKey(), got.Size())
		}
		if got.PTS != w.PTS {
			t.Fatalf("frame %d PTS want %d got %d", i, w.PTS, got.PTS)
		}
	}
	if _, err := fr.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestRecorder_DiskFullSimulation(t *testing.T) {
	lw := &limitedWriter{limit: 8} // smaller than header (13) so header write fails
	r := newRecorderWithWriter(lw, NullLogger())
	if !r.Disabled() {
		t.Fatalf("recorder should be disabled after header failure")
	}
	if !lw.closed {
		t.Fatalf("writer should be closed after failure")
	}
	// Attempt to write a frame; should no-op and not panic
	r.WriteFrame(Frame{Data: []byte{0x01}, Flags: FlagKeyFrame})
	if r.Frames() != 0 {
		t.Fatalf("disabled recorder must not count frames")
	}
}

func TestRecorder_TagWriteFailureDisables(t *testing.T) {
	lw := &limitedWriter{limit: 20}
	r := newRecorderWithWriter(lw, NullLogger())
	if r.Disabled() {
		t.Fatalf("header fits, recorder should be enabled")
	}
	r.WriteFrame(Frame{Data: bytes.Repeat([]byte{1}, 64), Flags: FlagKeyFrame})
	if !r.Disabled() {
		t.Fatalf("recorder should be disabled after tag failure")
	}
}

func TestRecorder_CountersDoNotWaitForWrite(t *testing.T) {
	w := newStallWriter(t, 1) // the header goes through
	r := newRecorderWithWriter(w, NullLogger())

	written := make(chan struct{})
	go func() {
		r.WriteFrame(Frame{Data: []byte{1, 2, 3}, Flags: FlagKeyFrame})
		close(written)
	}()
	w.waitBlocked(t)

	returnsWithin(t, 500*time.Millisecond, func() {
		if r.Frames() != 0 || r.BytesWritten() != 13 || r.Disabled() {
			t.Errorf("unexpected counters mid-write: frames=%d bytes=%d", r.Frames(), r.BytesWritten())
		}
	})

	w.release()
	<-written
	if r.Frames() != 1 {
		t.Fatalf("expected one frame after release, got %d", r.Frames())
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
