package media

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// datagramWriter keeps every Write as a separate packet, like a UDP socket.
type datagramWriter struct {
	packets [][]byte
	fail    bool
}

func (d *datagramWriter) Write(p []byte) (int, error) {
	if d.fail {
		return 0, errors.New("network unreachable")
	}
	d.packets = append(d.packets, append([]byte(nil), p...))
	return len(p), nil
}

// stallWriter lets the first pass writes through and blocks the rest until
// release is called. entered is closed when the first write blocks.
type stallWriter struct {
	mu      sync.Mutex
	pass    int
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
	enter   sync.Once
}

func newStallWriter(t *testing.T, pass int) *stallWriter {
	w := &stallWriter{pass: pass, entered: make(chan struct{}), gate: make(chan struct{})}
	t.Cleanup(w.release)
	return w
}

func (w *stallWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.pass--
	blocked := w.pass < 0
	w.mu.Unlock()
	if blocked {
		w.enter.Do(func() { close(w.entered) })
		<-w.gate
	}
	return len(p), nil
}

func (w *stallWriter) Close() error { return nil }

func (w *stallWriter) release() { w.once.Do(func() { close(w.gate) }) }

func (w *stallWriter) waitBlocked(t *testing.T) {
	t.Helper()
	select {
	case <-w.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("writer never blocked")
	}
}

// returnsWithin fails the test if fn does not return within d.
func returnsWithin(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("call blocked for %s", d)
	}
}

func unmarshalAll(t *testing.T, raw [][]byte) []rtp.Packet {
	t.Helper()
	out := make([]rtp.Packet, 0, len(raw))
	for i, b := range raw {
		var pkt rtp.Packet
		if err := pkt.Unmarshal(b); err != nil {
			t.Fatalf("packet %d: unmarshal: %v", i, err)
		}
		out = append(out, pkt)
	}
	return out
}

func TestRTPSink_TimestampsFollowPTS(t *testing.T) {
	w := &datagramWriter{}
	s := NewRTPSink(w, RTPConfig{SSRC: 0x1234, InitialTimestamp: 1000}, NullLogger())

	s.OnBuffer(Frame{Data: []byte{0, 0, 0, 1, 0x65, 1, 2, 3}, PTS: 2_000_000, Flags: FlagKeyFrame})
	s.OnBuffer(Frame{Data: []byte{0, 0, 0, 1, 0x41, 4, 5}, PTS: 2_100_000})

	pkts := unmarshalAll(t, w.packets)
	if len(pkts) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(pkts))
	}
	if pkts[0].Timestamp != 1000 {
		t.Fatalf("first timestamp want 1000 got %d", pkts[0].Timestamp)
	}
	// 100ms at 90kHz
	if pkts[1].Timestamp != 1000+9000 {
		t.Fatalf("second timestamp want %d got %d", 1000+9000, pkts[1].Timestamp)
	}
	for i, p := range pkts {
		if p.SSRC != 0x1234 || p.PayloadType != defaultRTPType {
			t.Fatalf("packet %d header mismatch: %+v", i, p.Header)
		}
		if !p.Marker {
			t.Fatalf("packet %d should carry the marker bit (last packet of frame)", i)
		}
	}
	if pkts[1].SequenceNumber != pkts[0].SequenceNumber+1 {
		t.Fatalf("sequence numbers not consecutive: %d, %d", pkts[0].SequenceNumber, pkts[1].SequenceNumber)
	}
	if pkts[0].Payload[0] != 0x65 {
		t.Fatalf("expected single NAL unit payload, got %02X", pkts[0].Payload[0])
	}

	st := s.Stats()
	if st.Frames != 2 || st.Packets != 2 || st.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRTPSink_FragmentsLargeFrames(t *testing.T) {
	w := &datagramWriter{}
	s := NewRTPSink(w, RTPConfig{MTU: 500}, NullLogger())
	gen := NewGenerator() // first frame is a 1300 byte key frame
	s.WriteFrame(gen.Next())

	pkts := unmarshalAll(t, w.packets)
	if len(pkts) < 3 {
		t.Fatalf("expected FU-A fragmentation into >=3 packets, got %d", len(pkts))
	}
	for i, p := range pkts {
		if len(w.packets[i]) > 500 {
			t.Fatalf("packet %d exceeds MTU: %d", i, len(w.packets[i]))
		}
		if p.Marker != (i == len(pkts)-1) {
			t.Fatalf("marker bit wrong on packet %d", i)
		}
	}
}

func TestRTPSink_WriteErrorsAreCounted(t *testing.T) {
	w := &datagramWriter{fail: true}
	s := NewRTPSink(w, RTPConfig{}, NullLogger())
	s.WriteFrame(Frame{Data: []byte{0, 0, 0, 1, 0x65, 1}, Flags: FlagKeyFrame})
	st := s.Stats()
	if st.Errors != 1 || st.Packets != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRTPSink_StatsDoNotWaitForWrite(t *testing.T) {
	w := newStallWriter(t, 0)
	s := NewRTPSink(w, RTPConfig{}, NullLogger())

	sent := make(chan struct{})
	go func() {
		s.WriteFrame(Frame{Data: []byte{0, 0, 0, 1, 0x65, 1}, Flags: FlagKeyFrame})
		close(sent)
	}()
	w.waitBlocked(t)

	var st RTPSinkStats
	returnsWithin(t, 500*time.Millisecond, func() { st = s.Stats() })
	if st.Frames != 1 || st.Packets != 0 {
		t.Fatalf("unexpected stats mid-write: %+v", st)
	}

	w.release()
	<-sent
	if st := s.Stats(); st.Packets != 1 {
		t.Fatalf("expected one packet after release, got %+v", st)
	}
}
