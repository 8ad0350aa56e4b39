package media

import "time"

// BitRater measures the bitrate of a stream per GOP: bytes are summed from
// one key frame to the next, which is steadier than wall-clock sampling when
// frame delivery jitters.
type BitRater struct {
	bytes  int
	frames int
	kbits  float64
}

// NewBitRater returns a rater reporting -1 until the first GOP completes.
func NewBitRater() *BitRater { return &BitRater{kbits: -1} }

// Update accounts one frame.
func (b *BitRater) Update(size int, isKey bool) {
	if isKey && b.frames > 0 {
		b.kbits = float64(b.bytes) * 8 / 1000
		b.bytes = 0
		b.frames = 0
	}
	b.bytes += size
	b.frames++
}

// KBits returns the size of the last complete GOP in kilobits, or -1.
func (b *BitRater) KBits() float64 { return b.kbits }

// FrameRater measures frames per second over windows of at least one second.
type FrameRater struct {
	now    func() time.Time
	last   time.Time
	frames int
	fps    float64
}

// NewFrameRater creates a rater. A nil clock uses time.Now.
func NewFrameRater(clock func() time.Time) *FrameRater {
	if clock == nil {
		clock = time.Now
	}
	return &FrameRater{now: clock}
}

// AddFrame registers one frame arrival.
func (r *FrameRater) AddFrame() {
	t := r.now()
	if r.last.IsZero() {
		r.last = t
		r.frames = 0
		return
	}
	r.frames++
	if d := t.Sub(r.last); d > time.Second {
		r.fps = float64(r.frames) / d.Seconds()
		r.last = t
		r.frames = 0
	}
}

// FPS returns the rate measured over the last complete window.
func (r *FrameRater) FPS() float64 { return r.fps }
