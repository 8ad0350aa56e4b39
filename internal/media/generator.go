package media

// Generator produces a synthetic encoded stream: a key frame every
// KeyInterval frames, key frames larger than partial frames, PTS advancing by
// a fixed step. Payloads are Annex-B shaped (start code + NAL header) so that
// RTP packetization of generated frames yields sensible packets.
type Generator struct {
	KeyInterval int   // frames per GOP (default 10)
	KeySize     int   // key frame payload size in bytes (default 1300)
	PartialSize int   // partial frame payload size in bytes (default 400)
	Step        int64 // PTS increment in microseconds (default 10ms)

	counter int64
}

// NewGenerator returns a generator with the defaults described on Generator.
func NewGenerator() *Generator {
	return &Generator{KeyInterval: 10, KeySize: 1300, PartialSize: 400, Step: 10_000}
}

// Count returns the number of frames produced so far.
func (g *Generator) Count() int64 { return g.counter }

// Next returns the next frame. Each call allocates a fresh payload.
func (g *Generator) Next() Frame {
	interval := int64(g.KeyInterval)
	if interval <= 0 {
		interval = 1
	}
	f := Frame{PTS: g.counter * g.Step}
	size, nalHeader := g.PartialSize, byte(0x41) // non-IDR slice
	if g.counter%interval == 0 {
		f.Flags = FlagKeyFrame
		size, nalHeader = g.KeySize, 0x65 // IDR slice
	}
	if size < 5 {
		size = 5
	}
	data := make([]byte, size)
	data[3] = 0x01 // 00 00 00 01 start code
	data[4] = nalHeader
	for i := 5; i < size; i++ {
		data[i] = byte(g.counter)
	}
	f.Data = data
	g.counter++
	return f
}
