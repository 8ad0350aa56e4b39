package bufpool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lrerrors "github.com/alxayo/go-looprec/internal/errors"
)

// DefaultMaxFree is the free-list cap used when no explicit value is configured.
const DefaultMaxFree = 30

// Buffer is a fixed-capacity byte region owned by a Pool. Identity is the
// pointer: two buffers of equal capacity are distinct records.
type Buffer struct {
	data []byte
}

// Cap returns the fixed capacity of the buffer.
func (b *Buffer) Cap() int { return cap(b.data) }

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the filled portion of the buffer. The slice aliases pool
// storage and must not be retained after the buffer is returned.
func (b *Buffer) Bytes() []byte { return b.data }

// Reset sets the length to zero. Content is not cleared.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Write appends p. It never grows the buffer; a write that would exceed the
// capacity is rejected without copying anything.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(b.data)+len(p) > cap(b.data) {
		return 0, lrerrors.NewUsageError("bufpool.write",
			fmt.Errorf("%w: len=%d add=%d cap=%d", lrerrors.ErrBufferFull, len(b.data), len(p), cap(b.data)))
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Stats is a point-in-time snapshot of pool accounting.
type Stats struct {
	BufferCount int   // buffers allocated and not yet trimmed
	BufferBytes int64 // summed capacity of those buffers
	FreeBuffers int   // length of the free list
}

// Pool recycles byte buffers for short-lived, variably sized frame storage.
// Requests are served best-fit from a free list kept sorted by ascending
// capacity; the free list is capped and trimmed smallest-first.
// All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	maxFree int
	free    []*Buffer
	freeSet map[*Buffer]struct{}
	all     map[*Buffer]struct{}
}

// New creates a pool retaining at most maxFree idle buffers.
func New(maxFree int) (*Pool, error) {
	if maxFree <= 0 {
		return nil, lrerrors.NewConfigError("bufpool.new",
			fmt.Errorf("max free buffers must be positive, got %d", maxFree))
	}
	return &Pool{
		maxFree: maxFree,
		freeSet: make(map[*Buffer]struct{}),
		all:     make(map[*Buffer]struct{}),
	}, nil
}

// Default creates a pool with DefaultMaxFree.
func Default() *Pool {
	p, _ := New(DefaultMaxFree)
	return p
}

// Retrieve returns an empty buffer whose capacity is at least size. The
// smallest free buffer that fits is reused; otherwise a buffer of exactly size
// bytes is allocated.
func (p *Pool) Retrieve(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].Cap() >= size })
	if i < len(p.free) {
		buf := p.free[i]
		p.free = append(p.free[:i], p.free[i+1:]...)
		delete(p.freeSet, buf)
		return buf
	}
	return p.allocLocked(size)
}

func (p *Pool) allocLocked(size int) *Buffer {
	buf := &Buffer{data: make([]byte, 0, size)}
	p.all[buf] = struct{}{}
	return buf
}

// Return hands a single buffer back to the pool.
func (p *Pool) Return(buf *Buffer) error {
	return p.ReturnMany([]*Buffer{buf})
}

// ReturnMany hands a batch of buffers back to the pool. The whole batch is
// validated first: if any member is nil, foreign, already free or listed
// twice, nothing is returned and a UsageError is reported.
func (p *Pool) ReturnMany(bufs []*Buffer) error {
	if len(bufs) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[*Buffer]struct{}, len(bufs))
	for _, buf := range bufs {
		if buf == nil {
			return lrerrors.NewUsageError("bufpool.return", lrerrors.ErrNilBuffer)
		}
		if _, ok := p.all[buf]; !ok {
			return lrerrors.NewUsageError("bufpool.return", lrerrors.ErrUnknownBuffer)
		}
		if _, ok := p.freeSet[buf]; ok {
			return lrerrors.NewUsageError("bufpool.return", lrerrors.ErrDoubleFree)
		}
		if _, ok := seen[buf]; ok {
			return lrerrors.NewUsageError("bufpool.return", lrerrors.ErrDoubleFree)
		}
		seen[buf] = struct{}{}
	}

	for _, buf := range bufs {
		buf.Reset()
		p.free = append(p.free, buf)
		p.freeSet[buf] = struct{}{}
	}
	sort.SliceStable(p.free, func(i, j int) bool { return p.free[i].Cap() < p.free[j].Cap() })
	p.trimLocked()
	return nil
}

// trimLocked drops the smallest free buffers until the cap is honoured. Small
// buffers are the cheapest to allocate again later.
func (p *Pool) trimLocked() {
	for len(p.free) > p.maxFree {
		buf := p.free[0]
		p.free[0] = nil
		p.free = p.free[1:]
		delete(p.freeSet, buf)
		delete(p.all, buf)
	}
}

// Stats recomputes the pool accounting from the tracked buffers.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{BufferCount: len(p.all), FreeBuffers: len(p.free)}
	for buf := range p.all {
		st.BufferBytes += int64(buf.Cap())
	}
	return st
}

// LogFreeBuffers dumps the free list at debug level.
func (p *Pool) LogFreeBuffers(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l.Debug("free buffers", "count", len(p.free), "max_free", p.maxFree)
	for i, buf := range p.free {
		l.Debug("free buffer", "index", i, "cap", buf.Cap())
	}
}
