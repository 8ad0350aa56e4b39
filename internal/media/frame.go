package media

import (
	"io"
	"log/slog"
	"strings"
)

// Flags describes the two properties of an encoded frame the buffer cares
// about. Payload contents are never interpreted beyond them.
type Flags uint8

const (
	// FlagKeyFrame marks an independently decodable frame that opens a GOP.
	FlagKeyFrame Flags = 1 << iota
	// FlagCodecConfig marks out-of-band encoder setup data (SPS/PPS and the like).
	FlagCodecConfig
)

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f&FlagKeyFrame != 0 {
		parts = append(parts, "key")
	}
	if f&FlagCodecConfig != 0 {
		parts = append(parts, "config")
	}
	return strings.Join(parts, "|")
}

// Frame is one encoded video access unit.
//
// When a Frame is delivered to a sink by the circular buffer, Data aliases
// pooled storage and is only valid until the callback returns.
type Frame struct {
	Data  []byte
	PTS   int64 // presentation timestamp in microseconds
	Flags Flags
}

// IsKey reports whether the frame starts a group of pictures.
func (f Frame) IsKey() bool { return f.Flags&FlagKeyFrame != 0 }

// IsCodecConfig reports whether the frame carries codec setup data.
func (f Frame) IsCodecConfig() bool { return f.Flags&FlagCodecConfig != 0 }

// Size returns the payload length in bytes.
func (f Frame) Size() int { return len(f.Data) }

// Clone returns a frame owning a private copy of the payload.
func (f Frame) Clone() Frame {
	c := f
	c.Data = append([]byte(nil), f.Data...)
	return c
}

// NullLogger returns a logger that discards everything (handy in tests).
func NullLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
