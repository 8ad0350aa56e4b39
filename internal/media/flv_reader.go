package media

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FLVReader yields the video frames of an FLV stream in file order. Audio and
// script tags are skipped, as are video tags with unsupported codecs and AVC
// end-of-sequence markers.
type FLVReader struct {
	r          *bufio.Reader
	readHeader bool
	skipped    uint64
	codec      string
}

// NewFLVReader wraps r. The FLV header is validated on the first Next call.
func NewFLVReader(r io.Reader) *FLVReader {
	return &FLVReader{r: bufio.NewReader(r)}
}

// Skipped returns the number of tags ignored so far.
func (fr *FLVReader) Skipped() uint64 { return fr.skipped }

// Codec returns the video codec of the first frame read (one of the
// VideoCodec* constants), or "" before that.
func (fr *FLVReader) Codec() string { return fr.codec }

func (fr *FLVReader) header() error {
	var hdr [9]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return fmt.Errorf("flv.header: %w", err)
	}
	if hdr[0] != 'F' || hdr[1] != 'L' || hdr[2] != 'V' {
		return fmt.Errorf("flv.header: bad signature %q", hdr[:3])
	}
	offset := binary.BigEndian.Uint32(hdr[5:9])
	if offset < 9 {
		return fmt.Errorf("flv.header: bad data offset %d", offset)
	}
	if _, err := fr.r.Discard(int(offset - 9)); err != nil {
		return fmt.Errorf("flv.header: %w", err)
	}
	fr.readHeader = true
	return nil
}

// Next returns the next video frame. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF when a tag is truncated. The returned
// frame owns its payload.
func (fr *FLVReader) Next() (Frame, error) {
	if !fr.readHeader {
		if err := fr.header(); err != nil {
			return Frame{}, err
		}
	}
	for {
		// PreviousTagSize of the preceding tag, then the 11 byte tag header.
		var pre [4 + 11]byte
		if _, err := io.ReadFull(fr.r, pre[:4]); err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("flv.tag: %w", err)
		}
		if _, err := io.ReadFull(fr.r, pre[4:]); err != nil {
			if errors.Is(err, io.EOF) { // trailing PreviousTagSize only
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("flv.tag: %w", err)
		}
		h := pre[4:]
		tagType := h[0] & 0x1F
		size := int(h[1])<<16 | int(h[2])<<8 | int(h[3])
		ts := uint32(h[4])<<16 | uint32(h[5])<<8 | uint32(h[6]) | uint32(h[7])<<24

		if tagType != flvTagVideo {
			if _, err := fr.r.Discard(size); err != nil {
				return Frame{}, fmt.Errorf("flv.tag: %w", io.ErrUnexpectedEOF)
			}
			fr.skipped++
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(fr.r, data); err != nil {
			return Frame{}, fmt.Errorf("flv.tag: %w", io.ErrUnexpectedEOF)
		}
		vt, err := ParseVideoTag(data)
		if err != nil || vt.PacketType == AVCPacketTypeEndOfSequence {
			fr.skipped++
			continue
		}
		if fr.codec == "" {
			fr.codec = vt.Codec
		}
		return vt.Frame(ts), nil
	}
}
