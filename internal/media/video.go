package media

import "fmt"

// Video codec string identifiers used for simple detection.
const (
	VideoCodecAVC  = "H264"
	VideoCodecHEVC = "H265"
)

// Frame type identifiers (returned as strings for readability / logging).
const (
	VideoFrameTypeKey   = "keyframe"
	VideoFrameTypeInter = "inter"
)

// AVC (H.264) packet types.
const (
	AVCPacketTypeSequenceHeader = "sequence_header"
	AVCPacketTypeNALU           = "nalu"
	AVCPacketTypeEndOfSequence  = "end_of_sequence"
)

// FLV video tag constants shared by the reader and the recorder.
const (
	flvTagAudio  = 0x08
	flvTagVideo  = 0x09
	flvTagScript = 0x12

	flvFrameTypeKey   = 1
	flvFrameTypeInter = 2
	flvCodecAVC       = 7
	flvCodecHEVC      = 12

	avcPacketSequenceHeader = 0x00
	avcPacketNALU           = 0x01
	avcPacketEndOfSequence  = 0x02
)

// VideoTag is a lightweight parsed representation of an FLV video tag body.
//
// Tag layout:
//
//	[VideoHeader][AVCPacketType][CompositionTime 24-bit signed][Data...]
//
// VideoHeader: frameType (bits 7-4), codecID (bits 3-0). HEVC using the
// legacy codec id 12 follows the same layout as AVC.
type VideoTag struct {
	Codec           string // One of VideoCodec* constants
	FrameType       string // keyframe / inter (others -> "unknown_N")
	PacketType      string // sequence_header / nalu / end_of_sequence
	CompositionTime int32  // milliseconds, PTS = DTS + CompositionTime
	Payload         []byte // bytes after the 5 byte prefix
}

// ParseVideoTag parses the body of an FLV video tag. Only AVC and HEVC are
// supported; other codecs return an error.
func ParseVideoTag(data []byte) (*VideoTag, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("video.parse: empty payload")
	}
	b0 := data[0]
	frameTypeID := (b0 >> 4) & 0x0F
	codecID := b0 & 0x0F

	vt := &VideoTag{}
	switch frameTypeID {
	case flvFrameTypeKey:
		vt.FrameType = VideoFrameTypeKey
	case flvFrameTypeInter:
		vt.FrameType = VideoFrameTypeInter
	default:
		vt.FrameType = fmt.Sprintf("unknown_%d", frameTypeID)
	}

	switch codecID {
	case flvCodecAVC:
		vt.Codec = VideoCodecAVC
	case flvCodecHEVC:
		vt.Codec = VideoCodecHEVC
	default:
		return nil, fmt.Errorf("video.parse: unsupported codec id=%d", codecID)
	}

	if len(data) < 5 {
		return nil, fmt.Errorf("video.parse: %s packet truncated (need 5 byte prefix, got %d)", vt.Codec, len(data))
	}
	switch data[1] {
	case avcPacketSequenceHeader:
		vt.PacketType = AVCPacketTypeSequenceHeader
	case avcPacketNALU:
		vt.PacketType = AVCPacketTypeNALU
	case avcPacketEndOfSequence:
		vt.PacketType = AVCPacketTypeEndOfSequence
	default:
		vt.PacketType = fmt.Sprintf("unknown_%d", data[1])
	}
	cts := int32(data[2])<<16 | int32(data[3])<<8 | int32(data[4])
	if cts&0x800000 != 0 { // sign-extend 24-bit
		cts |= ^0xFFFFFF
	}
	vt.CompositionTime = cts
	vt.Payload = data[5:]
	return vt, nil
}

// Frame converts the tag into a buffer Frame. dtsMillis is the FLV tag
// timestamp. The payload is aliased, not copied.
func (vt *VideoTag) Frame(dtsMillis uint32) Frame {
	var flags Flags
	if vt.FrameType == VideoFrameTypeKey {
		flags |= FlagKeyFrame
	}
	if vt.PacketType == AVCPacketTypeSequenceHeader {
		flags |= FlagCodecConfig
	}
	pts := (int64(dtsMillis) + int64(vt.CompositionTime)) * 1000
	return Frame{Data: vt.Payload, PTS: pts, Flags: flags}
}
