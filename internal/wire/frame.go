package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType identifies the logical unit carried inside a decrypted packet
// payload (spec §3, §6).
type FrameType uint8

const (
	// FrameData carries application stream bytes.
	FrameData FrameType = 0x01
	// FrameAck acknowledges received data for congestion feedback (§4.K).
	FrameAck FrameType = 0x02
	// FrameClose terminates a stream or connection (spec §6 CLOSE frame).
	FrameClose FrameType = 0x03
	// FrameCrypto carries handshake/rekey material (§4.E, §4.F).
	FrameCrypto FrameType = 0x04
	// FramePlugin is reserved for the out-of-scope plugin dispatcher
	// (spec §6: frame-type range 0x50-0x5F).
	FramePlugin FrameType = 0x50
	// framePluginRangeEnd is the last reserved plugin frame type.
	framePluginRangeEnd FrameType = 0x5f
)

// IsPluginType reports whether t falls in the reserved plugin frame range.
func (t FrameType) IsPluginType() bool {
	return t >= FramePlugin && t <= framePluginRangeEnd
}

// String returns the human-readable frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "Data"
	case FrameAck:
		return "Ack"
	case FrameClose:
		return "Close"
	case FrameCrypto:
		return "Crypto"
	default:
		if t.IsPluginType() {
			return fmt.Sprintf("Plugin(0x%02x)", uint8(t))
		}
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Frame is a logical unit inside a decrypted packet payload (spec §3).
// Wire layout: type(1) | stream_id(4, BE) | seq(8, BE) | len(2, BE) | data.
const frameHeaderSize = 1 + 4 + 8 + 2

// Frame represents one decoded logical frame.
type Frame struct {
	Type     FrameType
	StreamID uint32
	Seq      uint64
	Data     []byte
}

// Sentinel errors for frame decoding.
var (
	// ErrFrameTruncated indicates fewer bytes than the frame header.
	ErrFrameTruncated = errors.New("wire: frame truncated")
	// ErrFrameLengthMismatch indicates the frame's declared length exceeds
	// the remaining buffer.
	ErrFrameLengthMismatch = errors.New("wire: frame length exceeds remaining payload")
)

// EncodeFrame appends the wire encoding of f to buf and returns the result.
func EncodeFrame(buf []byte, f Frame) []byte {
	var hdr [frameHeaderSize]byte
	hdr[0] = uint8(f.Type)
	binary.BigEndian.PutUint32(hdr[1:5], f.StreamID)
	binary.BigEndian.PutUint64(hdr[5:13], f.Seq)
	binary.BigEndian.PutUint16(hdr[13:15], uint16(len(f.Data)))

	buf = append(buf, hdr[:]...)
	buf = append(buf, f.Data...)
	return buf
}

// DecodeFrames parses all frames packed sequentially in buf. Multiple
// frames may share a packet payload (spec §3). Each returned Frame's Data
// aliases buf; copy before reuse if buf will be mutated.
func DecodeFrames(buf []byte) ([]Frame, error) {
	var frames []Frame
	for len(buf) > 0 {
		if len(buf) < frameHeaderSize {
			return nil, fmt.Errorf("wire: decode frames: %w", ErrFrameTruncated)
		}
		ftype := FrameType(buf[0])
		streamID := binary.BigEndian.Uint32(buf[1:5])
		seq := binary.BigEndian.Uint64(buf[5:13])
		length := binary.BigEndian.Uint16(buf[13:15])

		rest := buf[frameHeaderSize:]
		if int(length) > len(rest) {
			return nil, fmt.Errorf("wire: decode frames: declared %d, remaining %d: %w", length, len(rest), ErrFrameLengthMismatch)
		}

		frames = append(frames, Frame{
			Type:     ftype,
			StreamID: streamID,
			Seq:      seq,
			Data:     rest[:length],
		})
		buf = rest[length:]
	}
	return frames, nil
}

// CloseFrameBody decodes a CLOSE frame payload (spec §6: code:u16 |
// reason_len:u8 | reason:bytes).
type CloseFrameBody struct {
	Code     uint16
	Reason   []byte
}

// CloseCodeUnsupportedCapability is the well-known CLOSE code for an
// unsupported capability (spec §6, §7).
const CloseCodeUnsupportedCapability uint16 = 0x0007

// ErrCloseBodyTruncated indicates a CLOSE frame body shorter than its
// declared reason length.
var ErrCloseBodyTruncated = errors.New("wire: close frame body truncated")

// EncodeCloseBody serializes a CloseFrameBody to bytes.
func EncodeCloseBody(body CloseFrameBody) []byte {
	buf := make([]byte, 0, 3+len(body.Reason))
	var codeBuf [2]byte
	binary.BigEndian.PutUint16(codeBuf[:], body.Code)
	buf = append(buf, codeBuf[:]...)
	buf = append(buf, uint8(len(body.Reason)))
	buf = append(buf, body.Reason...)
	return buf
}

// DecodeCloseBody parses a CLOSE frame body.
func DecodeCloseBody(buf []byte) (CloseFrameBody, error) {
	if len(buf) < 3 {
		return CloseFrameBody{}, fmt.Errorf("wire: close body: %w", ErrCloseBodyTruncated)
	}
	code := binary.BigEndian.Uint16(buf[0:2])
	reasonLen := buf[2]
	if len(buf) < 3+int(reasonLen) {
		return CloseFrameBody{}, fmt.Errorf("wire: close body: %w", ErrCloseBodyTruncated)
	}
	return CloseFrameBody{Code: code, Reason: buf[3 : 3+reasonLen]}, nil
}
