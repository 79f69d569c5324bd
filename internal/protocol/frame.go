package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/postalsys/handlemesh/internal/identity"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownFrameType is returned for unrecognized frame types
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame represents a wire protocol frame.
// Header format (14 bytes):
//
//	Type     [1 byte]  - Frame type
//	Flags    [1 byte]  - Frame flags
//	Length   [4 bytes] - Payload length (big-endian)
//	StreamID [8 bytes] - Stream identifier (big-endian)
type Frame struct {
	Type     uint8
	Flags    uint8
	StreamID uint64
	Payload  []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	buf[1] = f.Flags
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	binary.BigEndian.PutUint64(buf[6:14], f.StreamID)
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (frameType uint8, flags uint8, length uint32, streamID uint64, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	frameType = buf[0]
	flags = buf[1]
	length = binary.BigEndian.Uint32(buf[2:6])
	streamID = binary.BigEndian.Uint64(buf[6:14])

	if length > MaxPayloadSize {
		return 0, 0, 0, 0, ErrFrameTooLarge
	}
	if !IsProxyFrame(frameType) && !IsLinkFrame(frameType) {
		return 0, 0, 0, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, frameType)
	}

	return
}

// Decode deserializes a frame from bytes.
func Decode(buf []byte) (*Frame, error) {
	frameType, flags, length, streamID, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if len(buf) < HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+int(length)])

	return &Frame{
		Type:     frameType,
		Flags:    flags,
		StreamID: streamID,
		Payload:  payload,
	}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Flags=0x%02x, StreamID=%d, PayloadLen=%d}",
		FrameTypeName(f.Type), f.Flags, f.StreamID, len(f.Payload))
}

// ============================================================================
// Payload structures
// ============================================================================

// LinkHello is the payload for LINK_HELLO and LINK_HELLO_ACK frames.
type LinkHello struct {
	Version      uint16
	NodeID       identity.NodeID
	Timestamp    uint64
	Capabilities []string
}

// Encode serializes LinkHello to bytes.
func (p *LinkHello) Encode() []byte {
	size := 2 + identity.IDSize + 8 + 1
	for _, c := range p.Capabilities {
		size += 1 + len(c)
	}

	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], p.Version)
	offset += 2

	copy(buf[offset:], p.NodeID[:])
	offset += identity.IDSize

	binary.BigEndian.PutUint64(buf[offset:], p.Timestamp)
	offset += 8

	buf[offset] = uint8(len(p.Capabilities))
	offset++

	for _, c := range p.Capabilities {
		buf[offset] = uint8(len(c))
		offset++
		copy(buf[offset:], c)
		offset += len(c)
	}

	return buf
}

// DecodeLinkHello deserializes LinkHello from bytes.
func DecodeLinkHello(buf []byte) (*LinkHello, error) {
	if len(buf) < 2+identity.IDSize+8+1 {
		return nil, fmt.Errorf("%w: LinkHello too short", ErrInvalidFrame)
	}

	p := &LinkHello{}
	offset := 0

	p.Version = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	copy(p.NodeID[:], buf[offset:offset+identity.IDSize])
	offset += identity.IDSize

	p.Timestamp = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	capLen := int(buf[offset])
	offset++

	p.Capabilities = make([]string, 0, capLen)
	for i := 0; i < capLen; i++ {
		if offset >= len(buf) {
			return nil, fmt.Errorf("%w: LinkHello capabilities truncated", ErrInvalidFrame)
		}
		strLen := int(buf[offset])
		offset++
		if offset+strLen > len(buf) {
			return nil, fmt.Errorf("%w: LinkHello capability string truncated", ErrInvalidFrame)
		}
		p.Capabilities = append(p.Capabilities, string(buf[offset:offset+strLen]))
		offset += strLen
	}

	return p, nil
}

// BeginTransfer is the payload for BEGIN_TRANSFER frames.
type BeginTransfer struct {
	Node identity.NodeID
	Key  identity.TransferKey
}

// Encode serializes BeginTransfer to bytes.
func (b *BeginTransfer) Encode() []byte {
	buf := make([]byte, 2*identity.IDSize)
	copy(buf, b.Node[:])
	copy(buf[identity.IDSize:], b.Key[:])
	return buf
}

// DecodeBeginTransfer deserializes BeginTransfer from bytes.
func DecodeBeginTransfer(buf []byte) (*BeginTransfer, error) {
	if len(buf) != 2*identity.IDSize {
		return nil, fmt.Errorf("%w: BeginTransfer must be %d bytes, got %d", ErrInvalidFrame, 2*identity.IDSize, len(buf))
	}
	b := &BeginTransfer{}
	copy(b.Node[:], buf[:identity.IDSize])
	copy(b.Key[:], buf[identity.IDSize:])
	return b, nil
}

// Shutdown is the payload for SHUTDOWN frames. A zero Status means success
// and is encoded as an empty payload.
type Shutdown struct {
	Status int32
}

// Encode serializes Shutdown to bytes.
func (s *Shutdown) Encode() []byte {
	if s.Status == 0 {
		return nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(s.Status))
	return buf
}

// DecodeShutdown deserializes Shutdown from bytes.
func DecodeShutdown(buf []byte) (*Shutdown, error) {
	switch len(buf) {
	case 0:
		return &Shutdown{}, nil
	case 4:
		st := int32(binary.BigEndian.Uint32(buf))
		if st == 0 {
			return nil, fmt.Errorf("%w: Shutdown carries explicit OK status", ErrInvalidFrame)
		}
		return &Shutdown{Status: st}, nil
	default:
		return nil, fmt.Errorf("%w: Shutdown payload length %d", ErrInvalidFrame, len(buf))
	}
}

// StreamOpen is the payload for STREAM_OPEN frames. Streams opened to carry
// a transferred endpoint name the transfer they belong to; streams opened
// against an exported service name that service.
type StreamOpen struct {
	Transfer *identity.TransferKey
	Service  string
}

// Encode serializes StreamOpen to bytes.
func (s *StreamOpen) Encode() []byte {
	var flags uint8
	size := 1
	if s.Transfer != nil {
		flags |= openFlagTransfer
		size += identity.IDSize
	}
	if s.Service != "" {
		flags |= openFlagService
		size += 1 + len(s.Service)
	}

	buf := make([]byte, size)
	buf[0] = flags
	offset := 1
	if s.Transfer != nil {
		copy(buf[offset:], s.Transfer[:])
		offset += identity.IDSize
	}
	if s.Service != "" {
		buf[offset] = uint8(len(s.Service))
		offset++
		copy(buf[offset:], s.Service)
	}
	return buf
}

// DecodeStreamOpen deserializes StreamOpen from bytes.
func DecodeStreamOpen(buf []byte) (*StreamOpen, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: StreamOpen too short", ErrInvalidFrame)
	}

	s := &StreamOpen{}
	flags := buf[0]
	offset := 1

	if flags&openFlagTransfer != 0 {
		if len(buf) < offset+identity.IDSize {
			return nil, fmt.Errorf("%w: StreamOpen transfer key truncated", ErrInvalidFrame)
		}
		var key identity.TransferKey
		copy(key[:], buf[offset:offset+identity.IDSize])
		s.Transfer = &key
		offset += identity.IDSize
	}

	if flags&openFlagService != 0 {
		if offset >= len(buf) {
			return nil, fmt.Errorf("%w: StreamOpen service truncated", ErrInvalidFrame)
		}
		n := int(buf[offset])
		offset++
		if n == 0 || offset+n > len(buf) {
			return nil, fmt.Errorf("%w: StreamOpen service name truncated", ErrInvalidFrame)
		}
		s.Service = string(buf[offset : offset+n])
	}

	return s, nil
}

// Keepalive is the payload for KEEPALIVE and KEEPALIVE_ACK frames.
type Keepalive struct {
	Timestamp uint64
}

// Encode serializes Keepalive to bytes.
func (k *Keepalive) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, k.Timestamp)
	return buf
}

// DecodeKeepalive deserializes Keepalive from bytes.
func DecodeKeepalive(buf []byte) (*Keepalive, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Keepalive too short", ErrInvalidFrame)
	}
	return &Keepalive{Timestamp: binary.BigEndian.Uint64(buf)}, nil
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	frameType, flags, length, streamID, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return &Frame{
		Type:     frameType,
		Flags:    flags,
		StreamID: streamID,
		Payload:  payload,
	}, nil
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame in a single Write call.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(frameType uint8, flags uint8, streamID uint64, payload []byte) error {
	return fw.Write(&Frame{
		Type:     frameType,
		Flags:    flags,
		StreamID: streamID,
		Payload:  payload,
	})
}
