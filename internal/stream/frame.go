// Package stream carries proxy frames over one logical stream of a link.
package stream

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/protocol"
)

// Frame is one decoded proxy stream frame. The set of implementations is
// closed: Hello, Data, BeginTransfer, EndTransfer, AckTransfer, Shutdown.
type Frame interface {
	frameType() uint8
}

// Hello is sent once by the stream initiator before anything else.
type Hello struct{}

// Data carries one application message.
type Data struct {
	Message []byte
}

// BeginTransfer announces that the remote endpoint is moving to Node.
type BeginTransfer struct {
	Node identity.NodeID
	Key  identity.TransferKey
}

// EndTransfer terminates a drain stream.
type EndTransfer struct{}

// AckTransfer acknowledges a BeginTransfer.
type AckTransfer struct{}

// Shutdown carries the terminal status of the session.
type Shutdown struct {
	Status handle.Status
}

// Err returns nil for a successful shutdown and a *handle.StatusError
// otherwise.
func (s Shutdown) Err() error {
	return handle.FromStatus(s.Status)
}

func (Hello) frameType() uint8         { return protocol.FrameHello }
func (Data) frameType() uint8          { return protocol.FrameData }
func (BeginTransfer) frameType() uint8 { return protocol.FrameBeginTransfer }
func (EndTransfer) frameType() uint8   { return protocol.FrameEndTransfer }
func (AckTransfer) frameType() uint8   { return protocol.FrameAckTransfer }
func (Shutdown) frameType() uint8      { return protocol.FrameShutdown }

// Name returns the wire name of a frame, for logs and errors.
func Name(f Frame) string {
	if f == nil {
		return "<nil>"
	}
	return protocol.FrameTypeName(f.frameType())
}

func decode(f *protocol.Frame) (Frame, error) {
	switch f.Type {
	case protocol.FrameHello:
		return Hello{}, nil
	case protocol.FrameData:
		if f.Flags&protocol.FlagCompressed == 0 {
			return Data{Message: f.Payload}, nil
		}
		n, err := s2.DecodedLen(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt compressed DATA: %v", protocol.ErrInvalidFrame, err)
		}
		if n > protocol.MaxMessageSize {
			return nil, fmt.Errorf("%w: compressed DATA expands to %d bytes", protocol.ErrInvalidFrame, n)
		}
		msg, err := s2.Decode(nil, f.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt compressed DATA: %v", protocol.ErrInvalidFrame, err)
		}
		return Data{Message: msg}, nil
	case protocol.FrameBeginTransfer:
		bt, err := protocol.DecodeBeginTransfer(f.Payload)
		if err != nil {
			return nil, err
		}
		return BeginTransfer{Node: bt.Node, Key: bt.Key}, nil
	case protocol.FrameEndTransfer:
		return EndTransfer{}, nil
	case protocol.FrameAckTransfer:
		return AckTransfer{}, nil
	case protocol.FrameShutdown:
		sd, err := protocol.DecodeShutdown(f.Payload)
		if err != nil {
			return nil, err
		}
		return Shutdown{Status: handle.Status(sd.Status)}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x on proxy stream", protocol.ErrUnknownFrameType, f.Type)
	}
}
