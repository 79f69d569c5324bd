package stream

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/s2"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/protocol"
)

// ErrClosed is returned for operations on a closed stream half.
var ErrClosed = errors.New("stream closed")

// Sink accepts encoded frames. *protocol.FrameWriter and link connections
// satisfy it.
type Sink interface {
	Write(f *protocol.Frame) error
}

// Writer is the sending half of a proxy stream.
type Writer struct {
	sink      Sink
	id        uint64
	initiator bool

	compressAbove int
	onClose       func()

	closed    atomic.Bool
	closeOnce sync.Once
	sent      atomic.Uint64
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithCompression compresses DATA payloads of at least threshold bytes
// with s2 when that makes them smaller. A threshold <= 0 disables it.
func WithCompression(threshold int) WriterOption {
	return func(w *Writer) {
		w.compressAbove = threshold
	}
}

// WithCloseHook runs fn once after the writer is closed.
func WithCloseHook(fn func()) WriterOption {
	return func(w *Writer) {
		w.onClose = fn
	}
}

// NewWriter creates a writer for stream id. initiator marks the side that
// sends HELLO.
func NewWriter(sink Sink, id uint64, initiator bool, opts ...WriterOption) *Writer {
	w := &Writer{sink: sink, id: id, initiator: initiator}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the stream id.
func (w *Writer) ID() uint64 { return w.id }

// Initiator reports whether this side sends HELLO.
func (w *Writer) Initiator() bool { return w.initiator }

// BytesSent returns the number of DATA message bytes sent.
func (w *Writer) BytesSent() uint64 { return w.sent.Load() }

func (w *Writer) send(frameType, flags uint8, payload []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	return w.sink.Write(&protocol.Frame{
		Type:     frameType,
		Flags:    flags,
		StreamID: w.id,
		Payload:  payload,
	})
}

// SendHello sends HELLO.
func (w *Writer) SendHello() error {
	return w.send(protocol.FrameHello, 0, nil)
}

// SendData sends one application message.
func (w *Writer) SendData(msg []byte) error {
	if len(msg) > protocol.MaxMessageSize {
		return protocol.ErrFrameTooLarge
	}
	payload, flags := msg, uint8(0)
	if w.compressAbove > 0 && len(msg) >= w.compressAbove {
		if enc := s2.Encode(nil, msg); len(enc) < len(msg) {
			payload, flags = enc, protocol.FlagCompressed
		}
	}
	if len(payload) > protocol.MaxPayloadSize {
		return protocol.ErrFrameTooLarge
	}
	if err := w.send(protocol.FrameData, flags, payload); err != nil {
		return err
	}
	w.sent.Add(uint64(len(msg)))
	return nil
}

// SendBeginTransfer announces that this side's endpoint moves to node.
func (w *Writer) SendBeginTransfer(node identity.NodeID, key identity.TransferKey) error {
	bt := protocol.BeginTransfer{Node: node, Key: key}
	return w.send(protocol.FrameBeginTransfer, 0, bt.Encode())
}

// SendEndTransfer terminates a drain stream.
func (w *Writer) SendEndTransfer() error {
	return w.send(protocol.FrameEndTransfer, 0, nil)
}

// SendAckTransfer acknowledges a BEGIN_TRANSFER.
func (w *Writer) SendAckTransfer() error {
	return w.send(protocol.FrameAckTransfer, 0, nil)
}

// SendShutdown sends the terminal status. A nil err means success.
func (w *Writer) SendShutdown(err error) error {
	sd := protocol.Shutdown{Status: int32(handle.StatusOf(err))}
	return w.send(protocol.FrameShutdown, 0, sd.Encode())
}

// Close sends STREAM_CLOSE. Later sends fail with ErrClosed.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		err = w.sink.Write(&protocol.Frame{Type: protocol.FrameStreamClose, StreamID: w.id})
		if w.onClose != nil {
			w.onClose()
		}
	})
	return err
}
