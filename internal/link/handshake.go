package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/protocol"
)

// DefaultHandshakeTimeout bounds the link handshake when Config leaves it
// unset.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrVersionMismatch is returned when the peer speaks another protocol
	// version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrPeerMismatch is returned when the peer is not the expected node.
	ErrPeerMismatch = errors.New("peer ID mismatch")

	// ErrSelfLink is returned when a node connects to itself.
	ErrSelfLink = errors.New("link to self")
)

// handshakeResult contains the outcome of a successful handshake.
type handshakeResult struct {
	remoteID     identity.NodeID
	capabilities []string
	rtt          time.Duration
}

// Handshake performs the link handshake on conn and returns a link ready
// to Serve. The dialer sends LINK_HELLO first; the listener verifies it and
// answers with LINK_HELLO_ACK. conn is closed if the handshake fails.
func Handshake(ctx context.Context, conn io.ReadWriteCloser, dialer bool, cfg Config) (*Link, error) {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	// Frame I/O has no deadline of its own; closing conn unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	reader := protocol.NewFrameReader(conn)
	writer := protocol.NewFrameWriter(conn)

	var (
		result *handshakeResult
		err    error
	)
	if dialer {
		result, err = dialerHandshake(reader, writer, cfg)
	} else {
		result, err = listenerHandshake(reader, writer, cfg)
	}

	if !stop() {
		// conn was closed under the handshake.
		err = fmt.Errorf("link handshake: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		cfg.Metrics.RecordHandshakeError(handshakeErrorType(err))
		return nil, err
	}

	return newLink(conn, reader, dialer, result, cfg), nil
}

func (c Config) hello(timestamp uint64) *protocol.LinkHello {
	return &protocol.LinkHello{
		Version:      protocol.ProtocolVersion,
		NodeID:       c.LocalID,
		Timestamp:    timestamp,
		Capabilities: c.Capabilities,
	}
}

func dialerHandshake(reader *protocol.FrameReader, writer *protocol.FrameWriter, cfg Config) (*handshakeResult, error) {
	start := time.Now()

	hello := cfg.hello(uint64(start.UnixNano()))
	if err := writer.Write(&protocol.Frame{
		Type:     protocol.FrameLinkHello,
		StreamID: protocol.ControlStreamID,
		Payload:  hello.Encode(),
	}); err != nil {
		return nil, fmt.Errorf("failed to send LINK_HELLO: %w", err)
	}

	frame, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read LINK_HELLO_ACK: %w", err)
	}
	if frame.Type != protocol.FrameLinkHelloAck {
		return nil, fmt.Errorf("%w: expected LINK_HELLO_ACK, got %s", protocol.ErrInvalidFrame, protocol.FrameTypeName(frame.Type))
	}

	ack, err := protocol.DecodeLinkHello(frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode LINK_HELLO_ACK: %w", err)
	}
	if err := verifyPeer(ack, cfg); err != nil {
		return nil, err
	}

	return &handshakeResult{
		remoteID:     ack.NodeID,
		capabilities: ack.Capabilities,
		rtt:          time.Since(start),
	}, nil
}

func listenerHandshake(reader *protocol.FrameReader, writer *protocol.FrameWriter, cfg Config) (*handshakeResult, error) {
	frame, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read LINK_HELLO: %w", err)
	}
	if frame.Type != protocol.FrameLinkHello {
		return nil, fmt.Errorf("%w: expected LINK_HELLO, got %s", protocol.ErrInvalidFrame, protocol.FrameTypeName(frame.Type))
	}

	hello, err := protocol.DecodeLinkHello(frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode LINK_HELLO: %w", err)
	}
	if err := verifyPeer(hello, cfg); err != nil {
		return nil, err
	}

	// The ack echoes the dialer's timestamp.
	ack := cfg.hello(hello.Timestamp)
	if err := writer.Write(&protocol.Frame{
		Type:     protocol.FrameLinkHelloAck,
		StreamID: protocol.ControlStreamID,
		Payload:  ack.Encode(),
	}); err != nil {
		return nil, fmt.Errorf("failed to send LINK_HELLO_ACK: %w", err)
	}

	return &handshakeResult{
		remoteID:     hello.NodeID,
		capabilities: hello.Capabilities,
	}, nil
}

func verifyPeer(h *protocol.LinkHello, cfg Config) error {
	if h.Version != protocol.ProtocolVersion {
		return fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, protocol.ProtocolVersion, h.Version)
	}
	if h.NodeID == cfg.LocalID {
		return fmt.Errorf("%w: %s", ErrSelfLink, h.NodeID.ShortString())
	}
	if !cfg.ExpectedPeer.IsZero() && h.NodeID != cfg.ExpectedPeer {
		return fmt.Errorf("%w: expected %s, got %s", ErrPeerMismatch, cfg.ExpectedPeer, h.NodeID)
	}
	return nil
}

func handshakeErrorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrVersionMismatch):
		return "version"
	case errors.Is(err, ErrPeerMismatch), errors.Is(err, ErrSelfLink):
		return "peer"
	case errors.Is(err, protocol.ErrInvalidFrame), errors.Is(err, protocol.ErrUnknownFrameType):
		return "protocol"
	default:
		return "io"
	}
}
