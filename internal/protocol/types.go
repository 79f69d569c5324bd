// Package protocol defines the wire protocol spoken on handlemesh links.
package protocol

// Frame type constants
const (
	// Proxy stream frames
	FrameHello         uint8 = 0x00 // First frame from the stream initiator
	FrameData          uint8 = 0x01 // One application message
	FrameBeginTransfer uint8 = 0x02 // Remote endpoint is moving to another node
	FrameEndTransfer   uint8 = 0x03 // End of a drain stream
	FrameAckTransfer   uint8 = 0x04 // Follower acknowledges a transfer
	FrameShutdown      uint8 = 0x05 // Terminal status for the proxy session

	// Link stream management
	FrameStreamOpen  uint8 = 0x10 // Announce a new proxy stream
	FrameStreamClose uint8 = 0x11 // Sender will send nothing more on the stream

	// Link control frames
	FrameLinkHello    uint8 = 0x20 // Initial handshake
	FrameLinkHelloAck uint8 = 0x21 // Handshake response
	FrameKeepalive    uint8 = 0x22 // Liveness probe
	FrameKeepaliveAck uint8 = 0x23 // Liveness response
)

// Frame flags
const (
	FlagCompressed uint8 = 0x01 // DATA payload is s2-compressed
)

// StreamOpen flags
const (
	openFlagTransfer uint8 = 0x01
	openFlagService  uint8 = 0x02

	// MaxServiceNameLength bounds the service name carried in STREAM_OPEN
	MaxServiceNameLength = 255
)

// Protocol constants
const (
	// ProtocolVersion is the current link protocol version
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of a frame header in bytes
	HeaderSize = 14

	// MaxPayloadSize is the maximum frame payload size (16 KB)
	MaxPayloadSize = 16384

	// MaxMessageSize bounds a DATA message after decompression. A
	// compressed payload fits in MaxPayloadSize but may expand to this.
	MaxMessageSize = 256 * 1024

	// MaxFrameSize is the maximum total frame size
	MaxFrameSize = HeaderSize + MaxPayloadSize

	// ControlStreamID is reserved for link control frames
	ControlStreamID uint64 = 0
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameHello:
		return "HELLO"
	case FrameData:
		return "DATA"
	case FrameBeginTransfer:
		return "BEGIN_TRANSFER"
	case FrameEndTransfer:
		return "END_TRANSFER"
	case FrameAckTransfer:
		return "ACK_TRANSFER"
	case FrameShutdown:
		return "SHUTDOWN"
	case FrameStreamOpen:
		return "STREAM_OPEN"
	case FrameStreamClose:
		return "STREAM_CLOSE"
	case FrameLinkHello:
		return "LINK_HELLO"
	case FrameLinkHelloAck:
		return "LINK_HELLO_ACK"
	case FrameKeepalive:
		return "KEEPALIVE"
	case FrameKeepaliveAck:
		return "KEEPALIVE_ACK"
	default:
		return "UNKNOWN"
	}
}

// IsProxyFrame returns true for frames that belong to a proxy stream.
func IsProxyFrame(t uint8) bool {
	return t <= FrameShutdown
}

// IsLinkFrame returns true for stream management and link control frames.
func IsLinkFrame(t uint8) bool {
	return t == FrameStreamOpen || t == FrameStreamClose ||
		(t >= FrameLinkHello && t <= FrameKeepaliveAck)
}
