// Package handle defines the capability contract proxied across the mesh
// and the concrete capabilities a node can hand out.
package handle

import (
	"context"
	"sync"
)

// Proxyable is a local capability that can be proxied over a stream.
//
// Read must be restartable: abandoning a Read through ctx never consumes a
// message. When ctx is already done Read still returns a message that is
// immediately available, so callers can flush a capability with a done
// context.
type Proxyable interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Close() error
}

// DefaultChannelCapacity is the per-direction queue size of a channel pair.
const DefaultChannelCapacity = 64

// Channel is one end of an in-memory message channel.
type Channel struct {
	in   chan []byte
	peer *Channel

	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannelPair returns two connected channel endpoints. Messages written to
// one are read from the other; each direction queues up to capacity
// messages before Write blocks.
func NewChannelPair(capacity int) (*Channel, *Channel) {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	a := &Channel{in: make(chan []byte, capacity), closed: make(chan struct{})}
	b := &Channel{in: make(chan []byte, capacity), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Read returns the next message sent by the peer. Queued messages are
// returned even after the peer has closed; ErrPeerClosed follows once the
// queue is empty.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-c.peer.closed:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, ErrPeerClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write queues msg for the peer.
func (c *Channel) Write(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.peer.closed:
		return ErrPeerClosed
	default:
	}

	buf := make([]byte, len(msg))
	copy(buf, msg)

	select {
	case c.peer.in <- buf:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.peer.closed:
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes this end. The peer drains what is queued and then sees
// ErrPeerClosed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Pending returns the number of messages queued for this end.
func (c *Channel) Pending() int {
	return len(c.in)
}
