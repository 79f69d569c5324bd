package handle

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// MaxMessageSize is the largest message a Socket produces per Read. It fits
// a DATA frame payload.
const MaxMessageSize = 16 * 1024

// Socket adapts a byte-stream connection to the Proxyable contract. A pump
// goroutine reads from the connection so that Read can be abandoned without
// losing bytes.
type Socket struct {
	conn net.Conn
	msgs chan []byte

	done    chan struct{}
	readErr error

	closeOnce sync.Once
}

// NewSocket starts pumping conn. The Socket owns conn from here on.
func NewSocket(conn net.Conn) *Socket {
	s := &Socket{
		conn: conn,
		msgs: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Socket) pump() {
	defer close(s.done)
	for {
		buf := make([]byte, MaxMessageSize)
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.msgs <- buf[:n]
		}
		if err != nil {
			s.readErr = mapConnError(err)
			return
		}
	}
}

// Read returns the next chunk received from the connection.
func (s *Socket) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.done:
		select {
		case msg := <-s.msgs:
			return msg, nil
		default:
			return nil, s.readErr
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write writes msg to the connection, giving up when ctx is done.
func (s *Socket) Write(ctx context.Context, msg []byte) error {
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := s.conn.Write(msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return mapConnError(err)
	}
	return nil
}

// Close closes the connection and stops the pump.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		// Unblock a pump stuck on a full queue.
		go func() {
			for {
				select {
				case <-s.msgs:
				case <-s.done:
					return
				}
			}
		}()
	})
	return err
}

// RemoteAddr returns the address of the connected peer.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func mapConnError(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return ErrPeerClosed
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	default:
		return &StatusError{Status: StatusIO, Msg: err.Error()}
	}
}
