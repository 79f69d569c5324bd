package stream

import (
	"context"
	"io"
	"sync"

	"github.com/postalsys/handlemesh/internal/protocol"
)

// DefaultBufferSize is the number of frames a reader queues before the
// delivering side blocks.
const DefaultBufferSize = 64

// Reader is the receiving half of a proxy stream. Frames are queued by
// Deliver and decoded when taken by Next.
type Reader struct {
	id     uint64
	frames chan *protocol.Frame

	done       chan struct{}
	finishOnce sync.Once
	err        error

	closeOnce sync.Once
	onClose   func()
}

// NewReader creates a reader for stream id. onClose, if set, runs once when
// the reader is closed by its owner.
func NewReader(id uint64, buffer int, onClose func()) *Reader {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Reader{
		id:      id,
		frames:  make(chan *protocol.Frame, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// ID returns the stream id.
func (r *Reader) ID() uint64 { return r.id }

// Deliver queues a raw frame, blocking while the queue is full.
func (r *Reader) Deliver(ctx context.Context, f *protocol.Frame) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	select {
	case r.frames <- f:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish ends the input. Queued frames are still returned by Next; after
// them Next returns err, or io.EOF when err is nil.
func (r *Reader) Finish(err error) {
	r.finishOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		r.err = err
		close(r.done)
	})
}

// Done is closed once the input has ended.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Next returns the next frame.
func (r *Reader) Next(ctx context.Context) (Frame, error) {
	f, _, err := r.NextUntil(ctx, nil)
	return f, err
}

// NextUntil returns the next frame, or stopped=true as soon as stop is
// closed or readable. A stop never consumes a frame.
func (r *Reader) NextUntil(ctx context.Context, stop <-chan struct{}) (f Frame, stopped bool, err error) {
	select {
	case <-stop:
		return nil, true, nil
	default:
	}

	select {
	case raw := <-r.frames:
		f, err = decode(raw)
		return f, false, err
	default:
	}

	select {
	case raw := <-r.frames:
		f, err = decode(raw)
		return f, false, err
	case <-r.done:
		select {
		case raw := <-r.frames:
			f, err = decode(raw)
			return f, false, err
		default:
			return nil, false, r.err
		}
	case <-stop:
		return nil, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Close detaches the reader from its source and discards queued frames.
func (r *Reader) Close() {
	r.closeOnce.Do(func() {
		r.Finish(ErrClosed)
		if r.onClose != nil {
			r.onClose()
		}
	})
}
