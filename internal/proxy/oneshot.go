package proxy

import (
	"sync/atomic"
)

// oneshot carries a single value from one task to another. A second send is
// a programming error and panics.
type oneshot[T any] struct {
	ch     chan T
	fired  chan struct{}
	sent   atomic.Bool
	onSend func()
}

func newOneshot[T any](onSend func()) *oneshot[T] {
	return &oneshot[T]{
		ch:     make(chan T, 1),
		fired:  make(chan struct{}),
		onSend: onSend,
	}
}

// send delivers v. It never blocks.
func (o *oneshot[T]) send(v T) {
	if !o.sent.CompareAndSwap(false, true) {
		panic("proxy: one-shot value sent twice")
	}
	o.ch <- v
	close(o.fired)
	if o.onSend != nil {
		o.onSend()
	}
}

// ready is closed once a value has been sent.
func (o *oneshot[T]) ready() <-chan struct{} {
	return o.fired
}

// tryRecv takes the value if one has been sent and not yet received.
func (o *oneshot[T]) tryRecv() (T, bool) {
	select {
	case v := <-o.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}
