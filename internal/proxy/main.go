package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/protocol"
	"github.com/postalsys/handlemesh/internal/stream"
)

const (
	dirToStream = "to_stream"
	dirToHandle = "to_handle"
)

// RunMainLoop drives p over the stream (w, r) until the session ends or the
// endpoint has been handed off.
//
// The side whose writer is the initiator sends HELLO; the other side waits
// for it. initial, when non-nil, is a drain stream: its messages are written
// to the capability before any traffic from r. initiate fires when the
// proxy table moves the paired endpoint to another node.
//
// On return the capability and both streams are closed, unless the session
// continued on a new stream, in which case the nested loop owns them.
func RunMainLoop(ctx context.Context, p *Proxy, initiate TransferInitiationReceiver, w *stream.Writer, initial *stream.Reader, r *stream.Reader) error {
	log := p.logger.With(logging.KeyStreamID, w.ID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.handshake(gctx, w, r)
	})
	if initial != nil {
		g.Go(func() error {
			return p.drain(gctx, initial)
		})
	}
	if err := g.Wait(); err != nil {
		log.Debug("proxy handshake failed", logging.KeyError, err)
		p.abort(w, r)
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	readCtx, cancelRead := context.WithCancel(gctx)
	defer cancelRead()

	finish := newOneshot[finishAction](cancelRead)
	var shutdownSent atomic.Bool
	var action finishAction

	p.share()
	g.Go(func() error {
		return p.streamToHandle(gctx, initiate, r, finish, &shutdownSent)
	})
	g.Go(func() (err error) {
		action, err = p.handleToStream(gctx, readCtx, w, finish, &shutdownSent)
		return err
	})
	err := g.Wait()

	if action == nil {
		if late, ok := finish.tryRecv(); ok {
			log.Debug("finish action arrived after the capability ended", "action", late.String())
		}
		if err != nil {
			log.Debug("proxy loop failed", logging.KeyError, err)
		}
		p.abort(w, r)
		return err
	}

	log.Debug("proxy loop finished", "action", action.String())
	if derr := p.dispatch(ctx, action, w); err == nil {
		err = derr
	}
	return err
}

func (p *Proxy) dispatch(ctx context.Context, a finishAction, w *stream.Writer) error {
	switch a := a.(type) {
	case finishShutdown:
		return p.joinShutdown(ctx, a.result, w, a.reader)
	case finishFollowTransfer:
		return p.follow(ctx, a, w)
	case finishInitiateTransfer:
		return p.initiate(ctx, a, w)
	default:
		panic(fmt.Sprintf("proxy: unknown finish action %T", a))
	}
}

func (p *Proxy) handshake(ctx context.Context, w *stream.Writer, r *stream.Reader) error {
	if w.Initiator() {
		if err := w.SendHello(); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
		return nil
	}

	f, err := r.Next(ctx)
	if err != nil {
		return fmt.Errorf("wait for hello: %w", streamError(err))
	}
	if _, ok := f.(stream.Hello); !ok {
		return p.violation(f, "handshake")
	}
	return nil
}

// handleToStream relays messages read from the capability as DATA. It ends
// when a finish action arrives from the other relay, which it then owns, or
// when the capability fails.
func (p *Proxy) handleToStream(ctx, readCtx context.Context, w *stream.Writer, finish *oneshot[finishAction], shutdownSent *atomic.Bool) (finishAction, error) {
	for {
		if a, ok := finish.tryRecv(); ok {
			return p.takeFor(a)
		}

		msg, err := p.hdl.Read(readCtx)
		if err == nil {
			// A message that was read is always sent, even if an action
			// arrived meanwhile.
			if err := w.SendData(msg); err != nil {
				if !errors.Is(err, stream.ErrClosed) {
					shutdownSent.Store(true)
					w.SendShutdown(err)
				}
				p.release()
				return nil, fmt.Errorf("send data: %w", err)
			}
			p.bytesToStream.Add(uint64(len(msg)))
			p.metrics.BytesRelayed.WithLabelValues(dirToStream).Add(float64(len(msg)))
			continue
		}

		if a, ok := finish.tryRecv(); ok {
			return p.takeFor(a)
		}

		shutdownSent.Store(true)
		switch {
		case ctx.Err() != nil:
			// The other relay failed.
			w.SendShutdown(context.Cause(ctx))
			p.release()
			return nil, ctx.Err()
		case errors.Is(err, handle.ErrPeerClosed):
			serr := w.SendShutdown(nil)
			p.release()
			if serr != nil {
				return nil, fmt.Errorf("send shutdown: %w", serr)
			}
			return nil, nil
		default:
			w.SendShutdown(err)
			p.release()
			return nil, fmt.Errorf("read handle: %w", err)
		}
	}
}

func (p *Proxy) takeFor(a finishAction) (finishAction, error) {
	if err := p.take(); err != nil {
		return nil, err
	}
	return a, nil
}

// streamToHandle writes DATA from the stream into the capability and decides
// how the session ends.
func (p *Proxy) streamToHandle(ctx context.Context, initiate TransferInitiationReceiver, r *stream.Reader, finish *oneshot[finishAction], shutdownSent *atomic.Bool) error {
	decide := func(a finishAction) {
		p.release()
		finish.send(a)
	}

	// Writes into the capability give way to a transfer so that a full
	// capability cannot block it.
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	go func() {
		select {
		case <-initiate.fired():
			cancelWrite()
		case <-writeCtx.Done():
		}
	}()

	onInitiate := func(pending [][]byte) error {
		v, _ := initiate.recv()
		it, ok := v.(InitiateTransfer)
		if !ok {
			p.release()
			return ErrProxyDropped
		}
		decide(finishInitiateTransfer{InitiateTransfer: it, pending: pending, reader: r})
		return nil
	}

	for {
		f, stopped, err := r.NextUntil(ctx, initiate.fired())
		if stopped {
			return onInitiate(nil)
		}
		if err != nil {
			p.release()
			if errors.Is(err, io.EOF) && shutdownSent.Load() {
				return nil
			}
			return streamError(err)
		}

		switch f := f.(type) {
		case stream.Data:
			if err := p.hdl.Write(writeCtx, f.Message); err != nil {
				switch {
				case ctx.Err() == nil && writeCtx.Err() != nil:
					return onInitiate([][]byte{f.Message})
				case errors.Is(err, handle.ErrPeerClosed):
					decide(finishShutdown{reader: r})
					return nil
				default:
					err = fmt.Errorf("write handle: %w", err)
					decide(finishShutdown{result: err, reader: r})
					return err
				}
			}
			p.bytesToHandle.Add(uint64(len(f.Message)))
			p.metrics.BytesRelayed.WithLabelValues(dirToHandle).Add(float64(len(f.Message)))

		case stream.BeginTransfer:
			decide(finishFollowTransfer{initiate: initiate, node: f.Node, key: f.Key, reader: r})
			return nil

		case stream.Shutdown:
			result := f.Err()
			decide(finishShutdown{result: result, reader: r})
			return result

		default:
			p.release()
			return p.violation(f, "relay")
		}
	}
}

// drain writes the DATA of a drain stream into the capability until
// END_TRANSFER. If the capability's peer is already gone the remaining data
// is consumed and discarded.
func (p *Proxy) drain(ctx context.Context, r *stream.Reader) error {
	defer r.Close()

	discard := false
	for {
		f, err := r.Next(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", streamError(err))
		}

		switch f := f.(type) {
		case stream.Data:
			p.metrics.DrainedMessages.Inc()
			if discard {
				continue
			}
			if err := p.hdl.Write(ctx, f.Message); err != nil {
				if errors.Is(err, handle.ErrPeerClosed) {
					discard = true
					continue
				}
				return fmt.Errorf("drain: write handle: %w", err)
			}
			p.bytesToHandle.Add(uint64(len(f.Message)))
			p.metrics.BytesRelayed.WithLabelValues(dirToHandle).Add(float64(len(f.Message)))
		case stream.EndTransfer:
			return nil
		default:
			return p.violation(f, "drain")
		}
	}
}

// joinShutdown sends SHUTDOWN, waits for the peer's SHUTDOWN or the end of
// the stream, and closes everything. Errors while waiting are ignored.
func (p *Proxy) joinShutdown(ctx context.Context, result error, w *stream.Writer, r *stream.Reader) error {
	if err := w.SendShutdown(result); err != nil {
		p.logger.Debug("send shutdown failed", logging.KeyError, err)
	}

	for {
		f, err := r.Next(ctx)
		if err != nil {
			break
		}
		if _, ok := f.(stream.Shutdown); ok {
			break
		}
	}

	p.abort(w, r)
	return nil
}

func (p *Proxy) abort(w *stream.Writer, r *stream.Reader) {
	w.Close()
	r.Close()
	p.close()
}

// streamError maps reader errors onto proxy errors.
func streamError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return ErrStreamClosed
	case errors.Is(err, protocol.ErrInvalidFrame), errors.Is(err, protocol.ErrUnknownFrameType):
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	default:
		return err
	}
}
