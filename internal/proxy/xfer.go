package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/stream"
)

// Router opens proxy streams to other nodes on behalf of a transfer.
type Router interface {
	// OpenTransferStream opens a stream to node announced with key. The
	// returned writer is the HELLO initiator.
	OpenTransferStream(ctx context.Context, node identity.NodeID, key identity.TransferKey) (*stream.Writer, *stream.Reader, error)
}

// follow moves this side of the session to the node the peer's endpoint was
// transferred to. The capability stays open and the session continues on the
// new stream.
func (p *Proxy) follow(ctx context.Context, a finishFollowTransfer, w *stream.Writer) error {
	log := p.logger.With(logging.KeyNodeID, a.node.ShortString(), logging.KeyTransferKey, a.key.String())
	p.metrics.TransfersFollowed.Inc()

	if err := w.SendAckTransfer(); err != nil {
		p.abort(w, a.reader)
		return fmt.Errorf("ack transfer: %w", err)
	}
	w.Close()
	a.reader.Close()

	if p.router == nil {
		p.close()
		return ErrNoRouter
	}

	w2, r2, err := p.router.OpenTransferStream(ctx, a.node, a.key)
	if err != nil {
		p.close()
		return fmt.Errorf("open transfer stream to %s: %w", a.node.ShortString(), err)
	}
	log.Debug("following transfer", logging.KeyStreamID, w2.ID())

	return RunMainLoop(ctx, p, a.initiate, w2, nil, r2)
}

// initiate hands the endpoint to the transfer destination. Output already
// queued in the capability goes to the current peer, everything the peer
// sends until it acknowledges goes through the drain stream, and the
// capability is closed.
func (p *Proxy) initiate(ctx context.Context, a finishInitiateTransfer, w *stream.Writer) error {
	it := a.InitiateTransfer
	r := a.reader
	drain := it.DrainStream
	log := p.logger.With(logging.KeyNodeID, it.Destination.ShortString())
	p.metrics.TransfersInitiated.Inc()

	fail := func(err error) error {
		if drain != nil {
			drain.Close()
		}
		if it.PairedHandle != nil {
			it.PairedHandle.Close()
		}
		p.abort(w, r)
		return err
	}
	if drain == nil || it.PairedHandle == nil || it.StreamRefSender == nil {
		return fail(errors.New("incomplete transfer initiation"))
	}

	// A done context flushes without blocking.
	flush, cancel := context.WithCancel(context.Background())
	cancel()

	for {
		msg, err := p.hdl.Read(flush)
		if err != nil {
			break
		}
		if err := w.SendData(msg); err != nil {
			return fail(fmt.Errorf("flush to peer: %w", err))
		}
		p.bytesToStream.Add(uint64(len(msg)))
		p.metrics.BytesRelayed.WithLabelValues(dirToStream).Add(float64(len(msg)))
	}

	key := identity.NewTransferKey()
	log = log.With(logging.KeyTransferKey, key.String())
	if err := w.SendBeginTransfer(it.Destination, key); err != nil {
		return fail(fmt.Errorf("begin transfer: %w", err))
	}

	drained := 0
	for {
		msg, err := it.PairedHandle.Read(flush)
		if err != nil {
			break
		}
		if err := drain.SendData(msg); err != nil {
			return fail(fmt.Errorf("drain paired handle: %w", err))
		}
		drained++
	}
	for _, msg := range a.pending {
		if err := drain.SendData(msg); err != nil {
			return fail(fmt.Errorf("drain pending message: %w", err))
		}
		drained++
	}
	it.PairedHandle.Close()

	select {
	case it.StreamRefSender <- TransferRef{Key: key, DrainStream: drain.ID()}:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	var result error
forward:
	for {
		f, err := r.Next(ctx)
		if err != nil {
			// The peer vanished before acknowledging. Tell the new owner.
			result = streamError(err)
			p.relayShutdown(ctx, it.Destination, key, handle.StatusUnavailable)
			break
		}

		switch f := f.(type) {
		case stream.Data:
			if err := drain.SendData(f.Message); err != nil {
				return fail(fmt.Errorf("forward to drain: %w", err))
			}
			drained++
		case stream.AckTransfer:
			break forward
		case stream.Shutdown:
			// The peer ended the session before it saw BEGIN_TRANSFER and
			// will never open a stream to the destination.
			result = f.Err()
			p.relayShutdown(ctx, it.Destination, key, f.Status)
			break forward
		case stream.BeginTransfer:
			return fail(fmt.Errorf("%w: peer is moving to %s", ErrTransferCollision, f.Node.ShortString()))
		default:
			return fail(p.violation(f, "transfer"))
		}
	}

	if err := drain.SendEndTransfer(); err != nil {
		return fail(fmt.Errorf("end transfer: %w", err))
	}
	drain.Close()
	p.abort(w, r)

	log.Debug("transfer initiated", "drained", drained, logging.KeyError, result)
	return result
}

// relayShutdown opens the transfer stream in place of the departed peer and
// delivers its terminal status to the new owner.
func (p *Proxy) relayShutdown(ctx context.Context, node identity.NodeID, key identity.TransferKey, status handle.Status) {
	if p.router == nil {
		return
	}
	w, r, err := p.router.OpenTransferStream(ctx, node, key)
	if err != nil {
		p.logger.Debug("relay shutdown failed", logging.KeyError, err)
		return
	}
	w.SendHello()
	w.SendShutdown(handle.FromStatus(status))
	w.Close()
	r.Close()
}
