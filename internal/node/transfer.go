package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/link"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/protocol"
	"github.com/postalsys/handlemesh/internal/stream"
)

// ErrTransferClaimed is returned when two Accepts wait for the same
// transfer key.
var ErrTransferClaimed = errors.New("transfer already claimed")

// loopbackBit marks stream ids of in-process transfer streams.
const loopbackBit = uint64(1) << 63

type transferStream struct {
	w    *stream.Writer
	r    *stream.Reader
	from identity.NodeID
}

func (ts transferStream) close() {
	ts.w.Close()
	ts.r.Close()
}

// transferSlot pairs a transfer stream with the Accept waiting for it. Either
// side may arrive first.
type transferSlot struct {
	ready   chan transferStream
	filled  bool
	waiting bool
	expiry  *time.Timer
}

func newTransferSlot() *transferSlot {
	return &transferSlot{ready: make(chan transferStream, 1)}
}

func (n *Node) onTransferStream(l *link.Link, key identity.TransferKey, w *stream.Writer, r *stream.Reader) {
	n.deliverTransfer(key, transferStream{w: w, r: r, from: l.RemoteID()})
}

func (n *Node) deliverTransfer(key identity.TransferKey, ts transferStream) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		ts.close()
		return
	}
	slot, ok := n.transfers[key]
	if !ok {
		slot = newTransferSlot()
		n.transfers[key] = slot
	}
	if slot.filled {
		n.mu.Unlock()
		n.logger.Warn("duplicate transfer stream", logging.KeyTransferKey, key.String(), logging.KeyPeerID, ts.from.ShortString())
		ts.close()
		return
	}
	slot.filled = true
	slot.ready <- ts
	if !slot.waiting {
		slot.expiry = time.AfterFunc(n.cfg.TransferTimeout, func() {
			n.expireTransfer(key, slot)
		})
	}
	n.mu.Unlock()
}

func (n *Node) expireTransfer(key identity.TransferKey, slot *transferSlot) {
	n.mu.Lock()
	if n.transfers[key] != slot || slot.waiting {
		n.mu.Unlock()
		return
	}
	delete(n.transfers, key)
	n.mu.Unlock()

	select {
	case ts := <-slot.ready:
		n.logger.Debug("unclaimed transfer stream expired", logging.KeyTransferKey, key.String())
		ts.close()
	default:
	}
}

// claimTransfer waits for the transfer stream announced with key.
func (n *Node) claimTransfer(ctx context.Context, key identity.TransferKey) (transferStream, error) {
	n.mu.Lock()
	slot, ok := n.transfers[key]
	if !ok {
		slot = newTransferSlot()
		n.transfers[key] = slot
	}
	if slot.waiting {
		n.mu.Unlock()
		return transferStream{}, ErrTransferClaimed
	}
	slot.waiting = true
	if slot.expiry != nil {
		slot.expiry.Stop()
	}
	n.mu.Unlock()

	release := func() {
		n.mu.Lock()
		if n.transfers[key] == slot {
			delete(n.transfers, key)
		}
		n.mu.Unlock()
	}

	select {
	case ts := <-slot.ready:
		release()
		return ts, nil
	case <-ctx.Done():
		release()
		// The stream may have arrived while we gave up.
		select {
		case ts := <-slot.ready:
			ts.close()
		default:
		}
		return transferStream{}, fmt.Errorf("wait for transfer %s: %w", key, ctx.Err())
	case <-n.ctx.Done():
		release()
		return transferStream{}, ErrNodeClosed
	}
}

// OpenTransferStream opens the stream a transferred endpoint's new owner
// waits for. A transfer to this node itself is connected in memory.
func (n *Node) OpenTransferStream(ctx context.Context, node identity.NodeID, key identity.TransferKey) (*stream.Writer, *stream.Reader, error) {
	if node == n.cfg.ID {
		return n.loopbackTransfer(key)
	}

	l, err := n.Link(node)
	if err != nil {
		return nil, nil, err
	}
	return l.OpenStream(ctx, protocol.StreamOpen{Transfer: &key})
}

func (n *Node) loopbackTransfer(key identity.TransferKey) (*stream.Writer, *stream.Reader, error) {
	id := loopbackBit | n.loopbackIDs.Add(1)

	w, toOwner := stream.Pipe(id, true, n.cfg.StreamBuffer)
	ownerW, r := stream.Pipe(id, false, n.cfg.StreamBuffer)

	n.deliverTransfer(key, transferStream{w: ownerW, r: toOwner, from: n.cfg.ID})
	return w, r, nil
}
