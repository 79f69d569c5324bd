package node

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/protocol"
	"github.com/postalsys/handlemesh/internal/proxy"
	"github.com/postalsys/handlemesh/internal/recovery"
	"github.com/postalsys/handlemesh/internal/stream"
)

var (
	// ErrUnknownHandle is returned for a handle this node does not proxy.
	ErrUnknownHandle = errors.New("handle is not proxied by this node")

	// ErrNotTransferable is returned by Transfer when the destination cannot
	// take the handle.
	ErrNotTransferable = errors.New("handle cannot be transferred")

	// ErrSessionEnded is returned by Transfer when the proxy session ended
	// before the transfer started.
	ErrSessionEnded = errors.New("proxy session ended")

	// ErrOwnRef is returned by Accept for a ref this node produced.
	ErrOwnRef = errors.New("ref points at this node")
)

var dropped proxy.RemoveFromProxyTable = proxy.Dropped{}

var _ proxy.Router = (*Node)(nil)

const (
	kindShare    = "share"
	kindAccept   = "accept"
	kindTransfer = "transfer"
	kindConnect  = "connect"
	kindService  = "service"
)

// session is one entry of the proxy table. Whoever removes it from the
// table owns its transfer initiation sender.
type session struct {
	id      uint64
	kind    string
	peer    identity.NodeID
	proxy   *proxy.Proxy
	sender  proxy.TransferInitiationSender
	paired  handle.Proxyable
	started time.Time

	transferred atomic.Bool
	done        chan struct{}
	err         error
}

// register adds a proxy for hdl to the table. paired is the local end the
// application holds, or nil when the node never handed one out.
func (n *Node) register(kind string, peer identity.NodeID, hdl, paired handle.Proxyable) (*session, proxy.TransferInitiationReceiver, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, proxy.TransferInitiationReceiver{}, ErrNodeClosed
	}

	n.nextID++
	id := n.nextID
	sender, initiate := proxy.NewTransferInitiation()
	s := &session{
		id:      id,
		kind:    kind,
		peer:    peer,
		sender:  sender,
		paired:  paired,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	s.proxy = proxy.New(hdl, proxy.Options{
		DebugID: fmt.Sprintf("%s-%d", kind, id),
		Logger:  n.logger,
		Metrics: n.metrics,
		Router:  n,
	})

	n.sessions[id] = s
	if paired != nil {
		n.byHandle[paired] = s
	}
	n.wg.Add(1)
	return s, initiate, nil
}

// unregister removes s from the table. It reports false if s was already
// gone.
func (n *Node) unregister(s *session) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sessions[s.id] != s {
		return false
	}
	delete(n.sessions, s.id)
	if s.paired != nil {
		delete(n.byHandle, s.paired)
	}
	return true
}

// start runs the proxy session. register must have been called for s.
func (n *Node) start(s *session, initiate proxy.TransferInitiationReceiver, w *stream.Writer, initial, r *stream.Reader) {
	log := n.logger.With(
		logging.KeyDebugID, s.proxy.DebugID(),
		logging.KeyPeerID, s.peer.ShortString(),
		logging.KeyStreamID, w.ID(),
	)
	log.Debug("proxy session started")
	n.metrics.RecordProxyStart()

	go func() {
		defer n.wg.Done()
		defer func() {
			n.unregister(s)
			close(s.done)

			outcome := s.outcome()
			n.metrics.RecordProxyEnd(outcome)
			log.Debug("proxy session ended",
				"outcome", outcome,
				logging.KeyDuration, time.Since(s.started).Round(time.Millisecond),
				"sent", humanize.Bytes(s.proxy.BytesToStream()),
				"received", humanize.Bytes(s.proxy.BytesToHandle()),
				logging.KeyError, s.err)
		}()
		defer recovery.RecoverWithCallback(n.logger, "node.session", func(pe *recovery.PanicError) {
			s.err = pe
		})

		s.err = proxy.RunMainLoop(n.ctx, s.proxy, initiate, w, initial, r)
	}()
}

func (s *session) outcome() string {
	switch {
	case s.transferred.Load():
		return "transferred"
	case s.err == nil:
		return "shutdown"
	case errors.Is(s.err, proxy.ErrProxyDropped):
		return "dropped"
	case errors.Is(s.err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// Share proxies the local capability h to peer and returns the ref the
// peer accepts it with. The node owns h from here on; it is closed when the
// session ends.
func (n *Node) Share(ctx context.Context, peer identity.NodeID, h handle.Proxyable) (HandleRef, error) {
	l, err := n.Link(peer)
	if err != nil {
		return HandleRef{}, err
	}

	w, r, err := l.OpenStream(ctx, protocol.StreamOpen{})
	if err != nil {
		return HandleRef{}, err
	}

	s, initiate, err := n.register(kindShare, peer, h, nil)
	if err != nil {
		w.Close()
		r.Close()
		return HandleRef{}, err
	}
	n.start(s, initiate, w, nil, r)

	return HandleRef{Node: n.cfg.ID, Stream: w.ID()}, nil
}

// Accept picks up the handle ref points at and returns the local end of it.
// For a transfer ref Accept waits until the handle's remote end has moved
// over to this node.
func (n *Node) Accept(ctx context.Context, ref HandleRef) (handle.Proxyable, error) {
	if ref.Node == n.cfg.ID {
		return nil, ErrOwnRef
	}
	l, err := n.Link(ref.Node)
	if err != nil {
		return nil, err
	}

	w, r, err := l.ClaimStream(ctx, ref.Stream)
	if err != nil {
		return nil, fmt.Errorf("accept %s: %w", ref, err)
	}

	app, hdl := handle.NewChannelPair(n.cfg.ChannelCapacity)

	if !ref.IsTransfer() {
		s, initiate, err := n.register(kindAccept, ref.Node, hdl, app)
		if err != nil {
			w.Close()
			r.Close()
			return nil, err
		}
		n.start(s, initiate, w, nil, r)
		return app, nil
	}

	// The claimed stream is the drain. It only flows towards us, so its
	// writer stays unused.
	drain := r
	ts, err := n.claimTransfer(ctx, *ref.Transfer)
	if err != nil {
		drain.Close()
		return nil, fmt.Errorf("accept %s: %w", ref, err)
	}

	s, initiate, err := n.register(kindTransfer, ts.from, hdl, app)
	if err != nil {
		drain.Close()
		ts.w.Close()
		ts.r.Close()
		return nil, err
	}
	n.start(s, initiate, ts.w, drain, ts.r)
	return app, nil
}

// Transfer moves the handle h, previously returned by Accept, to node to.
// The returned ref must reach to, which accepts it. h must not be used
// afterwards: messages it has not read travel with the handle.
func (n *Node) Transfer(ctx context.Context, h handle.Proxyable, to identity.NodeID) (HandleRef, error) {
	n.mu.Lock()
	s, ok := n.byHandle[h]
	n.mu.Unlock()
	if !ok {
		return HandleRef{}, ErrUnknownHandle
	}
	if to == n.cfg.ID {
		return HandleRef{}, fmt.Errorf("%w: transfer to self", ErrNotTransferable)
	}

	l, err := n.Link(to)
	if err != nil {
		return HandleRef{}, err
	}
	drain, drainReader, err := l.OpenStream(ctx, protocol.StreamOpen{})
	if err != nil {
		return HandleRef{}, err
	}
	drainReader.Close()

	if !n.unregister(s) {
		drain.Close()
		return HandleRef{}, ErrUnknownHandle
	}
	s.transferred.Store(true)

	refs := make(chan proxy.TransferRef, 1)
	s.sender.Send(proxy.InitiateTransfer{
		Destination:     to,
		PairedHandle:    s.paired,
		DrainStream:     drain,
		StreamRefSender: refs,
	})

	makeRef := func(tr proxy.TransferRef) HandleRef {
		n.logger.Debug("handle transferred",
			logging.KeyDebugID, s.proxy.DebugID(),
			logging.KeyPeerID, to.ShortString(),
			logging.KeyTransferKey, tr.Key.String())
		return HandleRef{Node: n.cfg.ID, Stream: tr.DrainStream, Transfer: &tr.Key}
	}

	select {
	case tr := <-refs:
		return makeRef(tr), nil
	case <-s.done:
		select {
		case tr := <-refs:
			return makeRef(tr), nil
		default:
		}
		drain.Close()
		if s.err != nil {
			return HandleRef{}, fmt.Errorf("%w: %v", ErrSessionEnded, s.err)
		}
		return HandleRef{}, ErrSessionEnded
	case <-ctx.Done():
		return HandleRef{}, ctx.Err()
	}
}

// Drop stops proxying h. The session ends with an error on both sides.
func (n *Node) Drop(h handle.Proxyable) error {
	n.mu.Lock()
	s, ok := n.byHandle[h]
	n.mu.Unlock()
	if !ok || !n.unregister(s) {
		return ErrUnknownHandle
	}
	s.sender.Send(dropped)
	return nil
}
