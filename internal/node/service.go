package node

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/link"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/protocol"
	"github.com/postalsys/handlemesh/internal/recovery"
	"github.com/postalsys/handlemesh/internal/stream"
)

var (
	// ErrServiceExists is returned when a service name is exported twice.
	ErrServiceExists = errors.New("service already exported")

	// ErrInvalidService is returned for an empty or oversized service name.
	ErrInvalidService = errors.New("invalid service name")
)

// ServiceHandler produces the capability an incoming connection to an
// exported service is proxied to.
type ServiceHandler func(ctx context.Context, from identity.NodeID) (handle.Proxyable, error)

func validServiceName(name string) error {
	if name == "" || len(name) > protocol.MaxServiceNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidService, name)
	}
	return nil
}

// Export makes a service reachable by peers through Connect.
func (n *Node) Export(name string, h ServiceHandler) error {
	if err := validServiceName(name); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if _, ok := n.services[name]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, name)
	}
	n.services[name] = h
	n.logger.Info("service exported", logging.KeyService, name)
	return nil
}

// Unexport removes a service. Running sessions are not affected.
func (n *Node) Unexport(name string) {
	n.mu.Lock()
	delete(n.services, name)
	n.mu.Unlock()
}

// Services returns the exported service names in order.
func (n *Node) Services() []string {
	n.mu.Lock()
	names := make([]string, 0, len(n.services))
	for name := range n.services {
		names = append(names, name)
	}
	n.mu.Unlock()
	sort.Strings(names)
	return names
}

// Connect proxies the local capability h to the service exported by peer.
// The node owns h from here on. If the peer has no such service the session
// ends with StatusUnavailable.
func (n *Node) Connect(ctx context.Context, peer identity.NodeID, service string, h handle.Proxyable) error {
	if err := validServiceName(service); err != nil {
		return err
	}
	l, err := n.Link(peer)
	if err != nil {
		return err
	}

	w, r, err := l.OpenStream(ctx, protocol.StreamOpen{Service: service})
	if err != nil {
		return err
	}

	s, initiate, err := n.register(kindConnect, peer, h, nil)
	if err != nil {
		w.Close()
		r.Close()
		return err
	}
	n.start(s, initiate, w, nil, r)
	return nil
}

func (n *Node) onServiceStream(l *link.Link, name string, w *stream.Writer, r *stream.Reader) {
	from := l.RemoteID()
	go func() {
		defer recovery.RecoverWithLog(n.logger, "node.serviceStream")

		log := n.logger.With(logging.KeyService, name, logging.KeyPeerID, from.ShortString())

		n.mu.Lock()
		h, ok := n.services[name]
		n.mu.Unlock()
		if !ok {
			log.Debug("connection to unknown service")
			rejectService(w, r, handle.StatusUnavailable)
			return
		}

		hdl, err := h(n.ctx, from)
		if err != nil {
			log.Warn("service handler failed", logging.KeyError, err)
			rejectService(w, r, handle.StatusOf(err))
			return
		}

		s, initiate, err := n.register(kindService, from, hdl, nil)
		if err != nil {
			hdl.Close()
			rejectService(w, r, handle.StatusUnavailable)
			return
		}
		n.start(s, initiate, w, nil, r)
	}()
}

// rejectService ends a service stream before any proxy runs on it. The
// connecting side has already sent HELLO and reads the SHUTDOWN.
func rejectService(w *stream.Writer, r *stream.Reader, status handle.Status) {
	if status == handle.StatusOK {
		status = handle.StatusInternal
	}
	w.SendShutdown(handle.FromStatus(status))
	w.Close()
	r.Close()
}
