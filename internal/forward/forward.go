// Package forward bridges plain TCP connections into the mesh: a Listener
// connects each accepted connection to a service exported by a peer, and a
// Handler exports local TCP targets as services.
package forward

import (
	"context"
	"net"
	"sync"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/node"
)

// Endpoint maps an exported service name to a local TCP target.
type Endpoint struct {
	Name   string
	Target string
}

// Connector proxies a local capability to a service on a peer.
// *node.Node implements it.
type Connector interface {
	Connect(ctx context.Context, peer identity.NodeID, service string, h handle.Proxyable) error
}

// Exporter publishes services. *node.Node implements it.
type Exporter interface {
	Export(name string, h node.ServiceHandler) error
	Unexport(name string)
}

// trackedConn runs onClose once when the connection is closed, whoever
// closes it.
type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *trackedConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}
