// Package probe tests whether a handlemesh listener is reachable and
// completes the link handshake.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/link"
	"github.com/postalsys/handlemesh/internal/metrics"
	"github.com/postalsys/handlemesh/internal/transport"
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Transport type: "quic", "ws", "tcp"
	Transport string

	// Address is the host:port, or a ws:// or wss:// URL, to probe
	Address string

	// ExpectedID, if set, must match the node answering the handshake
	ExpectedID identity.NodeID

	// Timeout for the entire probe operation
	Timeout time.Duration

	// CACert is the path to a CA certificate file for TLS verification.
	// Without it the certificate is not verified.
	CACert string

	// PlainText dials TCP or WebSocket without TLS
	PlainText bool
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	Success   bool
	Transport string
	Address   string

	// RemoteID is the node ID from the handshake
	RemoteID string

	// Capabilities are the capabilities the remote node advertised
	Capabilities []string

	// DialTime is how long the transport connection took
	DialTime time.Duration

	// RTT is the handshake round-trip time
	RTT time.Duration

	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe dials a listener and performs the link handshake as a throwaway
// node, then hangs up.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{
		Transport: opts.Transport,
		Address:   opts.Address,
	}
	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	typ, err := transport.ParseType(opts.Transport)
	if err != nil {
		return fail(err)
	}
	tr, err := transport.New(typ)
	if err != nil {
		return fail(err)
	}
	defer tr.Close()

	dialOpts := transport.DialOptions{
		PlainText:          opts.PlainText,
		InsecureSkipVerify: opts.CACert == "",
		Timeout:            opts.Timeout,
	}
	if !opts.PlainText && opts.CACert != "" {
		tlsCfg, err := transport.LoadClientTLSConfig(opts.CACert, false)
		if err != nil {
			return fail(err)
		}
		dialOpts.TLSConfig = tlsCfg
	}

	start := time.Now()
	conn, err := tr.Dial(ctx, opts.Address, dialOpts)
	if err != nil {
		return fail(err)
	}
	result.DialTime = time.Since(start)

	localID, err := identity.NewNodeID()
	if err != nil {
		conn.Close()
		return fail(err)
	}

	l, err := link.Handshake(ctx, conn, true, link.Config{
		LocalID:      localID,
		ExpectedPeer: opts.ExpectedID,
		Metrics:      metrics.Discard(),
	})
	if err != nil {
		return fail(err)
	}
	defer l.Close()

	result.Success = true
	result.RemoteID = l.RemoteID().String()
	result.Capabilities = l.Capabilities()
	result.RTT = l.RTT()
	return result
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	switch {
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused - listener not running or port blocked"
	case strings.Contains(errStr, "no route to host"):
		return "No route to host - network unreachable"
	case strings.Contains(errStr, "network is unreachable"):
		return "Network unreachable"
	}

	if errors.Is(err, link.ErrPeerMismatch) {
		return "Connected, but a different node answered: " + errStr
	}
	if errors.Is(err, link.ErrVersionMismatch) {
		return "Connected, but the node speaks another protocol version"
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		if strings.Contains(errStr, "unknown authority") {
			return "TLS error - certificate signed by unknown authority (check --ca)"
		}
		if strings.Contains(errStr, "expired") {
			return "TLS error - certificate has expired"
		}
		return "TLS handshake failed - " + errStr
	}

	if strings.Contains(errStr, "LINK_HELLO") || strings.Contains(errStr, "EOF") {
		return "Connected but handshake failed - not a handlemesh listener?"
	}

	return errStr
}

// String formats the result for terminal output.
func (r *Result) String() string {
	if !r.Success {
		return fmt.Sprintf("FAILED %s %s: %s", r.Transport, r.Address, r.ErrorDetail)
	}
	return fmt.Sprintf("OK %s %s: node %s (dial %s, handshake rtt %s, capabilities %v)",
		r.Transport, r.Address, r.RemoteID, r.DialTime.Round(time.Microsecond), r.RTT.Round(time.Microsecond), r.Capabilities)
}
