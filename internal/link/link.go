// Package link multiplexes proxy streams between two nodes over a single
// ordered byte pipe.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/metrics"
	"github.com/postalsys/handlemesh/internal/protocol"
	"github.com/postalsys/handlemesh/internal/stream"
	"github.com/postalsys/handlemesh/internal/transport"
)

// ErrLinkClosed is returned for operations on a closed link and ends every
// stream reader of the link.
var ErrLinkClosed = errors.New("link closed")

// Config configures a link.
type Config struct {
	LocalID identity.NodeID
	// ExpectedPeer, if set, must match the remote node id.
	ExpectedPeer identity.NodeID
	Capabilities []string

	HandshakeTimeout time.Duration
	// KeepaliveInterval enables KEEPALIVE probes when positive.
	KeepaliveInterval time.Duration
	// StreamBuffer is the per-stream reader queue length.
	StreamBuffer int
	// CompressionThreshold enables s2 compression of DATA payloads of at
	// least this many bytes.
	CompressionThreshold int
	// MaxBytesPerSecond limits write throughput when positive.
	MaxBytesPerSecond int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnTransferStream receives streams the peer opened for a transfer.
	// It runs on the read loop and must not block.
	OnTransferStream func(l *Link, key identity.TransferKey, w *stream.Writer, r *stream.Reader)
	// OnServiceStream receives streams the peer opened against a service.
	// It runs on the read loop and must not block.
	OnServiceStream func(l *Link, service string, w *stream.Writer, r *stream.Reader)
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = stream.DefaultBufferSize
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	return c
}

type streamPair struct {
	w *stream.Writer
	r *stream.Reader
}

// Link is an established connection to one remote node.
type Link struct {
	cfg    Config
	conn   io.ReadWriteCloser
	reader *protocol.FrameReader
	dialer bool
	logger *slog.Logger

	remoteID     identity.NodeID
	capabilities []string
	transport    string
	remoteAddr   string

	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
	writer  *protocol.FrameWriter

	ids *transport.StreamIDAllocator

	mu      sync.Mutex
	streams map[uint64]*stream.Reader
	pending map[uint64]streamPair
	claims  map[uint64]chan streamPair

	rtt          atomic.Int64
	lastActivity atomic.Int64
	framesIn     atomic.Uint64
	framesOut    atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

func newLink(conn io.ReadWriteCloser, reader *protocol.FrameReader, dialer bool, hs *handshakeResult, cfg Config) *Link {
	ctx, cancel := context.WithCancel(context.Background())

	l := &Link{
		cfg:          cfg,
		conn:         conn,
		reader:       reader,
		dialer:       dialer,
		remoteID:     hs.remoteID,
		capabilities: hs.capabilities,
		ctx:          ctx,
		cancel:       cancel,
		writer:       protocol.NewFrameWriter(newRateLimitedWriter(ctx, conn, cfg.MaxBytesPerSecond)),
		ids:          transport.NewStreamIDAllocator(dialer),
		streams:      make(map[uint64]*stream.Reader),
		pending:      make(map[uint64]streamPair),
		claims:       make(map[uint64]chan streamPair),
		closed:       make(chan struct{}),
	}
	if tc, ok := conn.(interface{ TransportType() transport.TransportType }); ok {
		l.transport = string(tc.TransportType())
	}
	if ra, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && ra.RemoteAddr() != nil {
		l.remoteAddr = ra.RemoteAddr().String()
	}
	l.rtt.Store(int64(hs.rtt))
	l.updateActivity()

	l.logger = cfg.Logger.With(
		logging.KeyComponent, "link",
		logging.KeyPeerID, l.remoteID.ShortString(),
	)

	direction := "inbound"
	if dialer {
		direction = "outbound"
	}
	cfg.Metrics.RecordLinkConnect(l.transport, direction)
	return l
}

// RemoteID returns the id of the node at the other end.
func (l *Link) RemoteID() identity.NodeID { return l.remoteID }

// Capabilities returns the capabilities the peer announced.
func (l *Link) Capabilities() []string { return l.capabilities }

// IsDialer reports whether this side initiated the link.
func (l *Link) IsDialer() bool { return l.dialer }

// Transport returns the transport name, if known.
func (l *Link) Transport() string { return l.transport }

// RemoteAddr returns the remote address, if known.
func (l *Link) RemoteAddr() string { return l.remoteAddr }

// RTT returns the last measured round-trip time.
func (l *Link) RTT() time.Duration { return time.Duration(l.rtt.Load()) }

// LastActivity returns the time a frame was last sent or received.
func (l *Link) LastActivity() time.Time { return time.Unix(0, l.lastActivity.Load()) }

// FramesIn returns the number of frames received.
func (l *Link) FramesIn() uint64 { return l.framesIn.Load() }

// FramesOut returns the number of frames sent.
func (l *Link) FramesOut() uint64 { return l.framesOut.Load() }

// Done is closed when the link has closed.
func (l *Link) Done() <-chan struct{} { return l.closed }

// Err returns the error that closed the link, or nil while it is open or
// after a clean close.
func (l *Link) Err() error {
	select {
	case <-l.closed:
		return l.err
	default:
		return nil
	}
}

func (l *Link) updateActivity() {
	l.lastActivity.Store(time.Now().UnixNano())
}

// WriteFrame writes one frame to the peer.
func (l *Link) WriteFrame(f *protocol.Frame) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	l.writeMu.Lock()
	err := l.writer.Write(f)
	l.writeMu.Unlock()

	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return err
		}
		l.closeWithError(fmt.Errorf("write: %w", err))
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}

	l.framesOut.Add(1)
	l.updateActivity()
	l.cfg.Metrics.RecordFrameSent(protocol.FrameTypeName(f.Type))
	return nil
}

// sink adapts the link to stream.Sink.
type sink struct{ l *Link }

func (s sink) Write(f *protocol.Frame) error { return s.l.WriteFrame(f) }

// register creates the reader for id. l.mu must be held.
func (l *Link) register(id uint64) *stream.Reader {
	r := stream.NewReader(id, l.cfg.StreamBuffer, func() {
		l.mu.Lock()
		delete(l.streams, id)
		l.mu.Unlock()
	})
	l.streams[id] = r
	return r
}

func (l *Link) newWriter(id uint64, initiator bool) *stream.Writer {
	return stream.NewWriter(sink{l}, id, initiator, stream.WithCompression(l.cfg.CompressionThreshold))
}

// OpenStream opens a new proxy stream. This side is the stream initiator.
func (l *Link) OpenStream(ctx context.Context, open protocol.StreamOpen) (*stream.Writer, *stream.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		return nil, nil, ErrLinkClosed
	default:
	}
	id := l.ids.Next()
	r := l.register(id)
	l.mu.Unlock()

	if err := l.WriteFrame(&protocol.Frame{
		Type:     protocol.FrameStreamOpen,
		StreamID: id,
		Payload:  open.Encode(),
	}); err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("open stream: %w", err)
	}

	l.logger.Debug("stream opened", logging.KeyStreamID, id)
	return l.newWriter(id, true), r, nil
}

// ClaimStream returns the plain stream the peer opened with id, waiting for
// its STREAM_OPEN if it has not arrived yet. This side is not the stream
// initiator.
func (l *Link) ClaimStream(ctx context.Context, id uint64) (*stream.Writer, *stream.Reader, error) {
	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		return nil, nil, ErrLinkClosed
	default:
	}
	if p, ok := l.pending[id]; ok {
		delete(l.pending, id)
		l.mu.Unlock()
		return p.w, p.r, nil
	}
	if _, ok := l.claims[id]; ok {
		l.mu.Unlock()
		return nil, nil, fmt.Errorf("stream %d already claimed", id)
	}
	ch := make(chan streamPair, 1)
	l.claims[id] = ch
	l.mu.Unlock()

	select {
	case p := <-ch:
		return p.w, p.r, nil
	case <-l.closed:
		return nil, nil, ErrLinkClosed
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.claims, id)
		l.mu.Unlock()
		// The stream may have been handed over just before the delete.
		select {
		case p := <-ch:
			p.w.Close()
			p.r.Close()
		default:
		}
		return nil, nil, fmt.Errorf("claim stream %d: %w", id, ctx.Err())
	}
}

// Serve runs the read loop until the link closes. It returns nil when the
// link was closed locally or by the peer and the error otherwise.
func (l *Link) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.closeWithError(ctx.Err())
	})
	defer stop()

	if l.cfg.KeepaliveInterval > 0 {
		go l.keepalive(l.cfg.KeepaliveInterval)
	}

	for {
		f, err := l.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			l.closeWithError(err)
			return l.Err()
		}

		l.framesIn.Add(1)
		l.updateActivity()
		l.cfg.Metrics.RecordFrameReceived(protocol.FrameTypeName(f.Type))

		switch f.Type {
		case protocol.FrameStreamOpen:
			l.handleOpen(f)
		case protocol.FrameStreamClose:
			l.handleClose(f.StreamID)
		case protocol.FrameKeepalive:
			l.handleKeepalive(f)
		case protocol.FrameKeepaliveAck:
			if ka, err := protocol.DecodeKeepalive(f.Payload); err == nil {
				l.updateRTT(ka.Timestamp)
			}
		case protocol.FrameLinkHello, protocol.FrameLinkHelloAck:
			err := fmt.Errorf("%w: %s after handshake", protocol.ErrInvalidFrame, protocol.FrameTypeName(f.Type))
			l.closeWithError(err)
			return err
		default:
			l.deliver(f)
		}
	}
}

func (l *Link) peerStreamID(id uint64) bool {
	// The peer allocates odd ids if it dialed and even ids otherwise.
	return id != protocol.ControlStreamID && (id%2 == 1) != l.dialer
}

func (l *Link) handleOpen(f *protocol.Frame) {
	id := f.StreamID
	log := l.logger.With(logging.KeyStreamID, id)

	open, err := protocol.DecodeStreamOpen(f.Payload)
	if err != nil {
		log.Warn("bad STREAM_OPEN", logging.KeyError, err)
		return
	}
	if !l.peerStreamID(id) {
		log.Warn("STREAM_OPEN with local stream id")
		return
	}

	l.mu.Lock()
	if _, exists := l.streams[id]; exists {
		l.mu.Unlock()
		log.Warn("duplicate STREAM_OPEN")
		return
	}
	r := l.register(id)
	w := l.newWriter(id, false)
	p := streamPair{w: w, r: r}

	switch {
	case open.Transfer != nil:
		l.mu.Unlock()
		if l.cfg.OnTransferStream == nil {
			l.reject(p)
			return
		}
		log.Debug("transfer stream", logging.KeyTransferKey, open.Transfer.String())
		l.cfg.OnTransferStream(l, *open.Transfer, w, r)

	case open.Service != "":
		l.mu.Unlock()
		if l.cfg.OnServiceStream == nil {
			l.reject(p)
			return
		}
		log.Debug("service stream", logging.KeyService, open.Service)
		l.cfg.OnServiceStream(l, open.Service, w, r)

	default:
		if ch, ok := l.claims[id]; ok {
			delete(l.claims, id)
			l.mu.Unlock()
			ch <- p
			return
		}
		l.pending[id] = p
		l.mu.Unlock()
	}
}

func (l *Link) reject(p streamPair) {
	p.w.Close()
	p.r.Close()
}

func (l *Link) handleClose(id uint64) {
	l.mu.Lock()
	r, ok := l.streams[id]
	l.mu.Unlock()
	if ok {
		r.Finish(io.EOF)
	}
}

func (l *Link) deliver(f *protocol.Frame) {
	l.mu.Lock()
	r, ok := l.streams[f.StreamID]
	l.mu.Unlock()
	if !ok {
		l.cfg.Metrics.FramesDropped.WithLabelValues(protocol.FrameTypeName(f.Type)).Inc()
		return
	}

	// A full reader stalls the link until its consumer catches up.
	if err := r.Deliver(l.ctx, f); err != nil && !errors.Is(err, stream.ErrClosed) {
		l.logger.Debug("deliver failed", logging.KeyStreamID, f.StreamID, logging.KeyError, err)
	}
}

func (l *Link) handleKeepalive(f *protocol.Frame) {
	ka, err := protocol.DecodeKeepalive(f.Payload)
	if err != nil {
		return
	}
	go l.WriteFrame(&protocol.Frame{
		Type:     protocol.FrameKeepaliveAck,
		StreamID: protocol.ControlStreamID,
		Payload:  ka.Encode(),
	})
}

func (l *Link) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ka := &protocol.Keepalive{Timestamp: uint64(time.Now().UnixNano())}
			if err := l.WriteFrame(&protocol.Frame{
				Type:     protocol.FrameKeepalive,
				StreamID: protocol.ControlStreamID,
				Payload:  ka.Encode(),
			}); err != nil {
				return
			}
			l.cfg.Metrics.KeepalivesSent.Inc()
		case <-l.closed:
			return
		}
	}
}

func (l *Link) updateRTT(sent uint64) {
	now := uint64(time.Now().UnixNano())
	if now > sent {
		rtt := time.Duration(now - sent)
		l.rtt.Store(int64(rtt))
		l.cfg.Metrics.RecordKeepaliveRTT(rtt.Seconds())
	}
}

// Close closes the link. Every open stream reader ends with ErrLinkClosed.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		close(l.closed)
		readers := make([]*stream.Reader, 0, len(l.streams))
		for _, r := range l.streams {
			readers = append(readers, r)
		}
		pending := l.pending
		l.pending = make(map[uint64]streamPair)
		l.mu.Unlock()

		l.cancel()
		l.conn.Close()

		for _, r := range readers {
			r.Finish(ErrLinkClosed)
		}
		for _, p := range pending {
			p.r.Close()
		}

		reason := "closed"
		if err != nil {
			reason = "error"
			l.logger.Info("link closed", logging.KeyError, err)
		} else {
			l.logger.Debug("link closed")
		}
		l.cfg.Metrics.RecordLinkDisconnect(reason)
	})
}

// String returns a string representation.
func (l *Link) String() string {
	return fmt.Sprintf("Link{peer=%s, transport=%s, addr=%s}", l.remoteID.ShortString(), l.transport, l.remoteAddr)
}
