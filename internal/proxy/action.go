package proxy

import (
	"fmt"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/stream"
)

// RemoveFromProxyTable is delivered by the proxy table when it removes a
// proxy: either InitiateTransfer or Dropped.
type RemoveFromProxyTable interface {
	removeFromProxyTable()
}

// InitiateTransfer reports that the local end paired with the proxied
// capability was sent to Destination.
type InitiateTransfer struct {
	Destination identity.NodeID
	// PairedHandle is the other end of the proxied capability. Messages it
	// has not read yet belong to the new owner.
	PairedHandle handle.Proxyable
	// DrainStream is an open stream to Destination that carries buffered
	// traffic to the new owner.
	DrainStream *stream.Writer
	// StreamRefSender receives the reference the new owner needs to take
	// over the endpoint.
	StreamRefSender chan<- TransferRef
}

// Dropped reports removal without a transfer. A running proxy treats it as
// fatal.
type Dropped struct{}

func (InitiateTransfer) removeFromProxyTable() {}
func (Dropped) removeFromProxyTable()          {}

// TransferRef identifies a transferred endpoint to its new owner: the drain
// stream opened by the old owner and the key the remote end will present on
// its new stream.
type TransferRef struct {
	Key         identity.TransferKey
	DrainStream uint64
}

// TransferInitiationSender is held by the proxy table.
type TransferInitiationSender struct {
	o *oneshot[RemoveFromProxyTable]
}

// TransferInitiationReceiver is held by the running proxy.
type TransferInitiationReceiver struct {
	o *oneshot[RemoveFromProxyTable]
}

// NewTransferInitiation returns a connected single-use sender and receiver.
func NewTransferInitiation() (TransferInitiationSender, TransferInitiationReceiver) {
	o := newOneshot[RemoveFromProxyTable](nil)
	return TransferInitiationSender{o: o}, TransferInitiationReceiver{o: o}
}

// Send delivers the removal. Calling it twice panics.
func (s TransferInitiationSender) Send(v RemoveFromProxyTable) {
	s.o.send(v)
}

func (r TransferInitiationReceiver) fired() <-chan struct{} {
	if r.o == nil {
		return nil
	}
	return r.o.ready()
}

func (r TransferInitiationReceiver) recv() (RemoveFromProxyTable, bool) {
	if r.o == nil {
		return nil, false
	}
	return r.o.tryRecv()
}

// finishAction is the single outcome the two relays agree on. Exactly one
// relay sends it; the other consumes it.
type finishAction interface {
	fmt.Stringer
	finish()
}

type finishInitiateTransfer struct {
	InitiateTransfer
	// pending holds a message taken from the stream but not yet written to
	// the capability when the transfer started.
	pending [][]byte
	reader  *stream.Reader
}

type finishFollowTransfer struct {
	initiate TransferInitiationReceiver
	node     identity.NodeID
	key      identity.TransferKey
	reader   *stream.Reader
}

type finishShutdown struct {
	result error
	reader *stream.Reader
}

func (finishInitiateTransfer) finish() {}
func (finishFollowTransfer) finish()   {}
func (finishShutdown) finish()         {}

func (a finishInitiateTransfer) String() string {
	return "initiate-transfer to " + a.Destination.ShortString()
}

func (a finishFollowTransfer) String() string {
	return "follow-transfer to " + a.node.ShortString()
}

func (a finishShutdown) String() string {
	if a.result == nil {
		return "shutdown"
	}
	return "shutdown: " + a.result.Error()
}
