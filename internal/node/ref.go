package node

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/postalsys/handlemesh/internal/identity"
)

// ErrInvalidRef is returned when a handle reference cannot be decoded.
var ErrInvalidRef = errors.New("invalid handle reference")

var (
	refEncMode cbor.EncMode
	refDecMode cbor.DecMode
)

func init() {
	var err error
	refEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("node: cbor encoder: " + err.Error())
	}
	refDecMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		panic("node: cbor decoder: " + err.Error())
	}
}

// HandleRef tells a node where to pick up a handle: the node holding the
// other end and the stream it opened for it. A transfer reference also
// carries the key the remote end presents on its new stream.
//
// Refs are produced by Share and Transfer and consumed by Accept. How they
// travel between applications is up to the caller.
type HandleRef struct {
	Node     identity.NodeID       `cbor:"1,keyasint"`
	Stream   uint64                `cbor:"2,keyasint"`
	Transfer *identity.TransferKey `cbor:"3,keyasint,omitempty"`
}

// IsTransfer reports whether the ref names a transferred endpoint.
func (r HandleRef) IsTransfer() bool {
	return r.Transfer != nil
}

// Encode returns the deterministic CBOR encoding of the ref.
func (r HandleRef) Encode() ([]byte, error) {
	return refEncMode.Marshal(r)
}

// DecodeHandleRef parses a ref produced by Encode.
func DecodeHandleRef(data []byte) (HandleRef, error) {
	var r HandleRef
	if err := refDecMode.Unmarshal(data, &r); err != nil {
		return HandleRef{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if r.Node.IsZero() || r.Stream == 0 {
		return HandleRef{}, fmt.Errorf("%w: missing node or stream", ErrInvalidRef)
	}
	if r.Transfer != nil && r.Transfer.IsZero() {
		return HandleRef{}, fmt.Errorf("%w: zero transfer key", ErrInvalidRef)
	}
	return r, nil
}

func (r HandleRef) String() string {
	if r.Transfer != nil {
		return fmt.Sprintf("%s/%d#%s", r.Node.ShortString(), r.Stream, r.Transfer)
	}
	return fmt.Sprintf("%s/%d", r.Node.ShortString(), r.Stream)
}
