package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// TransferKey correlates a BeginTransfer announcement with the stream the
// new owner opens for it. Keys are random (UUIDv4) and never reused.
type TransferKey [16]byte

// ZeroKey is the unset transfer key.
var ZeroKey TransferKey

// NewTransferKey mints a fresh random key.
func NewTransferKey() TransferKey {
	return TransferKey(uuid.New())
}

// ParseTransferKey parses the canonical UUID text form of a key.
func ParseTransferKey(s string) (TransferKey, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ZeroKey, fmt.Errorf("invalid transfer key %q: %w", s, err)
	}
	return TransferKey(u), nil
}

// TransferKeyFromBytes creates a TransferKey from a 16-byte slice.
func TransferKeyFromBytes(b []byte) (TransferKey, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return ZeroKey, fmt.Errorf("invalid transfer key: %w", err)
	}
	return TransferKey(u), nil
}

func (k TransferKey) String() string {
	return uuid.UUID(k).String()
}

// IsZero reports whether the key is unset.
func (k TransferKey) IsZero() bool {
	return k == ZeroKey
}

// MarshalText implements encoding.TextMarshaler.
func (k TransferKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *TransferKey) UnmarshalText(text []byte) error {
	parsed, err := ParseTransferKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
