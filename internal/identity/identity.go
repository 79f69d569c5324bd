// Package identity provides node and transfer identifiers for the mesh.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// IDSize is the size of a NodeID in bytes (128 bits)
	IDSize = 16

	idFileName = "node_id"
)

var (
	// ErrInvalidIDLength is returned when the ID length is incorrect
	ErrInvalidIDLength = errors.New("invalid node ID length: expected 16 bytes")

	// ErrInvalidHexString is returned when the hex string is malformed
	ErrInvalidHexString = errors.New("invalid hex string for node ID")

	// ErrNotFound is returned by Load when no identity has been stored yet
	ErrNotFound = errors.New("node ID not found")

	// ZeroID represents an uninitialized node ID
	ZeroID = NodeID{}
)

// NodeID identifies one mesh node. It is generated once and persisted to
// the node's data directory.
type NodeID [IDSize]byte

// NewNodeID generates a new random NodeID using crypto/rand.
func NewNodeID() (NodeID, error) {
	var id NodeID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("failed to generate node ID: %w", err)
	}
	return id, nil
}

// MustNewNodeID is NewNodeID for tests and fixtures.
func MustNewNodeID() NodeID {
	id, err := NewNodeID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseNodeID parses a NodeID from a hex string.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), IDSize*2)
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id NodeID
	copy(id[:], raw)
	return id, nil
}

// NodeIDFromBytes creates a NodeID from a byte slice.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != IDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation of the NodeID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first 8 hex chars, for logs.
func (id NodeID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// IsZero returns true if the NodeID is uninitialized (all zeros).
func (id NodeID) IsZero() bool {
	return id == ZeroID
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Store persists the NodeID to the data directory.
func (id NodeID) Store(dataDir string) error {
	if id.IsZero() {
		return errors.New("cannot store zero node ID")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, idFileName)

	// Write to a temp file and rename so a crash never leaves a torn ID.
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(id.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write node ID: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist node ID: %w", err)
	}

	return nil
}

// Load reads the NodeID stored in dataDir.
func Load(dataDir string) (NodeID, error) {
	filePath := filepath.Join(dataDir, idFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ZeroID, fmt.Errorf("%w at %s", ErrNotFound, filePath)
		}
		return ZeroID, fmt.Errorf("failed to read node ID: %w", err)
	}

	return ParseNodeID(string(data))
}

// LoadOrCreate loads the NodeID from dataDir, or creates and persists a
// new one. The bool result reports whether a new ID was created.
func LoadOrCreate(dataDir string) (NodeID, bool, error) {
	id, err := Load(dataDir)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ZeroID, false, err
	}

	id, err = NewNodeID()
	if err != nil {
		return ZeroID, false, err
	}
	if err := id.Store(dataDir); err != nil {
		return ZeroID, false, err
	}
	return id, true, nil
}

// Exists checks if a NodeID file exists in the data directory.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, idFileName))
	return err == nil
}
