package node

import (
	"errors"
	"strings"
	"testing"

	"github.com/postalsys/handlemesh/internal/identity"
)

func TestHandleRefEncoding(t *testing.T) {
	key := identity.NewTransferKey()
	tests := []struct {
		name string
		ref  HandleRef
	}{
		{"plain", HandleRef{Node: identity.MustNewNodeID(), Stream: 7}},
		{"transfer", HandleRef{Node: identity.MustNewNodeID(), Stream: 12, Transfer: &key}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.ref.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := DecodeHandleRef(data)
			if err != nil {
				t.Fatalf("DecodeHandleRef() error = %v", err)
			}
			if got.Node != tc.ref.Node || got.Stream != tc.ref.Stream {
				t.Errorf("decoded %s, want %s", got, tc.ref)
			}
			if got.IsTransfer() != tc.ref.IsTransfer() {
				t.Errorf("IsTransfer() = %v, want %v", got.IsTransfer(), tc.ref.IsTransfer())
			}
			if tc.ref.Transfer != nil && *got.Transfer != *tc.ref.Transfer {
				t.Errorf("Transfer = %s, want %s", got.Transfer, tc.ref.Transfer)
			}
		})
	}
}

func TestHandleRefEncodingIsDeterministic(t *testing.T) {
	key := identity.NewTransferKey()
	ref := HandleRef{Node: identity.MustNewNodeID(), Stream: 3, Transfer: &key}

	a, err := ref.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	b, _ := ref.Encode()
	if string(a) != string(b) {
		t.Error("Encode() is not deterministic")
	}
}

func TestDecodeHandleRefRejects(t *testing.T) {
	zero := identity.ZeroKey
	encode := func(r HandleRef) []byte {
		data, err := r.Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		return data
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte{0xff, 0x00, 0x13}},
		{"empty", nil},
		{"zero node", encode(HandleRef{Stream: 1})},
		{"zero stream", encode(HandleRef{Node: identity.MustNewNodeID()})},
		{"zero key", encode(HandleRef{Node: identity.MustNewNodeID(), Stream: 1, Transfer: &zero})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeHandleRef(tc.data); !errors.Is(err, ErrInvalidRef) {
				t.Errorf("DecodeHandleRef() error = %v, want ErrInvalidRef", err)
			}
		})
	}
}

func TestHandleRefString(t *testing.T) {
	key := identity.NewTransferKey()
	id := identity.MustNewNodeID()

	plain := HandleRef{Node: id, Stream: 5}.String()
	if !strings.HasPrefix(plain, id.ShortString()) || strings.Contains(plain, "#") {
		t.Errorf("String() = %q, want %s/5", plain, id.ShortString())
	}
	if s := (HandleRef{Node: id, Stream: 5, Transfer: &key}).String(); !strings.Contains(s, key.String()) {
		t.Errorf("String() = %q, want it to contain %s", s, key)
	}
}
