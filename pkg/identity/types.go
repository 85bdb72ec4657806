// Package identity is the settlement core's view of the external identity
// registry: opaque 32-byte identities resolving to a controlling account and an
// active flag, plus the "may this caller act for this identity" question.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by a Registry for an identity it cannot resolve.
var ErrNotFound = errors.New("identity: not found")

// ID is an opaque identity handle.
type ID [32]byte

// Account is the controlling address of an identity, or any transfer target.
type Account string

// DeriveID returns the identity handle for a human-readable label.
// Fixtures and bootstrap files use labels instead of raw hex.
func DeriveID(label string) ID {
	return ID(sha256.Sum256([]byte(label)))
}

// ParseID parses a 64-character hex string, with or without a 0x prefix.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("identity: parse %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("identity: parse %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id ID) String() string { return "0x" + hex.EncodeToString(id[:]) }

func (id ID) IsZero() bool { return id == ID{} }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Record is what an identity resolves to.
type Record struct {
	Account  Account `json:"account"`
	Metadata string  `json:"metadata,omitempty"`
	Active   bool    `json:"active"`
}

// Registry is the identity contract consumed by the escrow engine and the
// budget ledger. Implementations must be safe for concurrent use.
type Registry interface {
	// GetIdentity resolves id. Unknown identities return ErrNotFound.
	GetIdentity(ctx context.Context, id ID) (Record, error)
	// IsAuthorized reports whether caller may act for id.
	IsAuthorized(ctx context.Context, id ID, caller Account) (bool, error)
}
