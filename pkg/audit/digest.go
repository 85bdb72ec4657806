package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"
)

// Digest is a 32-byte content hash such as an escrow terms hash or a spend
// memo hash. It marshals as 0x-prefixed hex.
type Digest [32]byte

// Keccak256 hashes data with legacy Keccak-256, the same digest off-chain
// indexers compute for memos and terms documents.
func Keccak256(data []byte) Digest {
	var d Digest
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(data)
	h.Sum(d[:0])
	return d
}

// CanonicalDigest hashes the RFC 8785 canonical JSON form of v, so two
// parties serializing the same terms document agree on its hash.
func CanonicalDigest(v any) (Digest, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Digest{}, fmt.Errorf("audit: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Digest{}, fmt.Errorf("audit: canonicalize: %w", err)
	}
	return Keccak256(canonical), nil
}

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) String() string { return "0x" + hex.EncodeToString(d[:]) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest accepts 64 hex characters with an optional 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return d, fmt.Errorf("audit: invalid digest %q: %w", s, err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("audit: digest must be %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}
