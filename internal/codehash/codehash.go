// Package codehash commits claim codes to fixed-width digests and checks
// presented codes against them.
package codehash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// Size is the width of a Digest in bytes.
const Size = 32

// Digest is the stored commitment to a claim code.
type Digest [Size]byte

// Algorithm names a one-way hash used to build digests.
type Algorithm string

const (
	Keccak256 Algorithm = "keccak256"
	SHA256    Algorithm = "sha256"
	SHA3_256  Algorithm = "sha3-256"
)

var ErrInvalidDigest = errors.New("invalid code hash")

// Verifier hashes codes with a fixed algorithm. The zero value uses Keccak256.
type Verifier struct {
	Algorithm Algorithm
}

// NewVerifier returns a Verifier for the named algorithm.
func NewVerifier(name string) (Verifier, error) {
	switch alg := Algorithm(strings.ToLower(strings.TrimSpace(name))); alg {
	case "", Keccak256:
		return Verifier{Algorithm: Keccak256}, nil
	case SHA256, SHA3_256:
		return Verifier{Algorithm: alg}, nil
	default:
		return Verifier{}, fmt.Errorf("unknown code hash algorithm %q", name)
	}
}

// Hash returns the digest of code. The code is hashed byte-for-byte.
func (v Verifier) Hash(code string) Digest {
	var out Digest
	switch v.Algorithm {
	case SHA256:
		out = sha256.Sum256([]byte(code))
	case SHA3_256:
		out = sha3.Sum256([]byte(code))
	default:
		copy(out[:], crypto.Keccak256([]byte(code)))
	}
	return out
}

// Match reports whether code hashes to want.
func (v Verifier) Match(code string, want Digest) bool {
	got := v.Hash(code)
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// IsZero reports whether d was never set.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Hex renders d as 0x-prefixed lowercase hex.
func (d Digest) Hex() string {
	return "0x" + hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// ParseDigest decodes a 32-byte hex digest with or without a 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return FromBytes(raw)
}

// FromBytes copies a 32-byte slice into a Digest.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidDigest, Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
