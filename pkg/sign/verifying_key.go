package sign

import (
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// VerifyingKey is a public key. It is comparable, so it can be used as a map
// key, and totally ordered by Compare.
type VerifyingKey struct {
	alg Algorithm
	key string // compressed SEC1 point
}

// NewVerifyingKey parses a compressed or uncompressed SEC1 point.
func NewVerifyingKey(alg Algorithm, b []byte) (VerifyingKey, error) {
	switch alg {
	case AlgorithmEcdsaSecp256k1:
		pub, err := secp256k1.ParsePubKey(b)
		if err != nil {
			return VerifyingKey{}, ErrKeyMalformed
		}
		return VerifyingKey{alg: alg, key: string(pub.SerializeCompressed())}, nil
	default:
		return VerifyingKey{}, ErrUnsupportedAlgorithm
	}
}

// Algorithm returns the key's algorithm.
func (v VerifyingKey) Algorithm() Algorithm {
	return v.alg
}

// IsZero reports whether v is the zero value.
func (v VerifyingKey) IsZero() bool {
	return v.key == ""
}

// Bytes returns the compressed SEC1 encoding.
func (v VerifyingKey) Bytes() []byte {
	return []byte(v.key)
}

// UncompressedBytes returns 0x04||x||y, or ErrUnsupportedAlgorithm when the
// key has no such encoding.
func (v VerifyingKey) UncompressedBytes() ([]byte, error) {
	switch v.alg {
	case AlgorithmEcdsaSecp256k1:
		pub, err := secp256k1.ParsePubKey([]byte(v.key))
		if err != nil {
			return nil, ErrKeyMalformed
		}
		return pub.SerializeUncompressed(), nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// Compare orders keys by algorithm, then by encoded point.
func (v VerifyingKey) Compare(other VerifyingKey) int {
	switch {
	case v.alg < other.alg:
		return -1
	case v.alg > other.alg:
		return 1
	default:
		return strings.Compare(v.key, other.key)
	}
}

// String returns the hex encoded compressed point.
func (v VerifyingKey) String() string {
	return "0x" + hex.EncodeToString([]byte(v.key))
}
