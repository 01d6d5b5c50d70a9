package sign

import (
	"errors"

	"golang.org/x/crypto/sha3"
)

// Errors returned by this package never carry key material or detail.
var (
	ErrDigestMalformed      = errors.New("malformed digest")
	ErrSigningFailed        = errors.New("signing failed")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrKeyMalformed         = errors.New("malformed key")
	ErrKeyGenerationFailed  = errors.New("key generation failed")
)

// DigestSize is the only accepted prehash length.
const DigestSize = 32

// Algorithm identifies a signature algorithm.
type Algorithm uint8

const (
	AlgorithmEcdsaSecp256k1 Algorithm = iota
	AlgorithmUnknown                  = 255
)

// String returns the string representation of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmEcdsaSecp256k1:
		return "ecdsa-secp256k1"
	default:
		return "unknown"
	}
}

// ParseAlgorithm is the inverse of Algorithm.String.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "ecdsa-secp256k1", "secp256k1":
		return AlgorithmEcdsaSecp256k1, nil
	default:
		return AlgorithmUnknown, ErrUnsupportedAlgorithm
	}
}

// Keccak256 hashes the concatenation of data with legacy Keccak-256.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}
