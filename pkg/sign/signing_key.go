package sign

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// maxGenerateAttempts bounds rejection sampling. The chance of a random
// 32-byte string falling outside [1, n-1] is about 2^-128, so hitting the
// bound means the reader is broken.
const maxGenerateAttempts = 64

// SigningKey holds private key material for one algorithm.
// It is immutable once constructed and must not be copied.
type SigningKey struct {
	alg  Algorithm
	priv *secp256k1.PrivateKey
}

// GenerateSigningKey creates a key from the operating system CSPRNG.
func GenerateSigningKey(alg Algorithm) (*SigningKey, error) {
	return GenerateSigningKeyFromReader(alg, rand.Reader)
}

// GenerateSigningKeyFromReader draws 32-byte candidates from r until one is a
// valid scalar.
func GenerateSigningKeyFromReader(alg Algorithm, r io.Reader) (*SigningKey, error) {
	switch alg {
	case AlgorithmEcdsaSecp256k1:
	default:
		return nil, ErrUnsupportedAlgorithm
	}

	var buf [32]byte
	defer clear(buf[:])

	for range maxGenerateAttempts {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, ErrKeyGenerationFailed
		}

		key, ok := secp256k1KeyFromBytes(buf[:])
		if ok {
			return &SigningKey{alg: alg, priv: key}, nil
		}
	}
	return nil, ErrKeyGenerationFailed
}

// NewSigningKeyFromHex imports a 32-byte hex scalar with an optional 0x prefix.
func NewSigningKeyFromHex(alg Algorithm, s string) (*SigningKey, error) {
	switch alg {
	case AlgorithmEcdsaSecp256k1:
	default:
		return nil, ErrUnsupportedAlgorithm
	}

	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != 64 {
		return nil, ErrKeyMalformed
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrKeyMalformed
	}
	defer clear(raw)

	key, ok := secp256k1KeyFromBytes(raw)
	if !ok {
		return nil, ErrKeyMalformed
	}
	return &SigningKey{alg: alg, priv: key}, nil
}

// secp256k1KeyFromBytes rejects scalars outside [1, n-1] instead of reducing them.
func secp256k1KeyFromBytes(b []byte) (*secp256k1.PrivateKey, bool) {
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow || scalar.IsZero() {
		scalar.Zero()
		return nil, false
	}
	return secp256k1.NewPrivateKey(&scalar), true
}

// Algorithm returns the key's algorithm.
func (k *SigningKey) Algorithm() Algorithm {
	return k.alg
}

// SignPrehash signs a 32-byte digest. For secp256k1 the result is r||s with a
// deterministic RFC 6979 nonce and low-S normalization.
func (k *SigningKey) SignPrehash(digest []byte) ([]byte, error) {
	if len(digest) != DigestSize {
		return nil, ErrDigestMalformed
	}

	switch k.alg {
	case AlgorithmEcdsaSecp256k1:
		if k.priv == nil || k.priv.Key.IsZero() {
			return nil, ErrSigningFailed
		}

		sig := ecdsa.Sign(k.priv, digest)
		r, s := sig.R(), sig.S()

		out := make([]byte, 64)
		r.PutBytesUnchecked(out[:32])
		s.PutBytesUnchecked(out[32:])
		return out, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// VerifyingKey returns the public counterpart of k.
func (k *SigningKey) VerifyingKey() VerifyingKey {
	switch k.alg {
	case AlgorithmEcdsaSecp256k1:
		return VerifyingKey{alg: k.alg, key: string(k.priv.PubKey().SerializeCompressed())}
	default:
		return VerifyingKey{alg: AlgorithmUnknown}
	}
}

// Zero scrubs the private scalar. The key fails to sign afterwards.
// Zero must not run concurrently with SignPrehash.
func (k *SigningKey) Zero() {
	if k.priv != nil {
		k.priv.Zero()
	}
}

// String never prints key material.
func (k *SigningKey) String() string {
	return "SigningKey(" + k.alg.String() + ")"
}

// GoString never prints key material.
func (k *SigningKey) GoString() string {
	return k.String()
}
