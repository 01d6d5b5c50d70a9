package sign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scalarOneHex   = "0000000000000000000000000000000000000000000000000000000000000001"
	generatorPoint = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	curveOrderHex  = "fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141"
)

func TestAlgorithm(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ecdsa-secp256k1", AlgorithmEcdsaSecp256k1.String())
	assert.Equal(t, "unknown", Algorithm(AlgorithmUnknown).String())
	assert.Equal(t, "unknown", Algorithm(7).String())

	alg, err := ParseAlgorithm("secp256k1")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmEcdsaSecp256k1, alg)

	_, err = ParseAlgorithm("ed25519")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestKeccak256(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", hex.EncodeToString(Keccak256()))
	assert.Equal(t, Keccak256([]byte("hello world")), Keccak256([]byte("hello "), []byte("world")))
}

func TestNewSigningKeyFromHex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "scalar one", input: scalarOneHex},
		{name: "0x prefix", input: "0x" + scalarOneHex},
		{name: "zero", input: "0x" + string(bytes.Repeat([]byte("0"), 64)), wantErr: ErrKeyMalformed},
		{name: "curve order", input: curveOrderHex, wantErr: ErrKeyMalformed},
		{name: "short", input: "0x01", wantErr: ErrKeyMalformed},
		{name: "not hex", input: "zz" + scalarOneHex[2:], wantErr: ErrKeyMalformed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			key, err := NewSigningKeyFromHex(AlgorithmEcdsaSecp256k1, tc.input)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "0x"+generatorPoint, key.VerifyingKey().String())
		})
	}

	_, err := NewSigningKeyFromHex(Algorithm(9), scalarOneHex)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestGenerateSigningKeyFromReader(t *testing.T) {
	t.Parallel()

	t.Run("rejects out of range candidates", func(t *testing.T) {
		t.Parallel()

		one, err := hex.DecodeString(scalarOneHex)
		require.NoError(t, err)

		r := io.MultiReader(
			bytes.NewReader(bytes.Repeat([]byte{0xff}, 32)),
			bytes.NewReader(make([]byte, 32)),
			bytes.NewReader(one),
		)
		key, err := GenerateSigningKeyFromReader(AlgorithmEcdsaSecp256k1, r)
		require.NoError(t, err)
		assert.Equal(t, "0x"+generatorPoint, key.VerifyingKey().String())
	})

	t.Run("exhausted reader", func(t *testing.T) {
		t.Parallel()

		_, err := GenerateSigningKeyFromReader(AlgorithmEcdsaSecp256k1, bytes.NewReader(make([]byte, 40)))
		assert.ErrorIs(t, err, ErrKeyGenerationFailed)
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		t.Parallel()

		_, err := GenerateSigningKey(Algorithm(AlgorithmUnknown))
		assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	})

	t.Run("distinct keys", func(t *testing.T) {
		t.Parallel()

		a, err := GenerateSigningKey(AlgorithmEcdsaSecp256k1)
		require.NoError(t, err)
		b, err := GenerateSigningKey(AlgorithmEcdsaSecp256k1)
		require.NoError(t, err)
		assert.NotEqual(t, a.VerifyingKey(), b.VerifyingKey())
	})
}

func TestSigningKey_SignPrehash(t *testing.T) {
	t.Parallel()

	key, err := GenerateSigningKey(AlgorithmEcdsaSecp256k1)
	require.NoError(t, err)

	digest := Keccak256([]byte("iqkms"))

	t.Run("digest length", func(t *testing.T) {
		t.Parallel()

		for _, n := range []int{0, 31, 33, 64} {
			_, err := key.SignPrehash(make([]byte, n))
			assert.ErrorIs(t, err, ErrDigestMalformed, "length %d", n)
		}
	})

	t.Run("verifies and is deterministic", func(t *testing.T) {
		t.Parallel()

		sig, err := key.SignPrehash(digest)
		require.NoError(t, err)
		require.Len(t, sig, 64)

		again, err := key.SignPrehash(digest)
		require.NoError(t, err)
		assert.Equal(t, sig, again)

		var r, s secp256k1.ModNScalar
		require.False(t, r.SetByteSlice(sig[:32]))
		require.False(t, s.SetByteSlice(sig[32:]))
		assert.False(t, s.IsOverHalfOrder(), "s must be low")

		pub, err := secp256k1.ParsePubKey(key.VerifyingKey().Bytes())
		require.NoError(t, err)
		assert.True(t, ecdsa.NewSignature(&r, &s).Verify(digest, pub))
	})

	t.Run("zeroed key fails", func(t *testing.T) {
		t.Parallel()

		k, err := NewSigningKeyFromHex(AlgorithmEcdsaSecp256k1, scalarOneHex)
		require.NoError(t, err)
		k.Zero()

		_, err = k.SignPrehash(digest)
		assert.ErrorIs(t, err, ErrSigningFailed)
	})
}

func TestSigningKey_NeverPrintsMaterial(t *testing.T) {
	t.Parallel()

	key, err := NewSigningKeyFromHex(AlgorithmEcdsaSecp256k1, scalarOneHex)
	require.NoError(t, err)

	for _, verb := range []string{"%v", "%+v", "%#v", "%s"} {
		assert.Equal(t, "SigningKey(ecdsa-secp256k1)", fmt.Sprintf(verb, key))
	}
}

func TestVerifyingKey(t *testing.T) {
	t.Parallel()

	compressed, err := hex.DecodeString(generatorPoint)
	require.NoError(t, err)

	vk, err := NewVerifyingKey(AlgorithmEcdsaSecp256k1, compressed)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmEcdsaSecp256k1, vk.Algorithm())
	assert.Equal(t, compressed, vk.Bytes())
	assert.False(t, vk.IsZero())
	assert.True(t, VerifyingKey{}.IsZero())

	uncompressed, err := vk.UncompressedBytes()
	require.NoError(t, err)
	require.Len(t, uncompressed, 65)
	assert.Equal(t, byte(0x04), uncompressed[0])

	fromUncompressed, err := NewVerifyingKey(AlgorithmEcdsaSecp256k1, uncompressed)
	require.NoError(t, err)
	assert.Equal(t, vk, fromUncompressed)
	assert.Equal(t, 0, vk.Compare(fromUncompressed))

	other, err := GenerateSigningKey(AlgorithmEcdsaSecp256k1)
	require.NoError(t, err)
	ovk := other.VerifyingKey()
	assert.Equal(t, -vk.Compare(ovk), ovk.Compare(vk))

	seen := map[VerifyingKey]bool{vk: true}
	assert.True(t, seen[fromUncompressed])

	_, err = NewVerifyingKey(AlgorithmEcdsaSecp256k1, []byte{0x02, 0x01})
	assert.ErrorIs(t, err, ErrKeyMalformed)

	_, err = VerifyingKey{alg: AlgorithmUnknown}.UncompressedBytes()
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}
