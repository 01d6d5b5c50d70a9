package ethereum

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iqlusioninc/iqkms/pkg/sign"
)

var checksumVectors = []string{
	"0x27b1fdb04752bbc536007a920d24acb045561c26",
	"0x3599689E6292b81B2d85451025146515070129Bb",
	"0x42712D45473476b98452f434e72461577D686318",
	"0x52908400098527886E0F7030069857D2E4169EE7",
	"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	"0x6549f4939460DE12611948b3f82b88C3C8975323",
	"0x66f9664f97F2b50F62D13eA064982f936dE76657",
	"0x88021160C5C792225E4E5452585947470010289D",
	"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
	"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
	"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
}

func TestAddress_ChecksumString(t *testing.T) {
	t.Parallel()

	for _, vector := range checksumVectors {
		t.Run(vector, func(t *testing.T) {
			t.Parallel()

			addr, err := ParseAddress(vector)
			require.NoError(t, err)
			assert.Equal(t, vector, addr.ChecksumString())
			assert.Equal(t, vector, addr.String())

			lower, err := ParseAddress(strings.ToLower(vector))
			require.NoError(t, err)
			assert.Equal(t, addr, lower)
			assert.Equal(t, common.HexToAddress(vector).Hex(), lower.ChecksumString())
		})
	}
}

func TestAddress_ChecksumStringWithChainID(t *testing.T) {
	t.Parallel()

	for _, vector := range checksumVectors {
		addr, err := ParseAddress(vector)
		require.NoError(t, err)

		for _, chainID := range []uint64{1, 30, 31} {
			tagged := addr.WithChainID(chainID)
			got := tagged.ChecksumString()

			assert.Equal(t, eip1191Reference(vector, chainID), got, "chain %d", chainID)
			assert.True(t, strings.EqualFold(vector, got))

			id, ok := tagged.ChainID()
			assert.True(t, ok)
			assert.Equal(t, chainID, id)
			assert.True(t, tagged.Equal(addr))
			assert.Equal(t, addr, tagged.WithoutChainID())
		}
	}
}

// eip1191Reference is a direct transcription of the EIP-1191 algorithm on
// top of go-ethereum's Keccak implementation.
func eip1191Reference(addr string, chainID uint64) string {
	lower := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	hash := hex.EncodeToString(ethcrypto.Keccak256([]byte(strconv.FormatUint(chainID, 10) + "0x" + lower)))

	var b strings.Builder
	b.WriteString("0x")
	for i, c := range lower {
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			b.WriteRune(c - 'a' + 'A')
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func TestParseAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{name: "checksum", input: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", valid: true},
		{name: "lowercase", input: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", valid: true},
		{name: "uppercase", input: "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", valid: true},
		{name: "bad checksum accepted", input: "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", valid: true},
		{name: "no prefix", input: "5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{name: "uppercase prefix", input: "0X5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{name: "short", input: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAe"},
		{name: "long", input: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed00"},
		{name: "non hex", input: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeg"},
		{name: "empty", input: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			addr, err := ParseAddress(tc.input)
			if !tc.valid {
				assert.ErrorIs(t, err, ErrAddressMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", addr.String())
			_, tagged := addr.ChainID()
			assert.False(t, tagged)
		})
	}
}

func TestDeriveAddress(t *testing.T) {
	t.Parallel()

	const privHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	key, err := sign.NewSigningKeyFromHex(sign.AlgorithmEcdsaSecp256k1, privHex)
	require.NoError(t, err)

	addr, err := DeriveAddress(key.VerifyingKey())
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", addr.String())

	ecdsaKey, err := ethcrypto.HexToECDSA(privHex)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(ecdsaKey.PublicKey), addr.Hash())
	assert.Equal(t, addr.Hash().Bytes(), addr.Bytes())

	_, err = DeriveAddress(sign.VerifyingKey{})
	assert.Error(t, err)
}

func TestAddress_JSON(t *testing.T) {
	t.Parallel()

	addr, err := ParseAddress("0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359")
	require.NoError(t, err)

	data, err := json.Marshal(map[string]Address{"address": addr})
	require.NoError(t, err)
	assert.JSONEq(t, `{"address":"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"}`, string(data))

	var decoded map[string]Address
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, addr, decoded["address"])

	err = json.Unmarshal([]byte(`{"address":"0x1234"}`), &decoded)
	assert.ErrorIs(t, err, ErrAddressMalformed)
}
