package ethereum

import (
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/iqlusioninc/iqkms/pkg/sign"
)

var (
	ErrAddressMalformed   = errors.New("malformed address")
	ErrChainIDOverflow    = errors.New("chain id overflow")
	ErrSignatureMalformed = errors.New("malformed signature")
)

// AddressLength is the size of an address hash in bytes.
const AddressLength = common.AddressLength

// Address is an Ethereum account address. The optional chain id only
// affects the checksum text form (EIP-1191); it is not part of the hash.
// Address is comparable.
type Address struct {
	hash       common.Address
	chainID    uint64
	hasChainID bool
}

// NewAddress wraps a go-ethereum address.
func NewAddress(hash common.Address) Address {
	return Address{hash: hash}
}

// DeriveAddress returns the last 20 bytes of the Keccak-256 hash of the
// uncompressed point coordinates.
func DeriveAddress(vk sign.VerifyingKey) (Address, error) {
	point, err := vk.UncompressedBytes()
	if err != nil {
		return Address{}, err
	}

	var addr Address
	copy(addr.hash[:], sign.Keccak256(point[1:])[12:])
	return addr, nil
}

// ParseAddress accepts "0x" followed by exactly 40 hex digits in any case.
// The checksum casing is not validated.
func ParseAddress(s string) (Address, error) {
	if len(s) != 2+2*AddressLength || s[:2] != "0x" {
		return Address{}, ErrAddressMalformed
	}

	var addr Address
	if _, err := hex.Decode(addr.hash[:], []byte(s[2:])); err != nil {
		return Address{}, ErrAddressMalformed
	}
	return addr, nil
}

// WithChainID returns a copy of a tagged with chainID.
func (a Address) WithChainID(chainID uint64) Address {
	a.chainID = chainID
	a.hasChainID = true
	return a
}

// WithoutChainID returns a copy of a without a chain tag.
func (a Address) WithoutChainID() Address {
	a.chainID = 0
	a.hasChainID = false
	return a
}

// ChainID returns the chain tag, if any.
func (a Address) ChainID() (uint64, bool) {
	return a.chainID, a.hasChainID
}

// Bytes returns the 20 address bytes.
func (a Address) Bytes() []byte {
	return a.hash.Bytes()
}

// Hash returns the untagged go-ethereum address.
func (a Address) Hash() common.Address {
	return a.hash
}

// Equal compares address bytes only, ignoring the chain tag.
func (a Address) Equal(other Address) bool {
	return a.hash == other.hash
}

// ChecksumString returns the mixed-case checksum form. Without a chain tag
// this is EIP-55; with one, the hashed input is "<chain_id>0x<hex>" (EIP-1191).
func (a Address) ChecksumString() string {
	lower := hex.EncodeToString(a.hash[:])

	input := lower
	if a.hasChainID {
		input = strconv.FormatUint(a.chainID, 10) + "0x" + lower
	}
	digest := sign.Keccak256([]byte(input))

	out := make([]byte, 2, 2+len(lower))
	copy(out, "0x")
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if c >= 'a' && nibble >= 8 {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func (a Address) String() string {
	return a.ChecksumString()
}

// MarshalText encodes the checksum form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.ChecksumString()), nil
}

// UnmarshalText parses any casing. The result carries no chain tag.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
