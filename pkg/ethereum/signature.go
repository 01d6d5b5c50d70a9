package ethereum

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	// LegacyRecoveryOffset is added to the recovery id for pre-EIP-155 v values.
	LegacyRecoveryOffset = 27
	eip155Offset         = 35
)

// Signature is a recoverable ECDSA signature. V is 27 or 28 for a plain
// signature, or chain_id*2+35+{0,1} after ToEIP155.
type Signature struct {
	R [32]byte
	S [32]byte
	V uint64
}

// NewSignature builds a signature from a 64-byte r||s pair and a recovery id.
func NewSignature(rs []byte, recoveryID byte) (Signature, error) {
	if len(rs) != 64 || recoveryID > 1 {
		return Signature{}, ErrSignatureMalformed
	}

	var sig Signature
	copy(sig.R[:], rs[:32])
	copy(sig.S[:], rs[32:])
	sig.V = uint64(recoveryID) + LegacyRecoveryOffset
	return sig, nil
}

// ParseSignature reads a 65-byte r||s||v signature.
func ParseSignature(b []byte) (Signature, error) {
	if len(b) != 65 {
		return Signature{}, ErrSignatureMalformed
	}

	var sig Signature
	copy(sig.R[:], b[:32])
	copy(sig.S[:], b[32:64])
	sig.V = uint64(b[64])
	return sig, nil
}

// ToEIP155 binds the signature to chainID: v' = chain_id*2 + 35 + ((v-1) mod 2).
func (s Signature) ToEIP155(chainID uint64) (Signature, error) {
	v := uint256.NewInt(chainID)
	v.Mul(v, uint256.NewInt(2))
	v.AddUint64(v, eip155Offset)

	parity := uint256.NewInt(s.V)
	parity.SubUint64(parity, 1)
	parity.Mod(parity, uint256.NewInt(2))
	v.Add(v, parity)

	if !v.IsUint64() {
		return Signature{}, ErrChainIDOverflow
	}
	s.V = v.Uint64()
	return s, nil
}

// RecoveryID returns the 0/1 recovery id encoded in V.
func (s Signature) RecoveryID() (byte, error) {
	switch {
	case s.V == LegacyRecoveryOffset || s.V == LegacyRecoveryOffset+1:
		return byte(s.V - LegacyRecoveryOffset), nil
	case s.V >= eip155Offset:
		return byte((s.V - eip155Offset) % 2), nil
	default:
		return 0, ErrSignatureMalformed
	}
}

// RecoverAddress returns the address of the key that produced s over digest.
func (s Signature) RecoverAddress(digest []byte) (Address, error) {
	id, err := s.RecoveryID()
	if err != nil {
		return Address{}, err
	}

	compact := make([]byte, 65)
	copy(compact, s.R[:])
	copy(compact[32:], s.S[:])
	compact[64] = id

	pub, err := ethcrypto.SigToPub(digest, compact)
	if err != nil {
		return Address{}, ErrSignatureMalformed
	}
	return NewAddress(ethcrypto.PubkeyToAddress(*pub)), nil
}

// Bytes returns r||s||v. V takes one byte when it fits and its minimal
// big-endian encoding otherwise.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, 72)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	if s.V <= 0xff {
		return append(out, byte(s.V))
	}
	return append(out, uint256.NewInt(s.V).Bytes()...)
}

func (s Signature) String() string {
	return hexutil.Encode(s.Bytes())
}

type signatureJSON struct {
	R hexutil.Bytes  `json:"r"`
	S hexutil.Bytes  `json:"s"`
	V hexutil.Uint64 `json:"v"`
}

// MarshalJSON encodes {"r": "0x..", "s": "0x..", "v": "0x.."}.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(signatureJSON{R: s.R[:], S: s.S[:], V: hexutil.Uint64(s.V)})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var raw signatureJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.R) != 32 || len(raw.S) != 32 {
		return ErrSignatureMalformed
	}

	copy(s.R[:], raw.R)
	copy(s.S[:], raw.S)
	s.V = uint64(raw.V)
	return nil
}
