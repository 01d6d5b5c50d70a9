package ethsigner

import (
	"context"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/iqlusioninc/iqkms/pkg/ethereum"
	"github.com/iqlusioninc/iqkms/pkg/keyring"
	"github.com/iqlusioninc/iqkms/pkg/log"
	"github.com/iqlusioninc/iqkms/pkg/sign"
	"github.com/iqlusioninc/iqkms/pkg/signing"
)

// Error taxonomy of the adapter. Returned errors wrap one of these with
// request detail; match them with errors.Is.
var (
	ErrAddressMalformed  = ethereum.ErrAddressMalformed
	ErrDigestMalformed   = sign.ErrDigestMalformed
	ErrKeyNotFound       = keyring.ErrKeyNotFound
	ErrUnsupportedHandle = keyring.ErrUnsupportedHandle
	ErrSigningFailed     = sign.ErrSigningFailed
	ErrChainIDOverflow   = ethereum.ErrChainIDOverflow
	ErrServiceClosed     = signing.ErrBufferClosed
)

// Signer produces recoverable Ethereum signatures through a signing.Service.
type Signer struct {
	service signing.Service
}

// New returns a Signer that forwards to svc.
func New(svc signing.Service) *Signer {
	return &Signer{service: svc}
}

// SignDigest signs a 32-byte digest with the key owning address and returns
// a signature with v = 27 + recovery id.
func (s *Signer) SignDigest(ctx context.Context, address string, digest []byte) (ethereum.Signature, error) {
	addr, err := ethereum.ParseAddress(address)
	if err != nil {
		return ethereum.Signature{}, errors.Wrapf(err, "Ethereum address %q", address)
	}
	if len(digest) != sign.DigestSize {
		return ethereum.Signature{}, errors.Wrapf(ErrDigestMalformed, "expected %d bytes, got %d", sign.DigestSize, len(digest))
	}

	resp, err := s.service.SignPrehash(ctx, signing.SignPrehashRequest{
		KeyHandle: keyring.EthereumHandle{Address: addr},
		Prehash:   digest,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrKeyNotFound):
			return ethereum.Signature{}, errors.Wrapf(err, "signing key for %q", address)
		case errors.Is(err, ErrDigestMalformed), errors.Is(err, ErrUnsupportedHandle), errors.Is(err, ErrServiceClosed),
			errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ethereum.Signature{}, err
		default:
			return ethereum.Signature{}, errors.Wrap(ErrSigningFailed, "signing operation failed")
		}
	}

	id, err := recoveryID(digest, resp.Signature, resp.VerifyingKey)
	if err != nil {
		log.FromContext(ctx).Error("signature recovery failed", "address", addr.String())
		return ethereum.Signature{}, errors.Wrap(err, "signature recovery failed")
	}

	sig, err := ethereum.NewSignature(resp.Signature, id)
	if err != nil {
		return ethereum.Signature{}, errors.Wrap(ErrSigningFailed, "malformed signature from service")
	}

	log.FromContext(ctx).Debug("signed digest", "address", addr.String(), "v", sig.V)
	return sig, nil
}

// SignDigestWithEIP155 signs like SignDigest and binds v to chainID.
func (s *Signer) SignDigestWithEIP155(ctx context.Context, address string, digest []byte, chainID uint64) (ethereum.Signature, error) {
	sig, err := s.SignDigest(ctx, address, digest)
	if err != nil {
		return ethereum.Signature{}, err
	}

	sig, err = sig.ToEIP155(chainID)
	if err != nil {
		return ethereum.Signature{}, errors.Wrapf(err, "chain id %d", chainID)
	}
	return sig, nil
}

// SignMessageWithEIP155 hashes message with Keccak-256 and signs the digest
// with EIP-155. No EIP-191 prefix is applied.
func (s *Signer) SignMessageWithEIP155(ctx context.Context, address string, message []byte, chainID uint64) (ethereum.Signature, error) {
	return s.SignDigestWithEIP155(ctx, address, sign.Keccak256(message), chainID)
}

// recoveryID finds the id in {0, 1} whose recovered key equals vk.
func recoveryID(digest, rs []byte, vk sign.VerifyingKey) (byte, error) {
	if vk.Algorithm() != sign.AlgorithmEcdsaSecp256k1 || len(rs) != 64 {
		return 0, ErrSigningFailed
	}

	compact := make([]byte, 65)
	copy(compact, rs)
	for id := byte(0); id <= 1; id++ {
		compact[64] = id

		pub, err := ethcrypto.SigToPub(digest, compact)
		if err != nil {
			continue
		}
		recovered, err := sign.NewVerifyingKey(sign.AlgorithmEcdsaSecp256k1, ethcrypto.FromECDSAPub(pub))
		if err != nil {
			continue
		}
		if recovered == vk {
			return id, nil
		}
	}
	return 0, ErrSigningFailed
}
