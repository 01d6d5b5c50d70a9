package signing

import (
	"context"
	"errors"

	"github.com/iqlusioninc/iqkms/pkg/keyring"
	"github.com/iqlusioninc/iqkms/pkg/sign"
)

// SignPrehashRequest asks for a signature over a 32-byte digest with the key
// selected by KeyHandle.
type SignPrehashRequest struct {
	KeyHandle keyring.KeyHandle
	Prehash   []byte
}

// SignPrehashResponse carries the raw algorithm-specific signature and the
// verifying key of the key that produced it.
type SignPrehashResponse struct {
	Signature    []byte
	VerifyingKey sign.VerifyingKey
}

// Service signs prehashed digests. Implementations must be safe for
// concurrent use.
type Service interface {
	// Ready blocks until the service can accept a request or ctx ends.
	Ready(ctx context.Context) error
	SignPrehash(ctx context.Context, req SignPrehashRequest) (SignPrehashResponse, error)
}

var _ Service = (*KeyringService)(nil)

// KeyringService signs with keys held in a keyring.
type KeyringService struct {
	keyring *keyring.Keyring
}

// NewService returns a Service backed by kr.
func NewService(kr *keyring.Keyring) *KeyringService {
	return &KeyringService{keyring: kr}
}

// Ready always succeeds.
func (s *KeyringService) Ready(context.Context) error {
	return nil
}

// SignPrehash resolves the handle, then signs. Errors are the keyring and
// sign sentinels, unchanged.
func (s *KeyringService) SignPrehash(ctx context.Context, req SignPrehashRequest) (SignPrehashResponse, error) {
	if err := ctx.Err(); err != nil {
		return SignPrehashResponse{}, err
	}

	key, err := s.keyring.FindByHandle(req.KeyHandle)
	if err != nil {
		return SignPrehashResponse{}, err
	}

	sig, err := key.SignPrehash(req.Prehash)
	if err != nil {
		if errors.Is(err, sign.ErrDigestMalformed) || errors.Is(err, sign.ErrUnsupportedAlgorithm) {
			return SignPrehashResponse{}, err
		}
		return SignPrehashResponse{}, sign.ErrSigningFailed
	}

	return SignPrehashResponse{
		Signature:    sig,
		VerifyingKey: key.VerifyingKey(),
	}, nil
}
