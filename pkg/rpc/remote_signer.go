package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/iqlusioninc/iqkms/pkg/ethereum"
)

// ErrChainIDMismatch is returned when an address carries a chain id tag
// different from the signer's chain id.
var ErrChainIDMismatch = errors.New("address chain id does not match signer chain id")

// RemoteSigner signs on behalf of one address through a Client, binding
// messages and digests to a chain id with EIP-155.
type RemoteSigner struct {
	client  *Client
	address ethereum.Address
	chainID uint64
}

// NewRemoteSigner fails with ErrChainIDMismatch if address is tagged with a
// chain id other than chainID.
func NewRemoteSigner(client *Client, address ethereum.Address, chainID uint64) (*RemoteSigner, error) {
	if client == nil {
		return nil, errors.New("client cannot be nil")
	}
	if id, ok := address.ChainID(); ok && id != chainID {
		return nil, fmt.Errorf("%w: address %d, signer %d", ErrChainIDMismatch, id, chainID)
	}

	return &RemoteSigner{
		client:  client,
		address: address,
		chainID: chainID,
	}, nil
}

// Address returns the signing address as given to NewRemoteSigner.
func (s *RemoteSigner) Address() ethereum.Address {
	return s.address
}

func (s *RemoteSigner) ChainID() uint64 {
	return s.chainID
}

// WithChainID returns a signer for chainID. A chain-tagged address is
// retagged.
func (s *RemoteSigner) WithChainID(chainID uint64) *RemoteSigner {
	address := s.address
	if _, ok := address.ChainID(); ok {
		address = address.WithChainID(chainID)
	}

	return &RemoteSigner{
		client:  s.client,
		address: address,
		chainID: chainID,
	}
}

// SignMessage signs Keccak-256(message) with an EIP-155 v.
func (s *RemoteSigner) SignMessage(ctx context.Context, message []byte) (ethereum.Signature, error) {
	return s.client.SignMessageEIP155(ctx, s.address.String(), message, s.chainID)
}

// SignDigest signs a 32-byte digest with an EIP-155 v.
func (s *RemoteSigner) SignDigest(ctx context.Context, digest []byte) (ethereum.Signature, error) {
	return s.client.SignEIP155(ctx, s.address.String(), digest, s.chainID)
}

// SignTypedData signs the EIP-712 digest of typedData. The domain carries
// its own chain id, so V is the plain 27/28 value.
func (s *RemoteSigner) SignTypedData(ctx context.Context, typedData apitypes.TypedData) (ethereum.Signature, error) {
	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return ethereum.Signature{}, fmt.Errorf("failed to encode typed data: %w", err)
	}

	return s.client.SignDigest(ctx, s.address.String(), digest)
}
