package keyring

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/iqlusioninc/iqkms/pkg/ethereum"
	"github.com/iqlusioninc/iqkms/pkg/sign"
)

var (
	ErrKeyAlreadyExists  = errors.New("key already exists")
	ErrAddressCollision  = errors.New("address already owned by another key")
	ErrKeyNotFound       = errors.New("key not found")
	ErrUnsupportedHandle = errors.New("unsupported key handle")
)

// KeyHandle selects a key in the keyring. The set of handle kinds is closed
// to this package.
type KeyHandle interface {
	isKeyHandle()
}

// EthereumHandle selects a key by its Ethereum address. The address chain
// tag is ignored.
type EthereumHandle struct {
	Address ethereum.Address
}

func (EthereumHandle) isKeyHandle() {}

// snapshot is never modified after it has been published.
type snapshot struct {
	keys     map[sign.VerifyingKey]*sign.SigningKey
	ethIndex map[common.Address]sign.VerifyingKey
}

var emptySnapshot = &snapshot{
	keys:     map[sign.VerifyingKey]*sign.SigningKey{},
	ethIndex: map[common.Address]sign.VerifyingKey{},
}

// Keyring is an in-memory key store. Lookups are lock free; Add copies the
// current snapshot under a mutex and publishes the result.
type Keyring struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// New returns an empty keyring.
func New() *Keyring {
	k := &Keyring{}
	k.snap.Store(emptySnapshot)
	return k
}

// Add takes ownership of key.
func (k *Keyring) Add(key *sign.SigningKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	cur := k.snap.Load()
	vk := key.VerifyingKey()
	if _, ok := cur.keys[vk]; ok {
		return ErrKeyAlreadyExists
	}

	next := &snapshot{
		keys:     maps.Clone(cur.keys),
		ethIndex: cur.ethIndex,
	}

	switch vk.Algorithm() {
	case sign.AlgorithmEcdsaSecp256k1:
		addr, err := ethereum.DeriveAddress(vk)
		if err != nil {
			return err
		}
		if owner, ok := cur.ethIndex[addr.Hash()]; ok && owner != vk {
			return ErrAddressCollision
		}
		next.ethIndex = maps.Clone(cur.ethIndex)
		next.ethIndex[addr.Hash()] = vk
	}

	next.keys[vk] = key
	k.snap.Store(next)
	return nil
}

// FindByHandle resolves handle to the signing key it selects.
func (k *Keyring) FindByHandle(handle KeyHandle) (*sign.SigningKey, error) {
	snap := k.snap.Load()

	switch h := handle.(type) {
	case EthereumHandle:
		vk, ok := snap.ethIndex[h.Address.Hash()]
		if !ok {
			return nil, ErrKeyNotFound
		}
		key, ok := snap.keys[vk]
		if !ok {
			return nil, ErrKeyNotFound
		}
		return key, nil
	case *EthereumHandle:
		if h == nil {
			return nil, ErrUnsupportedHandle
		}
		return k.FindByHandle(*h)
	default:
		return nil, ErrUnsupportedHandle
	}
}

// Contains reports whether a key with the given verifying key is present.
func (k *Keyring) Contains(vk sign.VerifyingKey) bool {
	_, ok := k.snap.Load().keys[vk]
	return ok
}

// Len returns the number of keys.
func (k *Keyring) Len() int {
	return len(k.snap.Load().keys)
}

// VerifyingKeys returns every verifying key in ascending order.
func (k *Keyring) VerifyingKeys() []sign.VerifyingKey {
	return slices.SortedFunc(maps.Keys(k.snap.Load().keys), sign.VerifyingKey.Compare)
}

// Addresses returns the Ethereum address of every key that has one, ordered
// by verifying key.
func (k *Keyring) Addresses() []ethereum.Address {
	vks := k.VerifyingKeys()
	out := make([]ethereum.Address, 0, len(vks))
	for _, vk := range vks {
		addr, err := ethereum.DeriveAddress(vk)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Close zeroes every key and empties the keyring.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	old := k.snap.Swap(emptySnapshot)
	for _, key := range old.keys {
		key.Zero()
	}
}
