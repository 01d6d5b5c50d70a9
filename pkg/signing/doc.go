// Package signing is the chain-agnostic signing service. It resolves a
// keyring.KeyHandle to a key and signs a prehashed digest, returning the
// raw signature together with the verifying key so callers can reconstruct
// chain-specific encodings.
package signing
