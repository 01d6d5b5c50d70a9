// Package keyring holds the signing keys of the process.
//
// Keys are indexed by verifying key, with a secondary Ethereum address index.
// The keyring is populated at startup and shared by reference; readers load an
// immutable snapshot and never take a lock.
package keyring
