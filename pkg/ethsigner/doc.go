// Package ethsigner adapts the chain-agnostic signing service to Ethereum.
//
// It parses the caller's address, forwards the digest to the service,
// reconstructs the recovery id by trial recovery against the returned
// verifying key and optionally binds the signature to a chain with EIP-155.
//
// Errors wrap the taxonomy declared in this package; Code and Status map
// them to status codes for the transport.
package ethsigner
