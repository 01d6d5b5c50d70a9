// Package ethereum implements the Ethereum address codec and the
// recoverable signature type returned to callers.
//
// Addresses are derived from a sign.VerifyingKey, printed in EIP-55 checksum
// form (EIP-1191 when tagged with a chain id) and parsed case-insensitively.
// Signatures can be bound to a chain with ToEIP155.
package ethereum
