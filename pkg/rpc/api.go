package rpc

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Method is an RPC method name.
type Method string

const (
	// PingMethod checks that the node is alive.
	PingMethod Method = "ping"
	// PongMethod answers a ping.
	PongMethod Method = "pong"
	// ErrorMethod marks an error response.
	ErrorMethod Method = "error"

	// SignDigestMethod signs a 32-byte digest and returns v as the
	// recovery id plus 27.
	SignDigestMethod Method = "sign_digest"
	// SignEIP155Method signs a 32-byte digest and returns an EIP-155 v.
	SignEIP155Method Method = "sign_eip155"
	// SignMessageEIP155Method hashes a message with Keccak-256 and signs it
	// like SignEIP155Method.
	SignMessageEIP155Method Method = "sign_message_eip155"
	// GetAddressesMethod lists the checksum addresses of the loaded keys.
	GetAddressesMethod Method = "get_addresses"
	// GetAuditLogMethod pages through recorded signing attempts.
	GetAuditLogMethod Method = "get_audit_log"
)

func (m Method) String() string {
	return string(m)
}

// SignDigestRequest selects a key by address and carries the digest.
type SignDigestRequest struct {
	Address string        `json:"address" validate:"required,eth_addr"`
	Digest  hexutil.Bytes `json:"digest" validate:"required"`
}

// SignEIP155Request adds the chain id used for the v value. Any uint64 is
// accepted, including 0.
type SignEIP155Request struct {
	Address string        `json:"address" validate:"required,eth_addr"`
	Digest  hexutil.Bytes `json:"digest" validate:"required"`
	ChainID uint64        `json:"chain_id"`
}

// SignMessageEIP155Request carries the raw message bytes.
type SignMessageEIP155Request struct {
	Address string        `json:"address" validate:"required,eth_addr"`
	Message hexutil.Bytes `json:"message"`
	ChainID uint64        `json:"chain_id"`
}

// GetAddressesRequest optionally tags the returned addresses with a chain id.
type GetAddressesRequest struct {
	ChainID *uint64 `json:"chain_id,omitempty"`
}

// GetAddressesResponse lists the checksum addresses in ascending byte order.
type GetAddressesResponse struct {
	Addresses []string `json:"addresses"`
}

// GetAuditLogRequest filters the audit log.
type GetAuditLogRequest struct {
	ListOptions
	Address string `json:"address,omitempty" validate:"omitempty,eth_addr"`
	Method  string `json:"method,omitempty"`
}

// GetAuditLogResponse is one page of audit entries.
type GetAuditLogResponse struct {
	Entries []AuditLogEntry `json:"entries"`
	Total   int64           `json:"total"`
}

// AuditLogEntry is one recorded signing attempt.
type AuditLogEntry struct {
	ID        uint      `json:"id"`
	RequestID uint64    `json:"request_id"`
	UserID    string    `json:"user_id,omitempty"`
	Method    string    `json:"method"`
	Address   string    `json:"address"`
	Digest    string    `json:"digest"`
	ChainID   *uint64   `json:"chain_id,omitempty"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOptions pages and orders list results.
type ListOptions struct {
	Offset uint32    `json:"offset,omitempty"`
	Limit  uint32    `json:"limit,omitempty" validate:"omitempty,max=1000"`
	Sort   *SortType `json:"sort,omitempty" validate:"omitempty,oneof=asc desc"`
}

type SortType string

const (
	SortTypeAscending  SortType = "asc"
	SortTypeDescending SortType = "desc"
)

// ToString returns the SQL keyword for s.
func (s SortType) ToString() string {
	return strings.ToUpper(string(s))
}
