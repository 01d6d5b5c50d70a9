package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"

	"github.com/iqlusioninc/iqkms/pkg/ethereum"
	"github.com/iqlusioninc/iqkms/pkg/ethsigner"
	"github.com/iqlusioninc/iqkms/pkg/log"
	"github.com/iqlusioninc/iqkms/pkg/rpc"
	"github.com/iqlusioninc/iqkms/pkg/sign"
)

// maxAuditAddressLen is the width of the audit log address column.
const maxAuditAddressLen = 42

// AddressLister reports the addresses of the loaded keys.
type AddressLister interface {
	Addresses() []ethereum.Address
}

type RPCRouter struct {
	Node       rpc.Node
	Signer     *ethsigner.Signer
	Keys       AddressLister
	AuditStore *AuditLogStore
	Metrics    *Metrics

	validate *validator.Validate
	lg       log.Logger
}

func NewRPCRouter(
	node rpc.Node,
	signer *ethsigner.Signer,
	keys AddressLister,
	auditStore *AuditLogStore,
	metrics *Metrics,
	logger log.Logger,
) *RPCRouter {
	r := &RPCRouter{
		Node:       node,
		Signer:     signer,
		Keys:       keys,
		AuditStore: auditStore,
		Metrics:    metrics,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		lg:         logger.WithName("rpc-router"),
	}

	r.Node.Use(r.LoggerMiddleware)
	r.Node.Handle(rpc.GetAddressesMethod.String(), r.HandleGetAddresses)
	r.Node.Handle(rpc.GetAuditLogMethod.String(), r.HandleGetAuditLog)

	signGroup := r.Node.NewGroup("sign")
	signGroup.Use(r.AuditMiddleware)
	signGroup.Handle(rpc.SignDigestMethod.String(), r.HandleSignDigest)
	signGroup.Handle(rpc.SignEIP155Method.String(), r.HandleSignEIP155)
	signGroup.Handle(rpc.SignMessageEIP155Method.String(), r.HandleSignMessageEIP155)

	return r
}

// LoggerMiddleware reports failed requests at warn level.
func (r *RPCRouter) LoggerMiddleware(c *rpc.Context) {
	c.Next()

	if err := c.Response.Error(); err != nil {
		log.FromContext(c.Context).Warn("failed to handle RPC request",
			"code", rpc.Code(err).String(),
			"error", err,
		)
	}
}

// AuditMiddleware records every signing attempt, successful or not, with
// the response code and the time it took.
func (r *RPCRouter) AuditMiddleware(c *rpc.Context) {
	started := time.Now()
	c.Next()
	took := time.Since(started)

	method := c.Request.Req.Method
	code := rpc.Code(c.Response.Error())
	r.Metrics.RecordSign(method, code, took)

	rec := auditRecordFromParams(method, c.Request.Req.Params)
	rec.RequestID = c.Request.Req.RequestID
	rec.UserID = c.UserID
	rec.Code = code.String()
	rec.Metadata = map[string]any{
		"connection_id": c.ConnectionID,
		"duration_us":   took.Microseconds(),
	}

	// The attempt is recorded even if the caller has gone away.
	ctx := context.WithoutCancel(c.Context)
	if err := r.AuditStore.Record(ctx, rec); err != nil {
		log.FromContext(c.Context).Error("failed to record audit log entry", "error", err)
	}
}

func (r *RPCRouter) HandleSignDigest(c *rpc.Context) {
	var req rpc.SignDigestRequest
	if err := r.parseParams(c.Request.Req.Params, &req); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	sig, err := r.Signer.SignDigest(c.Context, req.Address, req.Digest)
	r.respondSignature(c, sig, err)
}

func (r *RPCRouter) HandleSignEIP155(c *rpc.Context) {
	var req rpc.SignEIP155Request
	if err := r.parseParams(c.Request.Req.Params, &req); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	sig, err := r.Signer.SignDigestWithEIP155(c.Context, req.Address, req.Digest, req.ChainID)
	r.respondSignature(c, sig, err)
}

func (r *RPCRouter) HandleSignMessageEIP155(c *rpc.Context) {
	var req rpc.SignMessageEIP155Request
	if err := r.parseParams(c.Request.Req.Params, &req); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	sig, err := r.Signer.SignMessageWithEIP155(c.Context, req.Address, req.Message, req.ChainID)
	r.respondSignature(c, sig, err)
}

func (r *RPCRouter) respondSignature(c *rpc.Context, sig ethereum.Signature, err error) {
	if err != nil {
		if ethsigner.Code(err) == codes.Internal {
			log.FromContext(c.Context).Error("signing failed", "error", err)
		}
		c.Fail(rpc.FromStatus(ethsigner.Status(err)), "")
		return
	}

	params, err := rpc.NewParams(sig)
	if err != nil {
		c.Fail(err, "failed to encode signature")
		return
	}
	c.Succeed(c.Request.Req.Method, params)
}

// HandleGetAddresses lists the keyring's addresses, tagged with chain_id
// when one is given.
func (r *RPCRouter) HandleGetAddresses(c *rpc.Context) {
	var req rpc.GetAddressesRequest
	if err := r.parseParams(c.Request.Req.Params, &req); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	addrs := r.Keys.Addresses()
	resp := rpc.GetAddressesResponse{Addresses: make([]string, 0, len(addrs))}
	for _, addr := range addrs {
		if req.ChainID != nil {
			addr = addr.WithChainID(*req.ChainID)
		}
		resp.Addresses = append(resp.Addresses, addr.String())
	}

	params, err := rpc.NewParams(resp)
	if err != nil {
		c.Fail(err, "failed to encode addresses")
		return
	}
	c.Succeed(c.Request.Req.Method, params)
}

// HandleGetAuditLog pages through the audit log. An authenticated caller
// only sees its own entries.
func (r *RPCRouter) HandleGetAuditLog(c *rpc.Context) {
	var req rpc.GetAuditLogRequest
	if err := r.parseParams(c.Request.Req.Params, &req); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	filter := AuditLogFilter{
		UserID:  c.UserID,
		Method:  req.Method,
		Address: normalizeAuditAddress(req.Address),
	}

	entries, err := r.AuditStore.List(c.Context, filter, &req.ListOptions)
	if err != nil {
		c.Fail(err, "failed to retrieve audit log")
		return
	}
	total, err := r.AuditStore.Count(c.Context, filter)
	if err != nil {
		c.Fail(err, "failed to count audit log entries")
		return
	}

	resp := rpc.GetAuditLogResponse{
		Entries: make([]rpc.AuditLogEntry, 0, len(entries)),
		Total:   total,
	}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, entry.ToRPC())
	}

	params, err := rpc.NewParams(resp)
	if err != nil {
		c.Fail(err, "failed to encode audit log")
		return
	}
	c.Succeed(c.Request.Req.Method, params)
}

// parseParams decodes and validates params into v. Failures are
// InvalidArgument errors safe to show to the client.
func (r *RPCRouter) parseParams(params rpc.Params, v any) error {
	if err := params.Translate(v); err != nil {
		return rpc.NewError(codes.InvalidArgument, "invalid parameters")
	}
	if err := r.validate.Struct(v); err != nil {
		return rpc.NewError(codes.InvalidArgument, fmt.Sprintf("invalid parameters: %s", err))
	}
	return nil
}

// auditRecordFromParams extracts what it can from possibly malformed sign
// params. Each field is decoded on its own so one bad field does not hide
// the others.
func auditRecordFromParams(method string, params rpc.Params) AuditRecord {
	var rec AuditRecord
	rec.Method = method

	var address string
	if raw, ok := params["address"]; ok && json.Unmarshal(raw, &address) == nil {
		rec.Address = normalizeAuditAddress(address)
	}

	var chainID uint64
	if raw, ok := params["chain_id"]; ok && json.Unmarshal(raw, &chainID) == nil {
		rec.ChainID = &chainID
	}

	var data hexutil.Bytes
	switch method {
	case rpc.SignMessageEIP155Method.String():
		if raw, ok := params["message"]; ok && json.Unmarshal(raw, &data) == nil {
			rec.Digest = hexutil.Encode(sign.Keccak256(data))
		}
	default:
		if raw, ok := params["digest"]; ok && json.Unmarshal(raw, &data) == nil && len(data) == sign.DigestSize {
			rec.Digest = hexutil.Encode(data)
		}
	}

	return rec
}

// normalizeAuditAddress returns the EIP-55 form of a parseable address and
// a truncated copy of anything else.
func normalizeAuditAddress(s string) string {
	if s == "" {
		return ""
	}
	addr, err := ethereum.ParseAddress(s)
	if err != nil {
		if len(s) > maxAuditAddressLen {
			return s[:maxAuditAddressLen]
		}
		return s
	}
	return addr.WithoutChainID().String()
}
