package rpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/iqlusioninc/iqkms/pkg/ethereum"
	"github.com/iqlusioninc/iqkms/pkg/log"
)

// Client calls the signing methods of an iqkms node through a Dialer.
// Request ids are assigned from a counter starting at 1, so they stay below
// the dialer's reserved ping id.
//
//	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig.WithBearerToken(token))
//	client := rpc.NewClient(dialer)
//	if err := client.Start(ctx, "ws://[::1]:27100/ws", onClose); err != nil {
//	    return err
//	}
//	sig, err := client.SignEIP155(ctx, address, digest, 1)
type Client struct {
	dialer Dialer
	nextID atomic.Uint64
}

func NewClient(dialer Dialer) *Client {
	return &Client{dialer: dialer}
}

// Start dials url and drains unsolicited messages in the background until
// the connection closes.
func (c *Client) Start(ctx context.Context, url string, handleClosure func(err error)) error {
	parentCtx, cancel := context.WithCancel(ctx)
	childHandleClosure := func(err error) {
		cancel()
		handleClosure(err)
	}

	if err := c.dialer.Dial(parentCtx, url, childHandleClosure); err != nil {
		cancel()
		return err
	}

	go c.listenEvents(parentCtx)

	return nil
}

func (c *Client) listenEvents(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("rpc-client")
	eventCh := c.dialer.EventCh()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok || event == nil {
				return
			}
			logger.Warn("dropping unsolicited message", "method", event.Res.Method, "requestID", event.Res.RequestID)
		}
	}
}

// Ping checks that the node answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, PingMethod, PongMethod, nil)
	return err
}

// SignDigest signs a 32-byte digest with the key at address. V is the raw
// recovery id plus 27.
func (c *Client) SignDigest(ctx context.Context, address string, digest []byte) (ethereum.Signature, error) {
	return c.sign(ctx, SignDigestMethod, SignDigestRequest{
		Address: address,
		Digest:  digest,
	})
}

// SignEIP155 signs a 32-byte digest and returns an EIP-155 v for chainID.
func (c *Client) SignEIP155(ctx context.Context, address string, digest []byte, chainID uint64) (ethereum.Signature, error) {
	return c.sign(ctx, SignEIP155Method, SignEIP155Request{
		Address: address,
		Digest:  digest,
		ChainID: chainID,
	})
}

// SignMessageEIP155 has the node hash message with Keccak-256 and sign it.
func (c *Client) SignMessageEIP155(ctx context.Context, address string, message []byte, chainID uint64) (ethereum.Signature, error) {
	return c.sign(ctx, SignMessageEIP155Method, SignMessageEIP155Request{
		Address: address,
		Message: message,
		ChainID: chainID,
	})
}

// GetAddresses lists the addresses the node can sign for. A non-nil chainID
// returns EIP-1191 checksums for that chain.
func (c *Client) GetAddresses(ctx context.Context, chainID *uint64) ([]ethereum.Address, error) {
	res, err := c.call(ctx, GetAddressesMethod, GetAddressesMethod, GetAddressesRequest{ChainID: chainID})
	if err != nil {
		return nil, err
	}

	var resParams GetAddressesResponse
	if err := res.Res.Params.Translate(&resParams); err != nil {
		return nil, err
	}

	addresses := make([]ethereum.Address, 0, len(resParams.Addresses))
	for _, s := range resParams.Addresses {
		addr, err := ethereum.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("node returned invalid address %q: %w", s, err)
		}
		if chainID != nil {
			addr = addr.WithChainID(*chainID)
		}
		addresses = append(addresses, addr)
	}
	return addresses, nil
}

// GetAuditLog returns one page of the node's audit log.
func (c *Client) GetAuditLog(ctx context.Context, reqParams GetAuditLogRequest) (GetAuditLogResponse, error) {
	var resParams GetAuditLogResponse
	res, err := c.call(ctx, GetAuditLogMethod, GetAuditLogMethod, reqParams)
	if err != nil {
		return resParams, err
	}

	if err := res.Res.Params.Translate(&resParams); err != nil {
		return resParams, err
	}
	return resParams, nil
}

func (c *Client) sign(ctx context.Context, method Method, reqParams any) (ethereum.Signature, error) {
	var sig ethereum.Signature
	res, err := c.call(ctx, method, method, reqParams)
	if err != nil {
		return sig, err
	}

	if err := res.Res.Params.Translate(&sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// call sends a request and returns the response if its method is
// expectedMethod. Error responses are returned as Error.
func (c *Client) call(ctx context.Context, method, expectedMethod Method, reqParams any) (*Response, error) {
	payload, err := c.PreparePayload(method, reqParams)
	if err != nil {
		return nil, err
	}

	req := NewRequest(payload)
	res, err := c.dialer.Call(ctx, &req)
	if err != nil {
		return nil, err
	}

	if err := res.Error(); err != nil {
		return nil, err
	}
	if res.Res.Method != expectedMethod.String() {
		return nil, fmt.Errorf("unexpected response method: %s", res.Res.Method)
	}

	return res, nil
}

// PreparePayload assigns the next request id and encodes reqParams.
func (c *Client) PreparePayload(method Method, reqParams any) (Payload, error) {
	params, err := NewParams(reqParams)
	if err != nil {
		return Payload{}, err
	}

	return NewPayload(
		c.nextID.Add(1),
		method.String(),
		params,
	), nil
}
