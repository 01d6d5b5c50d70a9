package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
)

// Handler processes a request. Middleware calls c.Next() to continue the
// chain; a final handler calls c.Succeed or c.Fail.
type Handler func(c *Context)

// Context is the per-request state passed through the handler chain.
type Context struct {
	// Context carries cancellation, the request span and the request logger.
	Context context.Context
	// ConnectionID identifies the websocket connection.
	ConnectionID string
	// UserID is the authenticated subject of the connection, if any.
	UserID string
	// Request is the decoded request.
	Request Request
	// Response is what will be sent back.
	Response Response
	// Storage persists across requests on the same connection.
	Storage *SafeStorage

	handlers []Handler
}

// Next runs the next handler in the chain.
func (c *Context) Next() {
	if len(c.handlers) == 0 {
		return
	}

	handler := c.handlers[0]
	c.handlers = c.handlers[1:]
	handler(c)
}

// Succeed sets a success response.
func (c *Context) Succeed(method string, params Params) {
	c.Response.Res = NewPayload(
		c.Request.Req.RequestID,
		method,
		params,
	)
}

// Fail sets an error response. Only an Error reaches the client verbatim,
// with its code; anything else is replaced by fallbackMessage and reported
// as Internal.
func (c *Context) Fail(err error, fallbackMessage string) {
	code := codes.Internal
	message := fallbackMessage
	var rpcErr Error
	if errors.As(err, &rpcErr) {
		code = rpcErr.Code()
		message = rpcErr.Error()
	}
	if message == "" {
		message = defaultNodeErrorMessage
	}

	c.Response = NewErrorResponse(
		c.Request.Req.RequestID,
		code,
		message,
	)
}

// GetRawResponse encodes the response. A handler chain that never responded
// yields an internal error response.
func (c *Context) GetRawResponse() ([]byte, error) {
	if c.Response.Res.Method == "" {
		c.Fail(nil, "internal server error: no response from handler")
	}

	return prepareRawResponse(c.Response.Res)
}

func prepareRawResponse(payload Payload) ([]byte, error) {
	resMessageBytes, err := json.Marshal(&Response{Res: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response message: %w", err)
	}

	return resMessageBytes, nil
}

// SafeStorage is a mutex-guarded map for per-connection state.
type SafeStorage struct {
	mu      sync.RWMutex
	storage map[string]any
}

func NewSafeStorage() *SafeStorage {
	return &SafeStorage{
		storage: make(map[string]any),
	}
}

func (s *SafeStorage) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.storage[key] = value
}

func (s *SafeStorage) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.storage[key]
	return value, exists
}
