package rpc_test

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/iqlusioninc/iqkms/pkg/rpc"
)

// MockCallHandler answers one method. A returned error becomes an error
// response with its code.
type MockCallHandler func(params rpc.Params) (*rpc.Response, error)

var _ rpc.Dialer = (*MockDialer)(nil)

// MockDialer routes calls to in-process handlers.
type MockDialer struct {
	handlers map[rpc.Method]MockCallHandler
	eventCh  chan *rpc.Response
	lastReq  *rpc.Request
}

func NewMockDialer() *MockDialer {
	return &MockDialer{
		handlers: make(map[rpc.Method]MockCallHandler),
		eventCh:  make(chan *rpc.Response, 10),
	}
}

func (d *MockDialer) RegisterHandler(method rpc.Method, handler MockCallHandler) {
	d.handlers[method] = handler
}

func (d *MockDialer) Dial(ctx context.Context, url string, handleClosure func(err error)) error {
	return nil
}

func (d *MockDialer) IsConnected() bool {
	return true
}

func (d *MockDialer) Call(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	if req == nil {
		return nil, rpc.ErrNilRequest
	}
	d.lastReq = req

	handler, exists := d.handlers[rpc.Method(req.Req.Method)]
	if !exists {
		res := rpc.NewErrorResponse(req.Req.RequestID, codes.Unimplemented, "unknown method: "+req.Req.Method)
		return &res, nil
	}

	res, err := handler(req.Req.Params)
	if err != nil {
		res := rpc.NewErrorResponse(req.Req.RequestID, rpc.Code(err), err.Error())
		return &res, nil
	}
	res.Res.RequestID = req.Req.RequestID

	return res, nil
}

func (d *MockDialer) EventCh() <-chan *rpc.Response {
	return d.eventCh
}

func (d *MockDialer) LastRequest() *rpc.Request {
	return d.lastReq
}
