package rpc

import "google.golang.org/grpc/codes"

// Request is a client message: {"req": [id, method, params, ts]}.
type Request struct {
	Req Payload `json:"req"`
}

// NewRequest wraps payload.
func NewRequest(payload Payload) Request {
	return Request{Req: payload}
}

// Response is a server message: {"res": [id, method, params, ts]}.
type Response struct {
	Res Payload `json:"res"`
}

// NewResponse wraps payload.
func NewResponse(payload Payload) Response {
	return Response{Res: payload}
}

// NewErrorResponse builds a response with method "error" and
// {"error": msg, "code": "<code>"} params.
func NewErrorResponse(requestID uint64, code codes.Code, errMsg string) Response {
	errParams := NewErrorParams(code, errMsg)
	errPayload := NewPayload(requestID, ErrorMethod.String(), errParams)
	return NewResponse(errPayload)
}

// Error returns the carried Error for error responses and nil otherwise.
func (r Response) Error() error {
	if r.Res.Method != ErrorMethod.String() {
		return nil
	}

	return r.Res.Params.Error()
}
