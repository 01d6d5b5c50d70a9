package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorParamKey = "error"
	codeParamKey  = "code"
)

var (
	ErrAlreadyConnected  = fmt.Errorf("already connected")
	ErrNotConnected      = fmt.Errorf("not connected to server")
	ErrConnectionTimeout = fmt.Errorf("websocket connection timeout")
	ErrReadingMessage    = fmt.Errorf("error reading message")
	ErrMessageTooLarge   = fmt.Errorf("message exceeds read limit")
	ErrClientStalled     = fmt.Errorf("client stopped reading responses")

	ErrNilRequest           = fmt.Errorf("nil request")
	ErrInvalidRequestMethod = fmt.Errorf("invalid request method")
	ErrMarshalingRequest    = fmt.Errorf("error marshaling request")
	ErrSendingRequest       = fmt.Errorf("error sending request")
	ErrNoResponse           = fmt.Errorf("no response received")
	ErrSendingPing          = fmt.Errorf("error sending ping")

	ErrDialingWebsocket = fmt.Errorf("error dialing websocket server")
	ErrUnauthenticated  = fmt.Errorf("unauthenticated")
)

// Error is an error whose message is safe to send to the client. It carries a
// status code that travels with the error response.
//
// Handlers return Error for failures the caller can act on; any other error
// is replaced with a generic message by Context.Fail.
type Error struct {
	code codes.Code
	err  error
}

// Errorf formats a client-facing error with code Unknown.
func Errorf(format string, args ...any) Error {
	return Error{
		code: codes.Unknown,
		err:  fmt.Errorf(format, args...),
	}
}

// NewError builds a client-facing error with an explicit code.
func NewError(code codes.Code, msg string) Error {
	return Error{code: code, err: errors.New(msg)}
}

// FromStatus converts a status to a client-facing error.
func FromStatus(st *status.Status) Error {
	return NewError(st.Code(), st.Message())
}

func (e Error) Error() string {
	if e.err == nil {
		return e.code.String()
	}
	return e.err.Error()
}

// Code returns the status code.
func (e Error) Code() codes.Code {
	return e.code
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.err
}

// Code extracts the status code of err. Errors that are not an Error yield
// codes.Unknown, nil yields codes.OK.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var rpcErr Error
	if errors.As(err, &rpcErr) {
		return rpcErr.code
	}
	return codes.Unknown
}

// NewErrorParams builds the params of an error response.
func NewErrorParams(code codes.Code, errMsg string) Params {
	msg, _ := json.Marshal(errMsg)
	codeStr, _ := json.Marshal(code.String())
	return Params{
		errorParamKey: msg,
		codeParamKey:  codeStr,
	}
}

// parseCode is the inverse of codes.Code.String for the canonical codes.
func parseCode(s string) codes.Code {
	for c := codes.OK; c <= codes.Unauthenticated; c++ {
		if c.String() == s {
			return c
		}
	}
	return codes.Unknown
}
