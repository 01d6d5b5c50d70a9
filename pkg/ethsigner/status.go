package ethsigner

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code maps an adapter error to a status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrAddressMalformed), errors.Is(err, ErrDigestMalformed):
		return codes.InvalidArgument
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrUnsupportedHandle):
		return codes.NotFound
	case errors.Is(err, ErrServiceClosed):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// Status converts err to a status. Internal errors get a fixed message.
func Status(err error) *status.Status {
	code := Code(err)
	switch code {
	case codes.OK:
		return status.New(codes.OK, "")
	case codes.Internal:
		return status.New(code, ErrSigningFailed.Error())
	default:
		return status.New(code, err.Error())
	}
}
