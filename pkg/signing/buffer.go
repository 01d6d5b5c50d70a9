package signing

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultBufferDepth is the number of requests a Buffer admits at once.
const DefaultBufferDepth = 10

// ErrBufferClosed is returned for calls admitted after Close.
var ErrBufferClosed = errors.New("signing service closed")

var _ Service = (*Buffer)(nil)

// Buffer bounds the number of concurrent calls into a Service.
type Buffer struct {
	inner    Service
	sem      *semaphore.Weighted
	depth    int
	inFlight atomic.Int64
	closed   atomic.Bool
}

// NewBuffer wraps inner. A depth below one selects DefaultBufferDepth.
func NewBuffer(inner Service, depth int) *Buffer {
	if depth < 1 {
		depth = DefaultBufferDepth
	}
	return &Buffer{
		inner: inner,
		sem:   semaphore.NewWeighted(int64(depth)),
		depth: depth,
	}
}

// Ready blocks until a slot is free and the inner service is ready.
func (b *Buffer) Ready(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBufferClosed
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	b.sem.Release(1)
	if b.closed.Load() {
		return ErrBufferClosed
	}
	return b.inner.Ready(ctx)
}

// SignPrehash holds a slot for the duration of the inner call. A cancelled
// context gives up waiting for a slot and returns its error.
func (b *Buffer) SignPrehash(ctx context.Context, req SignPrehashRequest) (SignPrehashResponse, error) {
	if b.closed.Load() {
		return SignPrehashResponse{}, ErrBufferClosed
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return SignPrehashResponse{}, err
	}
	// Close may have drained the buffer while this call waited for a slot.
	if b.closed.Load() {
		b.sem.Release(1)
		return SignPrehashResponse{}, ErrBufferClosed
	}
	b.inFlight.Add(1)
	defer func() {
		b.inFlight.Add(-1)
		b.sem.Release(1)
	}()

	return b.inner.SignPrehash(ctx, req)
}

// Close stops admitting calls and waits until every in-flight call has
// returned. Once it returns nil, nothing reads the inner service's keys, so
// the keyring may be zeroed. Close may be called more than once.
func (b *Buffer) Close(ctx context.Context) error {
	b.closed.Store(true)
	if err := b.sem.Acquire(ctx, int64(b.depth)); err != nil {
		return err
	}
	b.sem.Release(int64(b.depth))
	return nil
}

// InFlight returns the number of calls holding a slot.
func (b *Buffer) InFlight() int64 {
	return b.inFlight.Load()
}

// Depth returns the slot count.
func (b *Buffer) Depth() int {
	return b.depth
}
