package dispatch

import (
	"context"
	"sync/atomic"
)

// Future is a single-assignment result container. The batcher resolves it
// exactly once, with either a response or an error; waiting on a Future
// never blocks the worker that will resolve it.
type Future[T any] struct {
	done    chan struct{}
	settled atomic.Bool
	val     T
	err     error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.fail(err)
	return f
}

func (f *Future[T]) complete(val T) {
	if f.settled.CompareAndSwap(false, true) {
		f.val = val
		close(f.done)
	}
}

func (f *Future[T]) fail(err error) {
	if f.settled.CompareAndSwap(false, true) {
		f.err = err
		close(f.done)
	}
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Err returns the resolution error, or nil while the future is pending.
func (f *Future[T]) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Get blocks until the future resolves or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
