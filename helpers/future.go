package helpers

import (
	"context"
	"sync"
)

// Future is single assignment result slot.
// First Complete or Cancel wins, later calls return false.
type Future[T any] struct {
	once   sync.Once
	done   chan struct{}
	result T
	ok     bool
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) Complete(v T) bool { return f.resolve(v, true) }

func (f *Future[T]) Cancel() bool {
	var zero T
	return f.resolve(zero, false)
}

func (f *Future[T]) resolve(v T, ok bool) bool {
	won := false
	f.once.Do(func() {
		f.result, f.ok = v, ok
		close(f.done)
		won = true
	})
	return won
}

// Done is closed when future is resolved either way.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until future is resolved or ctx is done.
// Returns (result, true, nil) on Complete, (zero, false, nil) on Cancel
// and ctx.Err() when ctx finished first.
func (f *Future[T]) Wait(ctx context.Context) (T, bool, error) {
	select {
	case <-f.done:
		return f.result, f.ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}
