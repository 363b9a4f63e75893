package saga

import (
	"context"
	"sync"
)

// Future is the result of one saga run. It settles once: with the
// procedure's value when the saga completes, or with the causing error as
// soon as a rollback starts. Compensation may still be running in the
// background after a Future is rejected.
type Future struct {
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(val any) *Future {
	f := newFuture()
	f.resolve(val)
	return f
}

func rejectedFuture(err error) *Future {
	f := newFuture()
	f.reject(err)
	return f
}

func (f *Future) resolve(val any) {
	f.once.Do(func() {
		f.val = val
		close(f.done)
	})
}

func (f *Future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled value without blocking. ok is false while the
// future is pending.
func (f *Future) Result() (val any, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		return nil, nil, false
	}
}

// WaitAs waits for f and decodes its value into T.
func WaitAs[T any](ctx context.Context, f *Future) (T, error) {
	v, err := f.Wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](v)
}
