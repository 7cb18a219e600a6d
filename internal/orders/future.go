package orders

import (
	"context"
	"sync"

	"github.com/coachpo/bfxstream/internal/schema"
)

// Future is the outcome of one order request. It resolves exactly once.
type Future struct {
	done  chan struct{}
	once  sync.Once
	order schema.Order
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(order schema.Order, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.order = order
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (schema.Order, error) {
	select {
	case <-f.done:
		return f.order, f.err
	case <-ctx.Done():
		return schema.Order{}, ctx.Err()
	}
}
