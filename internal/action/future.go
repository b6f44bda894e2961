package action

import (
	"context"
	"errors"
	"sync"

	"securetrack/internal/capability"
)

// ErrNoFix is the resolution of a location request that produced nothing.
var ErrNoFix = errors.New("action: location unavailable")

// Future is a location request with exactly one resolution. Later Resolve
// calls are ignored.
type Future struct {
	once sync.Once
	done chan struct{}
	fix  capability.Fix
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future and reports whether this call won.
func (f *Future) Resolve(fix capability.Fix, err error) bool {
	won := false
	f.once.Do(func() {
		f.fix, f.err = fix, err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until resolution or ctx is done.
func (f *Future) Wait(ctx context.Context) (capability.Fix, error) {
	select {
	case <-f.done:
		return f.fix, f.err
	case <-ctx.Done():
		return capability.Fix{}, ctx.Err()
	}
}
