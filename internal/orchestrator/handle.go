package orchestrator

import (
	"context"
	"sync"
)

// Handle is the future for a submitted run.
//
// It resolves exactly once, on terminal completion of the operation
// (success, failure, or cancellation). Duplicate Submits for the same key
// share one Handle.
type Handle struct {
	key  string
	done chan struct{}
	once sync.Once

	// Written inside once before done is closed; the channel close
	// publishes them.
	value any
	err   error
}

func newHandle(key string) *Handle {
	return &Handle{key: key, done: make(chan struct{})}
}

func (h *Handle) Key() string { return h.key }

// Done is closed when the run has terminally completed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run completes or ctx is cancelled.
//
// A ctx error here abandons the wait only; the run itself keeps going and the
// Handle stays valid for other waiters.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.value, h.err
	}
}

// Err returns the terminal error without blocking. It is only meaningful
// after Done() is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) resolve(value any, err error) {
	h.once.Do(func() {
		h.value = value
		h.err = err
		close(h.done)
	})
}
