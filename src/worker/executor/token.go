// Package executor implements the Remote Executor protocol (spec.md
// §4.5): a queue-backed dispatch of PipelineMessage jobs to a worker
// pool, raced against a liveness loop that cancels the job when
// either side of the connection goes quiet. Grounded on the teacher's
// src/queue/redis_queue.go (ZAdd/ZPopMin job envelopes, Redis-backed
// retry bookkeeping) adapted from a generic job queue to the
// dispatch+liveness pairing spec.md requires.
package executor

import "sync"

// CancellationToken is cooperative cancellation carried into pipeline
// execution (spec.md §4.5, §9). Cancel is idempotent; Done returns a
// channel closed exactly once, at the moment of cancellation, so
// pipeline code can select on it alongside its own work. A cancelled
// token never interrupts a blocking syscall on its own — callables
// must poll Cancelled or select on Done at safe points.
type CancellationToken struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

// NewCancellationToken returns a live (not-yet-cancelled) token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Cancel marks the token cancelled and closes Done. Safe to call more
// than once or from multiple goroutines.
func (t *CancellationToken) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	close(t.done)
}

// Cancelled reports whether Cancel has been called.
func (t *CancellationToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel that closes when the token is cancelled.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.done
}
