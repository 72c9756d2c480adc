// Package parkers implements the cooperative back-pressure primitive
// used by the Worker to pause polling without dropping messages.
package parkers

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Parkers is a set of opaque park tokens. While the set is non-empty,
// Wait blocks; once it becomes empty every current waiter wakes. An
// optional rate.Limiter additionally throttles WaitContext callers
// even when the set is empty, the soft max-poll-rate knob a job may
// configure alongside hard parking.
type Parkers struct {
	mu      sync.Mutex
	tokens  map[interface{}]struct{}
	waiters []chan struct{}

	limiter *rate.Limiter
}

// New returns an empty Parkers set with no rate limit.
func New() *Parkers {
	return &Parkers{tokens: make(map[interface{}]struct{})}
}

// NewWithRateLimit returns an empty Parkers set that additionally caps
// WaitContext callers at r events/sec with burst b.
func NewWithRateLimit(r rate.Limit, b int) *Parkers {
	return &Parkers{tokens: make(map[interface{}]struct{}), limiter: rate.NewLimiter(r, b)}
}

// Park adds a token to the set, causing Wait to block.
func (p *Parkers) Park(key interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[key] = struct{}{}
}

// Unpark removes a token from the set. If the set becomes empty,
// every waiter is woken.
func (p *Parkers) Unpark(key interface{}) {
	p.mu.Lock()
	delete(p.tokens, key)
	empty := len(p.tokens) == 0
	var waiters []chan struct{}
	if empty {
		waiters = p.waiters
		p.waiters = nil
	}
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Wait returns immediately if the set is empty, otherwise blocks until
// it becomes empty.
func (p *Parkers) Wait() {
	p.mu.Lock()
	if len(p.tokens) == 0 {
		p.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	<-ch
}

// WaitContext is Wait but cancellation-safe: if ctx is cancelled
// before the set empties, it returns ctx.Err() without leaving the
// waiter registered.
func (p *Parkers) WaitContext(ctx context.Context) error {
	p.mu.Lock()
	if len(p.tokens) == 0 {
		p.mu.Unlock()
		return p.waitRateLimit(ctx)
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case <-ch:
		return p.waitRateLimit(ctx)
	case <-ctx.Done():
		p.removeWaiter(ch)
		return ctx.Err()
	}
}

// waitRateLimit applies the configured soft poll-rate limit, if any.
func (p *Parkers) waitRateLimit(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

func (p *Parkers) removeWaiter(ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Empty reports whether the set currently holds no tokens.
func (p *Parkers) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens) == 0
}
