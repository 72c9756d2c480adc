// Package resources implements the Resource Manager contract
// (spec.md §4.6): an all-or-nothing lease pool keyed by resource
// type, with deferred release and in-place state carry-over. The
// mutex-protected pool-state shape is grounded on the teacher's
// scaling.ResourceManager (src/performance/scaling/resource_manager.go),
// adapted from auto-scaling bookkeeping to exclusive per-type leasing.
package resources

import (
	"context"
	"sync"
	"time"

	"github.com/corepipe/corepipe/src/core"
)

type entry struct {
	resource *core.Resource
	leased   bool
}

// Manager pools core.Resource objects by type and hands out exclusive,
// all-or-nothing leases.
type Manager struct {
	mu      sync.Mutex
	pools   map[string][]*entry
	waiters []chan struct{}

	// pollInterval bounds how long Acquire can block on a
	// time-deferred resource before re-checking availability.
	pollInterval time.Duration
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		pools:        make(map[string][]*entry),
		pollInterval: 50 * time.Millisecond,
	}
}

// Register adds a resource to its type's pool. Registration is
// expected at service start, before any Acquire call depends on it.
func (m *Manager) Register(resourceType string, resource *core.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[resourceType] = append(m.pools[resourceType], &entry{resource: resource})
}

// Lease is a scoped, all-or-nothing hold over one resource per
// requested type. Any resource not deferred via ReleaseLater is
// returned to the pool when Release runs.
type Lease struct {
	manager *Manager
	held    map[string]*ResourceContext
}

// ResourceContext is the scoped handle for one leased resource.
type ResourceContext struct {
	entry         *entry
	deferredUntil *time.Time
}

func (r *ResourceContext) Name() string                   { return r.entry.resource.Name }
func (r *ResourceContext) State() interface{}              { return r.entry.resource.State }
func (r *ResourceContext) Data() map[string]interface{}    { return r.entry.resource.Data }

// UpdateState atomically rewrites the resource's stored state, making
// it visible to the next acquirer.
func (r *ResourceContext) UpdateState(state interface{}) {
	r.entry.resource.State = state
}

// ReleaseLater defers the resource's next availability to ts instead
// of releasing it immediately on scope exit.
func (r *ResourceContext) ReleaseLater(ts time.Time) {
	r.deferredUntil = &ts
}

// Acquire blocks until a resource is available for every requested
// type, then leases all of them atomically: either every type is
// satisfied or nothing is held. Cancelling ctx while waiting leaves no
// partial holds.
func (m *Manager) Acquire(ctx context.Context, types []string) (*Lease, error) {
	for {
		m.mu.Lock()
		candidates := make(map[string]*entry, len(types))
		ok := true
		now := time.Now()
		for _, typ := range types {
			e := m.findAvailableLocked(typ, now)
			if e == nil {
				ok = false
				break
			}
			candidates[typ] = e
		}

		if ok {
			held := make(map[string]*ResourceContext, len(types))
			for typ, e := range candidates {
				e.leased = true
				held[typ] = &ResourceContext{entry: e}
			}
			m.mu.Unlock()
			return &Lease{manager: m, held: held}, nil
		}

		waitCh := make(chan struct{})
		m.waiters = append(m.waiters, waitCh)
		m.mu.Unlock()

		select {
		case <-waitCh:
		case <-time.After(m.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// findAvailableLocked must be called with m.mu held.
func (m *Manager) findAvailableLocked(resourceType string, now time.Time) *entry {
	for _, e := range m.pools[resourceType] {
		if !e.leased && e.resource.IsAvailable(now) {
			return e
		}
	}
	return nil
}

func (m *Manager) notifyWaitersLocked() {
	for _, ch := range m.waiters {
		close(ch)
	}
	m.waiters = nil
}

// Get returns the leased ResourceContext for a requested type, or
// false if that type was not part of this lease.
func (l *Lease) Get(resourceType string) (*ResourceContext, bool) {
	ctx, ok := l.held[resourceType]
	return ctx, ok
}

// Release returns every held resource to the pool, honoring any
// ReleaseLater deferral, and wakes any Acquire callers blocked on a
// now-possibly-available type.
func (l *Lease) Release(ctx context.Context) error {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()

	for _, rc := range l.held {
		rc.entry.leased = false
		if rc.deferredUntil != nil {
			rc.entry.resource.AvailableAt = *rc.deferredUntil
		} else {
			rc.entry.resource.AvailableAt = time.Time{}
		}
	}
	l.manager.notifyWaitersLocked()
	return nil
}
