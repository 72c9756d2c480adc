package resources

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corepipe/corepipe/src/core"
)

func newTestManager() *Manager {
	m := NewManager()
	m.pollInterval = 5 * time.Millisecond
	m.Register("db", &core.Resource{Name: "db-1", Type: "db"})
	return m
}

func TestAcquireAndReleaseRoundTrip(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"db"})
	require.NoError(t, err)
	rc, ok := lease.Get("db")
	require.True(t, ok)
	require.Equal(t, "db-1", rc.Name())

	require.NoError(t, lease.Release(ctx))

	// The same (only) resource must be available for a second acquire.
	lease2, err := m.Acquire(ctx, []string{"db"})
	require.NoError(t, err)
	rc2, _ := lease2.Get("db")
	require.Equal(t, "db-1", rc2.Name())
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"db"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer wg.Done()
		_, err := m.Acquire(ctx, []string{"db"})
		require.NoError(t, err)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should not have succeeded before release")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, lease.Release(ctx))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not unblock after release")
	}
	wg.Wait()
}

func TestAcquireAllOrNothing(t *testing.T) {
	m := NewManager()
	m.pollInterval = 5 * time.Millisecond
	m.Register("a", &core.Resource{Name: "a-1", Type: "a"})
	// No "b" resource registered at all.

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx, []string{"a", "b"})
	require.Error(t, err)

	// "a" must not be left held after the failed, cancelled acquire.
	ctx2 := context.Background()
	lease, err := m.Acquire(ctx2, []string{"a"})
	require.NoError(t, err)
	_, ok := lease.Get("a")
	require.True(t, ok)
}

func TestResourceStateCarriesOverAfterReleaseLater(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"db"})
	require.NoError(t, err)
	rc, _ := lease.Get("db")
	rc.UpdateState("in-transaction")
	rc.ReleaseLater(time.Now().Add(40 * time.Millisecond))
	require.NoError(t, lease.Release(ctx))

	// Immediately after release, the resource is not yet available.
	fastCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(fastCtx, []string{"db"})
	require.Error(t, err)

	// Once the deferral elapses, the next acquirer observes the
	// carried-over state.
	slowCtx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	lease2, err := m.Acquire(slowCtx, []string{"db"})
	require.NoError(t, err)
	rc2, _ := lease2.Get("db")
	require.Equal(t, "in-transaction", rc2.State())
}
