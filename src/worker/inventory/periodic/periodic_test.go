package periodic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock lets tests fast-forward time deterministically instead of
// sleeping in real time, the same role FreezeTime/TimeForwardLoop play
// in the original's test fixtures.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func TestPeriodicInventoryCatchUp(t *testing.T) {
	start := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	lastWeek := start.AddDate(0, 0, -7)
	clock := newFakeClock(start)

	inv, err := New(Options{
		StartDate: lastWeek,
		Interval:  IntervalDaily,
		BatchSize: 3,
		Clock:     clock,
	})
	require.NoError(t, err)

	ch, err := inv.Iterate(context.Background(), nil)
	require.NoError(t, err)

	expected := []string{
		"1969-12-26T00:00:00Z",
		"1969-12-27T00:00:00Z",
		"1969-12-28T00:00:00Z",
		"1969-12-29T00:00:00Z",
		"1969-12-30T00:00:00Z",
		"1969-12-31T00:00:00Z",
		"1970-01-01T00:00:00Z",
	}
	for _, id := range expected {
		item := <-ch
		require.Equal(t, id, string(item.ID))
	}

	// The 8th tick is in the future: the inventory must sleep past it
	// before delivering it.
	item := <-ch
	require.Equal(t, "1970-01-02T00:00:00Z", string(item.ID))
	require.Equal(t, "1970-01-02T00:00:00Z", clock.Now().Format(time.RFC3339))
}

func TestPeriodicInventoryEndDate(t *testing.T) {
	start := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	lastWeek := start.AddDate(0, 0, -7)
	yesterday := start.AddDate(0, 0, -1)
	clock := newFakeClock(start)

	inv, err := New(Options{
		StartDate: lastWeek,
		EndDate:   &yesterday,
		Interval:  IntervalDaily,
		Clock:     clock,
	})
	require.NoError(t, err)

	ch, err := inv.Iterate(context.Background(), nil)
	require.NoError(t, err)

	var ids []string
	for item := range ch {
		ids = append(ids, string(item.ID))
	}
	require.Equal(t, []string{
		"1969-12-26T00:00:00Z",
		"1969-12-27T00:00:00Z",
		"1969-12-28T00:00:00Z",
		"1969-12-29T00:00:00Z",
		"1969-12-30T00:00:00Z",
		"1969-12-31T00:00:00Z",
	}, ids)
}

func TestPeriodicInventoryNextBatch(t *testing.T) {
	start := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	lastWeek := start.AddDate(0, 0, -7)
	clock := newFakeClock(start)

	inv, err := New(Options{
		StartDate: lastWeek,
		Interval:  IntervalDaily,
		BatchSize: 3,
		Clock:     clock,
	})
	require.NoError(t, err)

	batch, err := inv.NextBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, "1969-12-26T00:00:00Z", string(batch[0].ID))

	// NextBatch must never sleep: the clock does not advance.
	require.Equal(t, start, clock.Now())
}
