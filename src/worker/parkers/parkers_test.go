package parkers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestWaitReturnsImmediatelyWhenEmpty(t *testing.T) {
	p := New()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on an empty set")
	}
}

func TestWaitBlocksUntilUnparked(t *testing.T) {
	p := New()
	p.Park("a")
	assert.False(t, p.Empty())

	woke := make(chan struct{})
	go func() {
		p.Wait()
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("Wait returned while the set is non-empty")
	case <-time.After(50 * time.Millisecond):
	}

	p.Unpark("a")

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Wait never woke after Unpark")
	}
}

func TestWaitWakesEveryWaiter(t *testing.T) {
	p := New()
	p.Park("a")

	const n = 5
	woke := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			p.Wait()
			woke <- struct{}{}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	p.Unpark("a")

	for i := 0; i < n; i++ {
		select {
		case <-woke:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never woke", i)
		}
	}
}

func TestWaitContextCancellation(t *testing.T) {
	p := New()
	p.Park("a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.WaitContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled waiter must not still be registered: unparking
	// later should not panic or leak a stale channel close.
	p.Unpark("a")
	assert.True(t, p.Empty())
}

func TestWaitContextHonorsRateLimit(t *testing.T) {
	p := NewWithRateLimit(rate.Every(50*time.Millisecond), 1)

	start := time.Now()
	require.NoError(t, p.WaitContext(context.Background()))
	require.NoError(t, p.WaitContext(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
