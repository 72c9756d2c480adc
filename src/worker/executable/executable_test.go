package executable

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/topic"
)

// memTopic is a minimal in-memory topic.Topic for exercising
// ExecutableQueue without a real transport.
type memTopic struct {
	mu        sync.Mutex
	messages  []core.TopicMessage
	delivered chan topic.Delivery
	closed    bool
	acked     int32
	nacked    int32
}

func newMemTopic(messages ...core.TopicMessage) *memTopic {
	return &memTopic{messages: messages, delivered: make(chan topic.Delivery, len(messages)+1)}
}

func (t *memTopic) Open(ctx context.Context) error { return nil }

func (t *memTopic) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.delivered)
	}
	return nil
}

func (t *memTopic) Publish(ctx context.Context, message core.TopicMessage, wait bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, message)
	return true, nil
}

func (t *memTopic) Run(ctx context.Context) (<-chan topic.Delivery, error) {
	for _, m := range t.messages {
		t.delivered <- &memDelivery{topic: t, message: m}
	}
	return t.delivered, nil
}

type memDelivery struct {
	topic   *memTopic
	message core.TopicMessage
}

func (d *memDelivery) Message() core.TopicMessage { return d.message }
func (d *memDelivery) Ack(ctx context.Context) error {
	atomic.AddInt32(&d.topic.acked, 1)
	return nil
}
func (d *memDelivery) Nack(ctx context.Context, cause error) error {
	atomic.AddInt32(&d.topic.nacked, 1)
	return nil
}

func TestExecutableQueueRunAndClose(t *testing.T) {
	ctx := context.Background()
	input := newMemTopic(
		core.TopicMessage{ID: "1", Args: map[string]interface{}{"n": 1}},
		core.TopicMessage{ID: "2", Args: map[string]interface{}{"n": 2}},
	)
	output := newMemTopic()

	q := New("job-1", core.PipelineInfo{Name: "pipe"}, input, map[string][]topic.Topic{"default": {output}}, core.DefaultJobOptions())
	require.NoError(t, q.Open(ctx))

	out, err := q.Run(ctx)
	require.NoError(t, err)

	var seen []string
	for msg := range out {
		seen = append(seen, string(msg.Pipeline.Message.ID))
		require.NoError(t, msg.Close(ctx, nil))
		if len(seen) == 2 {
			break
		}
	}
	require.ElementsMatch(t, []string{"1", "2"}, seen)

	require.NoError(t, q.Close(ctx))
	require.Equal(t, int64(0), q.PendingCount())
	require.EqualValues(t, 2, atomic.LoadInt32(&input.acked))
}

func TestExecutableMessageCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	input := newMemTopic(core.TopicMessage{ID: "1"})
	q := New("job-1", core.PipelineInfo{Name: "pipe"}, input, nil, core.DefaultJobOptions())
	require.NoError(t, q.Open(ctx))

	out, err := q.Run(ctx)
	require.NoError(t, err)
	msg := <-out

	var cleanupRuns int
	msg.AddCleanup(func(ctx context.Context, execErr error) error {
		cleanupRuns++
		return nil
	})

	require.NoError(t, msg.Close(ctx, nil))
	require.NoError(t, msg.Close(ctx, nil))
	require.Equal(t, 1, cleanupRuns)
}

func TestExecutableQueueRespectsMaxConcurrency(t *testing.T) {
	ctx := context.Background()
	input := newMemTopic(
		core.TopicMessage{ID: "1"},
		core.TopicMessage{ID: "2"},
		core.TopicMessage{ID: "3"},
	)
	opts := core.DefaultJobOptions()
	opts.MaxConcurrency = 1

	q := New("job-1", core.PipelineInfo{Name: "pipe"}, input, nil, opts)
	require.NoError(t, q.Open(ctx))

	out, err := q.Run(ctx)
	require.NoError(t, err)

	first := <-out

	select {
	case <-out:
		t.Fatal("a second message should not be emitted while the first holds the only concurrency slot")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, first.Close(ctx, nil))

	select {
	case msg := <-out:
		require.NoError(t, msg.Close(ctx, nil))
	case <-time.After(time.Second):
		t.Fatal("second message was not released after the first closed")
	}
}

func TestExecutableQueueParkersBlockPolling(t *testing.T) {
	ctx := context.Background()
	input := newMemTopic(core.TopicMessage{ID: "1"})
	q := New("job-1", core.PipelineInfo{Name: "pipe"}, input, nil, core.DefaultJobOptions())
	require.NoError(t, q.Open(ctx))

	q.Parkers.Park("backpressure")

	out, err := q.Run(ctx)
	require.NoError(t, err)

	select {
	case <-out:
		t.Fatal("message should not be emitted while parked")
	case <-time.After(30 * time.Millisecond):
	}

	q.Parkers.Unpark("backpressure")

	select {
	case msg := <-out:
		require.NoError(t, msg.Close(ctx, nil))
	case <-time.After(time.Second):
		t.Fatal("message was not emitted after unparking")
	}
}
