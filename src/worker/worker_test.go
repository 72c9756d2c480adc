package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/executable"
	"github.com/corepipe/corepipe/src/worker/metrics"
	"github.com/corepipe/corepipe/src/worker/resources"
	"github.com/corepipe/corepipe/src/worker/topic"
)

type memTopic struct {
	mu        sync.Mutex
	messages  []core.TopicMessage
	published []core.TopicMessage
	delivered chan topic.Delivery
	closed    bool
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
	t.published = append(t.published, message)
	return true, nil
}

func (t *memTopic) Run(ctx context.Context) (<-chan topic.Delivery, error) {
	for _, m := range t.messages {
		t.delivered <- &memDelivery{message: m}
	}
	return t.delivered, nil
}

type memDelivery struct{ message core.TopicMessage }

func (d *memDelivery) Message() core.TopicMessage                  { return d.message }
func (d *memDelivery) Ack(ctx context.Context) error                { return nil }
func (d *memDelivery) Nack(ctx context.Context, cause error) error { return nil }

type stubDispatcher struct {
	fn func(ctx context.Context, message *core.PipelineMessage) (core.PipelineResults, error)
}

func (s stubDispatcher) Submit(ctx context.Context, message *core.PipelineMessage) (core.PipelineResults, error) {
	return s.fn(ctx, message)
}

func TestJobRunDispatchesAndPublishesOutputs(t *testing.T) {
	ctx := context.Background()
	input := newMemTopic(core.TopicMessage{ID: "1", Args: map[string]interface{}{"n": 1}})
	output := newMemTopic()

	queue := executable.New("job-1", core.PipelineInfo{Name: "pipe"}, input, map[string][]topic.Topic{"default": {output}}, core.DefaultJobOptions())

	dispatcher := stubDispatcher{fn: func(ctx context.Context, message *core.PipelineMessage) (core.PipelineResults, error) {
		return core.PipelineResults{Outputs: []core.PipelineOutput{
			{Channel: "default", Message: core.TopicMessage{ID: "out-1"}},
		}}, nil
	}}

	job := &Job{
		Queue:      queue,
		Dispatcher: dispatcher,
		Resources:  resources.NewManager(),
		Metrics:    metrics.New(),
		Labels:     metrics.Labels{Executor: "exec1", Pipeline: "pipe"},
	}

	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()

	require.Eventually(t, func() bool {
		output.mu.Lock()
		defer output.mu.Unlock()
		return len(output.published) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, input.Close(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("job.Run never returned after input closed")
	}

	require.Equal(t, core.MessageId("out-1"), output.published[0].ID)
}

func TestJobRunAcquiresDeclaredResources(t *testing.T) {
	ctx := context.Background()
	input := newMemTopic(core.TopicMessage{ID: "1"})

	pipeline := core.PipelineInfo{Name: "pipe", Resources: map[string]string{"db": "database"}}
	queue := executable.New("job-1", pipeline, input, nil, core.DefaultJobOptions())

	mgr := resources.NewManager()
	mgr.Register("database", &core.Resource{Name: "db-1", Type: "database"})

	var sawResource bool
	dispatcher := stubDispatcher{fn: func(ctx context.Context, message *core.PipelineMessage) (core.PipelineResults, error) {
		_, sawResource = message.ResourceArgs()["db"]
		return core.PipelineResults{}, nil
	}}

	job := &Job{
		Queue:      queue,
		Dispatcher: dispatcher,
		Resources:  mgr,
		Metrics:    metrics.New(),
		Labels:     metrics.Labels{Executor: "exec1", Pipeline: "pipe"},
	}

	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()

	require.Eventually(t, func() bool { return sawResource }, time.Second, 10*time.Millisecond)

	require.NoError(t, input.Close(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("job.Run never returned after input closed")
	}
}
