// Package executable implements the ExecutableQueue and
// ExecutableMessage (spec.md §3, §4.1): the per-job lazy sequence of
// in-flight messages that moves a TopicMessage from polled through
// cooperative back-pressure into the caller's scoped execution.
package executable

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/hooks"
	"github.com/corepipe/corepipe/src/worker/parkers"
	"github.com/corepipe/corepipe/src/worker/topic"
)

// CleanupFunc runs on every exit path of an ExecutableMessage's scope:
// success, pipeline error, or cancellation.
type CleanupFunc func(ctx context.Context, execErr error) error

// ExecutableMessage is one in-flight unit owned by exactly one
// ExecutableQueue.
type ExecutableMessage struct {
	Pipeline *core.PipelineMessage

	queue     *ExecutableQueue
	delivery  topic.Delivery
	cleanups  []CleanupFunc
	closeOnce sync.Once
	semToken  struct{ held bool }
}

// AddCleanup pushes a cleanup function onto the scoped cleanup stack.
// Cleanups run in LIFO order on Close, guaranteed to completion on
// every exit path.
func (m *ExecutableMessage) AddCleanup(fn CleanupFunc) {
	m.cleanups = append(m.cleanups, fn)
}

// Close runs the cleanup stack in reverse, acks or nacks the
// underlying delivery, releases the concurrency slot if one was held,
// and decrements the queue's pending counter exactly once.
func (m *ExecutableMessage) Close(ctx context.Context, execErr error) error {
	var closeErr error
	m.closeOnce.Do(func() {
		for i := len(m.cleanups) - 1; i >= 0; i-- {
			if err := m.cleanups[i](ctx, execErr); err != nil && closeErr == nil {
				closeErr = err
			}
		}

		if m.delivery != nil {
			if execErr != nil {
				_ = m.delivery.Nack(ctx, execErr)
			} else {
				_ = m.delivery.Ack(ctx)
			}
		}

		m.queue.releaseConcurrencySlot(m)
		m.queue.decrementPending()
	})
	return closeErr
}

// ExecutableQueue drains one job's input topic into a lazy sequence of
// ExecutableMessages, applying back-pressure, optional batching, and a
// per-job concurrency ceiling.
type ExecutableQueue struct {
	Name     string
	Pipeline core.PipelineInfo
	Input    topic.Topic
	Outputs  map[string][]topic.Topic
	Options  core.JobOptions

	Parkers *parkers.Parkers

	MessagePolled hooks.EventHook[*core.PipelineMessage]
	ItemsBatched  hooks.EventHook[[]*core.PipelineMessage]

	pending    int64
	pendingMu  sync.Mutex
	pendingSig chan struct{}

	sem chan struct{}

	closedMu sync.Mutex
	closed   bool
}

// New builds an ExecutableQueue. Open must be called before Run.
func New(name string, pipeline core.PipelineInfo, input topic.Topic, outputs map[string][]topic.Topic, opts core.JobOptions) *ExecutableQueue {
	q := &ExecutableQueue{
		Name:       name,
		Pipeline:   pipeline,
		Input:      input,
		Outputs:    outputs,
		Options:    opts,
		Parkers:    parkers.New(),
		pendingSig: make(chan struct{}),
	}
	if opts.MaxConcurrency > 0 {
		q.sem = make(chan struct{}, opts.MaxConcurrency)
	}
	return q
}

// Open opens the input topic and every output topic. Idempotent.
func (q *ExecutableQueue) Open(ctx context.Context) error {
	if err := q.Input.Open(ctx); err != nil {
		return fmt.Errorf("executable: open input topic: %w", err)
	}
	for _, outs := range q.Outputs {
		for _, out := range outs {
			if err := out.Open(ctx); err != nil {
				return fmt.Errorf("executable: open output topic: %w", err)
			}
		}
	}
	return nil
}

// Run yields ExecutableMessages. The caller must Close every message
// it receives exactly once.
func (q *ExecutableQueue) Run(ctx context.Context) (<-chan *ExecutableMessage, error) {
	deliveries, err := q.Input.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("executable: run input topic: %w", err)
	}

	source := deliveries
	if q.Options.BatchingEnabled {
		source = q.batch(ctx, deliveries)
	}

	out := make(chan *ExecutableMessage)
	go func() {
		defer close(out)
		for d := range source {
			msg, ok := q.buildExecutable(ctx, d)
			if !ok {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				msg.Close(ctx, ctx.Err())
				return
			}
		}
	}()
	return out, nil
}

func (q *ExecutableQueue) buildExecutable(ctx context.Context, d topic.Delivery) (*ExecutableMessage, bool) {
	raw := d.Message()
	extended := raw.Extend(q.Pipeline.Args)
	pm := core.NewPipelineMessage(q.Pipeline, extended)

	if q.sem != nil {
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, false
		}
	}

	q.MessagePolled.Emit(ctx, pm)

	if err := q.Parkers.WaitContext(ctx); err != nil {
		if q.sem != nil {
			<-q.sem
		}
		return nil, false
	}

	q.incrementPending()

	msg := &ExecutableMessage{
		Pipeline: pm,
		queue:    q,
		delivery: d,
	}
	if q.sem != nil {
		msg.semToken.held = true
	}
	return msg, true
}

// batch groups deliveries into batches of up to BufferSize, flushing
// after BufferFlushAfter if the batch is incomplete, then flattens
// back to a single-item stream. Ordering within and across batches is
// preserved.
func (q *ExecutableQueue) batch(ctx context.Context, in <-chan topic.Delivery) <-chan topic.Delivery {
	out := make(chan topic.Delivery)
	go func() {
		defer close(out)
		size := q.Options.BufferSize
		if size <= 0 {
			size = 1
		}
		flushAfter := q.Options.BufferFlushAfter
		if flushAfter <= 0 {
			flushAfter = 5 * time.Second
		}

		var batchItems []topic.Delivery
		timer := time.NewTimer(flushAfter)
		defer timer.Stop()

		flush := func() {
			if len(batchItems) == 0 {
				return
			}
			pipelineBatch := make([]*core.PipelineMessage, 0, len(batchItems))
			for _, d := range batchItems {
				extended := d.Message().Extend(q.Pipeline.Args)
				pipelineBatch = append(pipelineBatch, core.NewPipelineMessage(q.Pipeline, extended))
			}
			q.ItemsBatched.Emit(ctx, pipelineBatch)
			for _, d := range batchItems {
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
			batchItems = nil
		}

		for {
			select {
			case d, ok := <-in:
				if !ok {
					flush()
					return
				}
				batchItems = append(batchItems, d)
				if len(batchItems) >= size {
					flush()
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(flushAfter)
				}
			case <-timer.C:
				flush()
				timer.Reset(flushAfter)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (q *ExecutableQueue) incrementPending() {
	atomic.AddInt64(&q.pending, 1)
}

func (q *ExecutableQueue) decrementPending() {
	if atomic.AddInt64(&q.pending, -1) == 0 {
		q.pendingMu.Lock()
		close(q.pendingSig)
		q.pendingSig = make(chan struct{})
		q.pendingMu.Unlock()
	}
}

func (q *ExecutableQueue) releaseConcurrencySlot(m *ExecutableMessage) {
	if m.semToken.held && q.sem != nil {
		<-q.sem
	}
}

// PendingCount returns the number of ExecutableMessages currently
// outside their cleanup scope.
func (q *ExecutableQueue) PendingCount() int64 {
	return atomic.LoadInt64(&q.pending)
}

// Close marks the queue closed, closes the input topic, blocks until
// every pending message has been closed, then closes every output
// topic. Safe to call twice.
func (q *ExecutableQueue) Close(ctx context.Context) error {
	q.closedMu.Lock()
	if q.closed {
		q.closedMu.Unlock()
		return nil
	}
	q.closed = true
	q.closedMu.Unlock()

	if err := q.Input.Close(ctx); err != nil {
		return fmt.Errorf("executable: close input topic: %w", err)
	}

	for {
		q.pendingMu.Lock()
		sig := q.pendingSig
		q.pendingMu.Unlock()
		if atomic.LoadInt64(&q.pending) == 0 {
			break
		}
		select {
		case <-sig:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, outs := range q.Outputs {
		for _, out := range outs {
			if err := out.Close(ctx); err != nil {
				return fmt.Errorf("executable: close output topic: %w", err)
			}
		}
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (q *ExecutableQueue) IsClosed() bool {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()
	return q.closed
}
