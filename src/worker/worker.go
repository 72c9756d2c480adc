// Package worker ties the per-job pieces together into the runnable
// loop spec.md §4 describes: polled → scheduled → submitted →
// executed → results-processed → published. Grounded directly on the
// original's ExecutableQueue.run/ExecutableMessage.attach_resources
// orchestration (worker/executors/executable.py) and
// bootstrap.py's result classification, expressed as an explicit Go
// loop instead of an async generator.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/executable"
	"github.com/corepipe/corepipe/src/worker/hooks"
	"github.com/corepipe/corepipe/src/worker/metrics"
	"github.com/corepipe/corepipe/src/worker/resources"
	"github.com/corepipe/corepipe/src/worker/tasksrunner"
	"github.com/corepipe/corepipe/src/worker/topic"
)

// Dispatcher is the Remote Executor boundary a Job submits messages
// across; executor.Dispatcher satisfies this.
type Dispatcher interface {
	Submit(ctx context.Context, message *core.PipelineMessage) (core.PipelineResults, error)
}

// SubmitHook wraps every dispatch to the Remote Executor with
// arbitrary middleware (retries, tracing spans, …); it is independent
// of stage-residency tracking, which goes through the stage hooks
// below instead.
type SubmitHook = hooks.ContextHook[*core.PipelineMessage, core.PipelineResults]

// Job runs one ExecutableQueue to completion: it drains its
// ExecutableMessages, acquiring declared resources, dispatching
// through the Remote Executor, classifying results into output
// publishes and resource updates, and firing a hook at every stage
// transition spec.md §4.3 names ("polled, scheduled, submitted,
// executed, results_processed, published, output_blocked. Each has a
// hook point.") so that Usage Metrics — or any other observer, e.g. a
// tracing span — can subscribe without the Job calling it directly.
type Job struct {
	Queue      *executable.ExecutableQueue
	Dispatcher Dispatcher
	Resources  *resources.Manager
	Metrics    *metrics.Tracker
	SubmitHook *SubmitHook

	// Labels identifies this job's tuple in the shared Tracker.
	Labels metrics.Labels

	// MaxInFlight bounds how many ExecutableMessages this Job processes
	// concurrently; zero means the ExecutableQueue's own per-job
	// MaxConcurrency (if any) is the only ceiling.
	MaxInFlight int

	// Stage hook points. Queue.MessagePolled covers "polled"; these
	// cover the rest. WireMetrics registers the Tracker on all of them;
	// callers are free to Register further handlers of their own (a
	// tracing span start/stop, for instance).
	Scheduled        hooks.EventHook[*core.PipelineMessage]
	Submitted        hooks.EventHook[*core.PipelineMessage]
	Executed         hooks.EventHook[*core.PipelineMessage]
	ResultsProcessed hooks.EventHook[*core.PipelineMessage]
	Published        hooks.EventHook[*core.PipelineMessage]
	OutputBlocked    hooks.EventHook[*core.PipelineMessage]

	// stageComplete is a safety net fired once a message leaves
	// processMessage by any path (success, dispatch error, or resource
	// acquisition failure): it sweeps every stage the message might
	// still be resident in, so an early return never leaks residency.
	stageComplete hooks.EventHook[*core.PipelineMessage]
}

// WireMetrics registers j.Metrics as the Usage Metrics subscriber on
// every stage hook point (spec.md §4.7), translating each transition
// into the Tracker's Push/Pop/Move calls. Call once per Job, before
// Run; each call registers another set of handlers. The Tracker may be
// shared across Jobs — e.g. one process-wide Tracker for every Job, as
// cmd/corepipe-worker does.
func (j *Job) WireMetrics() {
	on := func(hook *hooks.EventHook[*core.PipelineMessage], fn func(pm *core.PipelineMessage, now time.Time)) {
		hook.Register(func(ctx context.Context, pm *core.PipelineMessage) error {
			fn(pm, time.Now())
			return nil
		})
	}

	on(&j.Queue.MessagePolled, func(pm *core.PipelineMessage, now time.Time) {
		j.Metrics.Push(j.Labels, metrics.StagePolling, pm, now)
	})
	on(&j.Scheduled, func(pm *core.PipelineMessage, now time.Time) {
		j.Metrics.Move(j.Labels, metrics.StagePolling, metrics.StageScheduling, pm, now)
	})
	on(&j.Submitted, func(pm *core.PipelineMessage, now time.Time) {
		j.Metrics.Move(j.Labels, metrics.StageScheduling, metrics.StageSubmitting, pm, now)
	})
	on(&j.Executed, func(pm *core.PipelineMessage, now time.Time) {
		j.Metrics.Move(j.Labels, metrics.StageSubmitting, metrics.StageExecuting, pm, now)
	})
	on(&j.ResultsProcessed, func(pm *core.PipelineMessage, now time.Time) {
		j.Metrics.Move(j.Labels, metrics.StageExecuting, metrics.StageProcessingResults, pm, now)
	})
	on(&j.Published, func(pm *core.PipelineMessage, now time.Time) {
		j.Metrics.Pop(j.Labels, metrics.StageWaitingPublish, pm, now)
		j.Metrics.Move(j.Labels, metrics.StageProcessingResults, metrics.StagePublishing, pm, now)
	})
	on(&j.OutputBlocked, func(pm *core.PipelineMessage, now time.Time) {
		j.Metrics.Move(j.Labels, metrics.StagePublishing, metrics.StageWaitingPublish, pm, now)
	})
	on(&j.stageComplete, func(pm *core.PipelineMessage, now time.Time) {
		for _, s := range metrics.AllStages() {
			j.Metrics.Pop(j.Labels, s, pm, now)
		}
	})
}

// Run drains the Job's queue until ctx is cancelled or the queue's
// input is exhausted, processing each message in its own supervised
// goroutine.
func (j *Job) Run(ctx context.Context) error {
	if err := j.Queue.Open(ctx); err != nil {
		return fmt.Errorf("worker: open job %s: %w", j.Queue.Name, err)
	}
	defer j.Queue.Close(ctx)

	messages, err := j.Queue.Run(ctx)
	if err != nil {
		return fmt.Errorf("worker: run job %s: %w", j.Queue.Name, err)
	}

	group := tasksrunner.New(ctx, nil)

	var sem chan struct{}
	if j.MaxInFlight > 0 {
		sem = make(chan struct{}, j.MaxInFlight)
	}

	for msg := range messages {
		msg := msg
		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				msg.Close(ctx, ctx.Err())
				continue
			}
		}

		group.Go(fmt.Sprintf("job/%s/message/%s", j.Queue.Name, msg.Pipeline.Message.ID), func(taskCtx context.Context) error {
			if sem != nil {
				defer func() { <-sem }()
			}
			return j.processMessage(taskCtx, msg)
		})
	}

	group.Stop()
	return firstError(group.Errors())
}

func firstError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// processMessage runs one message through resource acquisition,
// dispatch, and result publication, always closing the message
// exactly once. Every stage transition fires the matching Job hook
// instead of touching Metrics directly; stageComplete sweeps residency
// on every exit path, including the early returns below.
func (j *Job) processMessage(ctx context.Context, msg *executable.ExecutableMessage) error {
	pm := msg.Pipeline
	defer j.stageComplete.Emit(ctx, pm)

	j.Scheduled.Emit(ctx, pm)
	lease, err := j.acquireResources(ctx, msg)
	if err != nil {
		return msg.Close(ctx, fmt.Errorf("worker: acquire resources: %w", err))
	}
	if lease != nil {
		defer func() {
			if releaseErr := lease.Release(ctx); releaseErr != nil {
				log.Ctx(ctx).Error().Err(releaseErr).Str("job", j.Queue.Name).Msg("worker: failed to release resource lease")
			}
		}()
	}

	j.Submitted.Emit(ctx, pm)
	submit := j.Dispatcher.Submit
	if j.SubmitHook != nil {
		submit = j.SubmitHook.Emit(submit)
	}

	j.Executed.Emit(ctx, pm)
	results, execErr := submit(ctx, pm)
	if execErr != nil {
		return msg.Close(ctx, execErr)
	}

	j.ResultsProcessed.Emit(ctx, pm)
	if lease != nil {
		applyResourcesUsed(lease, results.Resources)
	}

	j.Published.Emit(ctx, pm)
	pubErr := j.publishOutputs(ctx, msg, results.Outputs)

	return msg.Close(ctx, pubErr)
}

func (j *Job) acquireResources(ctx context.Context, msg *executable.ExecutableMessage) (*resources.Lease, error) {
	types := make([]string, 0, len(msg.Pipeline.Info.Resources))
	for _, t := range msg.Pipeline.Info.Resources {
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, nil
	}

	lease, err := j.Resources.Acquire(ctx, types)
	if err != nil {
		return nil, err
	}

	data := make(map[string]interface{}, len(msg.Pipeline.Info.Resources))
	for param, resourceType := range msg.Pipeline.Info.Resources {
		rc, ok := lease.Get(resourceType)
		if !ok {
			continue
		}
		entry := map[string]interface{}{"name": rc.Name(), "state": rc.State()}
		for k, v := range rc.Data() {
			entry[k] = v
		}
		data[param] = entry
	}
	msg.Pipeline.UpdateWithResources(data)

	return lease, nil
}

// applyResourcesUsed mirrors ExecutableMessage.update_resources_used:
// a pipeline may rewrite a leased resource's stored state and/or defer
// its next availability.
func applyResourcesUsed(lease *resources.Lease, used []core.ResourceUsed) {
	for _, u := range used {
		rc, ok := lease.Get(u.Type)
		if !ok {
			continue
		}
		if u.State != nil {
			rc.UpdateState(u.State)
		}
		if u.ReleaseAt != nil {
			rc.ReleaseLater(time.Unix(0, int64(*u.ReleaseAt*float64(time.Second))))
		}
	}
}

// publishOutputs writes every PipelineOutput to its named output
// topics, parking the message and flipping its metrics stage between
// Publishing and WaitingPublish while back-pressured, the same
// exclusivity the original's OnOutputBlocked hook models.
func (j *Job) publishOutputs(ctx context.Context, msg *executable.ExecutableMessage, outputs []core.PipelineOutput) error {
	for _, out := range outputs {
		topics, ok := j.Queue.Outputs[out.Channel]
		if !ok {
			log.Ctx(ctx).Warn().Str("channel", out.Channel).Msg("worker: dropping output, channel not wired")
			continue
		}
		for _, t := range topics {
			if err := j.publishOne(ctx, msg, t, out.Message); err != nil {
				return fmt.Errorf("worker: publish to %s: %w", out.Channel, err)
			}
		}
	}
	return nil
}

func (j *Job) publishOne(ctx context.Context, msg *executable.ExecutableMessage, t topic.Topic, message core.TopicMessage) error {
	accepted, err := t.Publish(ctx, message, false)
	if err != nil {
		return err
	}
	if accepted {
		return nil
	}

	j.OutputBlocked.Emit(ctx, msg.Pipeline)
	j.Queue.Parkers.Park(msg)

	_, err = t.Publish(ctx, message, true)
	// Re-emits Published: its handler moves the resident back from
	// WaitingPublish to Publishing, the unblocked half of the
	// OutputBlocked transition above.
	j.Published.Emit(ctx, msg.Pipeline)
	j.Queue.Parkers.Unpark(msg)
	return err
}
