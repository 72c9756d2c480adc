// Package lock implements the Manager's lease assignment algorithm
// (spec.md §6): given a Worker's LockInput, decide which QueueItems it
// keeps, which it releases, and which new ones it picks up, collecting
// the resources and executors those items require along the way.
// Faithfully ported from the original's
// worker_manager/services/lock.py:lock_jobs (original_source/), which
// spec.md §6 only summarizes.
package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corepipe/corepipe/src/core"
)

// AssignmentExpiry is how long a worker's existing assignment stays
// valid without being refreshed (spec.md §6: "newer than now − 15
// minutes").
const AssignmentExpiry = 15 * time.Minute

// Input is the Worker's lease request.
type Input struct {
	WorkerID  string
	Selector  map[string]string
	Executors []string
}

// Record is one queue's assignment bookkeeping alongside its
// definition. JobName is empty for queues with no associated job
// (join-definition failures then have nothing to mark failed).
type Record struct {
	Name       string
	QueueItem  core.QueueItem
	AssignedAt *time.Time
	AssignedTo *string
	JobName    string
}

// ResourceItem and ResourcesProviderItem are catalog entries collected
// for the response; exact shape is a thin placeholder for the
// out-of-core catalog store (spec.md §1).
type ResourceItem struct {
	Name string
	Type string
}

type ResourcesProviderItem struct {
	Name string
	Type string
}

// ExecutorDefinition is a catalog entry for a registered executor.
type ExecutorDefinition struct {
	Name string
}

// Response is the Manager's answer to a lease request.
type Response struct {
	Items              []core.QueueItem
	Resources          []ResourceItem
	ResourcesProviders []ResourcesProviderItem
	Executors          []ExecutorDefinition
}

// QueueStore is the out-of-core catalog collaborator for queue
// assignment bookkeeping (spec.md §1: "SQL-backed stores" are a named
// collaborator behind a thin port).
type QueueStore interface {
	AssignedQueues(ctx context.Context, workerID string, selector map[string]string, assignedAfter time.Time) ([]*Record, error)
	UnassignedQueues(ctx context.Context, assignedBefore time.Time, limit *int, selector map[string]string) ([]*Record, error)
	SaveAssignment(ctx context.Context, record *Record) error
	ReleaseAssignment(ctx context.Context, record *Record) error
}

// JobsStore marks a job failed when its queue's definitions can't be
// joined (spec.md §6: "On any exception during join_definitions for a
// queue, mark its job failed").
type JobsStore interface {
	SetFailed(ctx context.Context, jobName string, cause error) error
}

// StaticDefinitions resolves resource types and executor names against
// the catalog loaded from static definitions (spec.md §1's
// "static-definition loading" collaborator).
type StaticDefinitions interface {
	ResourcesByType(resourceType string) (items []ResourceItem, providers []ResourcesProviderItem, ok bool)
	Executor(name string) (ExecutorDefinition, bool)
}

// JoinDefinitions resolves a record's queue item's pipeline/executor
// definitions, erroring if the queue's definitions can't be joined
// against the catalog (the original's Queue.join_definitions).
type JoinDefinitions func(record *Record, static StaticDefinitions) error

// Options configures AssignJobs.
type Options struct {
	MaxAssignedItems int
	Static           StaticDefinitions
	Queues           QueueStore
	Jobs             JobsStore
	JoinDefinitions  JoinDefinitions
	Now              func() time.Time
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// AssignJobs runs the full assignment algorithm and returns the final
// lease response.
func AssignJobs(ctx context.Context, input Input, opts Options) (Response, error) {
	now := opts.now()
	expiryCutoff := now.Add(-AssignmentExpiry)

	assigned, err := opts.Queues.AssignedQueues(ctx, input.WorkerID, input.Selector, expiryCutoff)
	if err != nil {
		return Response{}, err
	}

	// Cap at max_assigned_items; excess previously-assigned items are
	// released.
	if opts.MaxAssignedItems > 0 && len(assigned) > opts.MaxAssignedItems {
		for _, excess := range assigned[opts.MaxAssignedItems:] {
			excess.AssignedAt = nil
			excess.AssignedTo = nil
			if err := opts.Queues.ReleaseAssignment(ctx, excess); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("queue", excess.Name).Msg("lock: failed to release excess assignment")
			}
		}
		assigned = assigned[:opts.MaxAssignedItems]
	}

	// Fill remaining slots from unassigned items. With Executors set,
	// don't cap the fill — it's filtered by executor below instead.
	if opts.MaxAssignedItems == 0 || len(assigned) < opts.MaxAssignedItems {
		var limit *int
		if len(input.Executors) == 0 && opts.MaxAssignedItems > 0 {
			remaining := opts.MaxAssignedItems - len(assigned)
			limit = &remaining
		}
		fresh, err := opts.Queues.UnassignedQueues(ctx, expiryCutoff, limit, input.Selector)
		if err != nil {
			return Response{}, err
		}
		assigned = append(assigned, fresh...)
	}

	assigned = joinAndFilterByExecutor(ctx, assigned, input.Executors, opts)

	resources := make(map[string]ResourceItem)
	providers := make(map[string]ResourcesProviderItem)
	executors := make(map[string]ExecutorDefinition)

	final := make([]*Record, 0, len(assigned))
	for _, record := range assigned {
		itemResources, itemProviders, ok := collectResources(ctx, record, opts.Static)
		if !ok {
			continue
		}

		executorName := record.QueueItem.Executor
		executor, ok := opts.Static.Executor(executorName)
		if !ok {
			log.Ctx(ctx).Error().Str("item", record.Name).Str("executor", executorName).
				Msg("lock: skipping queue item, executor missing")
			continue
		}

		for k, v := range itemResources {
			resources[k] = v
		}
		for k, v := range itemProviders {
			providers[k] = v
		}
		executors[executor.Name] = executor
		final = append(final, record)
	}

	newAssignedAt := opts.now()
	for _, record := range final {
		record.AssignedAt = &newAssignedAt
		record.AssignedTo = &input.WorkerID
		if err := opts.Queues.SaveAssignment(ctx, record); err != nil {
			return Response{}, err
		}
	}

	return buildResponse(final, resources, providers, executors), nil
}

// joinAndFilterByExecutor joins each record's definitions, marking its
// job failed and dropping it on error; records that resolved fine but
// don't match a requested executor filter are dropped without
// touching the job.
func joinAndFilterByExecutor(ctx context.Context, assigned []*Record, requestedExecutors []string, opts Options) []*Record {
	kept := make([]*Record, 0, len(assigned))
	for _, record := range assigned {
		if opts.JoinDefinitions != nil {
			if err := opts.JoinDefinitions(record, opts.Static); err != nil {
				if record.JobName != "" {
					if setErr := opts.Jobs.SetFailed(ctx, record.JobName, err); setErr != nil {
						log.Ctx(ctx).Error().Err(setErr).Str("job", record.JobName).Msg("lock: failed to mark job failed")
					}
				}
				continue
			}
		}

		if len(requestedExecutors) > 0 && !contains(requestedExecutors, record.QueueItem.Executor) {
			continue
		}
		kept = append(kept, record)
	}
	return kept
}

func collectResources(ctx context.Context, record *Record, static StaticDefinitions) (map[string]ResourceItem, map[string]ResourcesProviderItem, bool) {
	items := make(map[string]ResourceItem)
	providers := make(map[string]ResourcesProviderItem)

	for _, resourceType := range record.QueueItem.Pipeline.Resources {
		foundItems, foundProviders, ok := static.ResourcesByType(resourceType)
		if !ok || (len(foundItems) == 0 && len(foundProviders) == 0) {
			log.Ctx(ctx).Error().Str("item", record.Name).Str("resource", resourceType).
				Msg("lock: skipping queue item, resource missing")
			return nil, nil, false
		}
		for _, r := range foundItems {
			items[r.Name] = r
		}
		for _, p := range foundProviders {
			providers[p.Name] = p
		}
	}
	return items, providers, true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func buildResponse(final []*Record, resources map[string]ResourceItem, providers map[string]ResourcesProviderItem, executors map[string]ExecutorDefinition) Response {
	items := make([]core.QueueItem, 0, len(final))
	for _, record := range final {
		items = append(items, record.QueueItem)
	}

	resp := Response{
		Items:              items,
		Resources:          sortedResourceItems(resources),
		ResourcesProviders: sortedProviderItems(providers),
		Executors:          sortedExecutors(executors),
	}
	return resp
}
