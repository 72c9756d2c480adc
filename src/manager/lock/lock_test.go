package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corepipe/corepipe/src/core"
)

type fakeStore struct {
	assigned   []*Record
	unassigned []*Record
	saved      []*Record
	released   []*Record
}

func (f *fakeStore) AssignedQueues(ctx context.Context, workerID string, selector map[string]string, assignedAfter time.Time) ([]*Record, error) {
	var out []*Record
	for _, r := range f.assigned {
		if r.AssignedTo != nil && *r.AssignedTo == workerID && r.AssignedAt != nil && r.AssignedAt.After(assignedAfter) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) UnassignedQueues(ctx context.Context, assignedBefore time.Time, limit *int, selector map[string]string) ([]*Record, error) {
	out := append([]*Record{}, f.unassigned...)
	if limit != nil && len(out) > *limit {
		out = out[:*limit]
	}
	return out, nil
}

func (f *fakeStore) SaveAssignment(ctx context.Context, record *Record) error {
	f.saved = append(f.saved, record)
	return nil
}

func (f *fakeStore) ReleaseAssignment(ctx context.Context, record *Record) error {
	f.released = append(f.released, record)
	return nil
}

type fakeJobs struct {
	failed map[string]error
}

func (f *fakeJobs) SetFailed(ctx context.Context, jobName string, cause error) error {
	if f.failed == nil {
		f.failed = make(map[string]error)
	}
	f.failed[jobName] = cause
	return nil
}

type fakeStatic struct {
	resources map[string][]ResourceItem
	executors map[string]ExecutorDefinition
}

func (f *fakeStatic) ResourcesByType(resourceType string) ([]ResourceItem, []ResourcesProviderItem, bool) {
	items, ok := f.resources[resourceType]
	return items, nil, ok
}

func (f *fakeStatic) Executor(name string) (ExecutorDefinition, bool) {
	e, ok := f.executors[name]
	return e, ok
}

func record(name, executor string, resourceParam, resourceType string) *Record {
	return &Record{
		Name: name,
		QueueItem: core.QueueItem{
			Name:     name,
			Executor: executor,
			Pipeline: core.PipelineInfo{
				Resources: map[string]string{resourceParam: resourceType},
			},
		},
	}
}

func TestAssignJobsFillsFromUnassignedAndCollectsResourcesAndExecutors(t *testing.T) {
	store := &fakeStore{
		unassigned: []*Record{record("job-a", "exec1", "db", "database")},
	}
	static := &fakeStatic{
		resources: map[string][]ResourceItem{"database": {{Name: "db-1", Type: "database"}}},
		executors: map[string]ExecutorDefinition{"exec1": {Name: "exec1"}},
	}

	resp, err := AssignJobs(context.Background(), Input{WorkerID: "w1"}, Options{
		MaxAssignedItems: 10,
		Static:           static,
		Queues:           store,
		Jobs:             &fakeJobs{},
		Now:              func() time.Time { return time.Unix(1000, 0) },
	})

	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	require.Equal(t, "job-a", resp.Items[0].Name)
	require.Len(t, resp.Resources, 1)
	require.Equal(t, "db-1", resp.Resources[0].Name)
	require.Len(t, resp.Executors, 1)
	require.Len(t, store.saved, 1)
	require.NotNil(t, store.saved[0].AssignedAt)
	require.Equal(t, "w1", *store.saved[0].AssignedTo)
}

func TestAssignJobsDropsMissingResource(t *testing.T) {
	store := &fakeStore{unassigned: []*Record{record("job-a", "exec1", "db", "database")}}
	static := &fakeStatic{
		resources: map[string][]ResourceItem{},
		executors: map[string]ExecutorDefinition{"exec1": {Name: "exec1"}},
	}

	resp, err := AssignJobs(context.Background(), Input{WorkerID: "w1"}, Options{
		MaxAssignedItems: 10,
		Static:           static,
		Queues:           store,
		Jobs:             &fakeJobs{},
		Now:              func() time.Time { return time.Unix(1000, 0) },
	})
	require.NoError(t, err)
	require.Empty(t, resp.Items)
	require.Empty(t, store.saved)
}

func TestAssignJobsDropsUnknownExecutor(t *testing.T) {
	store := &fakeStore{unassigned: []*Record{record("job-a", "ghost-executor", "db", "database")}}
	static := &fakeStatic{
		resources: map[string][]ResourceItem{"database": {{Name: "db-1", Type: "database"}}},
		executors: map[string]ExecutorDefinition{},
	}

	resp, err := AssignJobs(context.Background(), Input{WorkerID: "w1"}, Options{
		MaxAssignedItems: 10,
		Static:           static,
		Queues:           store,
		Jobs:             &fakeJobs{},
		Now:              func() time.Time { return time.Unix(1000, 0) },
	})
	require.NoError(t, err)
	require.Empty(t, resp.Items)
}

func TestAssignJobsCapsAndReleasesExcess(t *testing.T) {
	now := time.Unix(100000, 0)
	assignedAt := now.Add(-time.Minute)
	w1 := "w1"

	assigned := []*Record{
		{Name: "job-1", AssignedAt: &assignedAt, AssignedTo: &w1, QueueItem: core.QueueItem{Name: "job-1", Executor: "exec1"}},
		{Name: "job-2", AssignedAt: &assignedAt, AssignedTo: &w1, QueueItem: core.QueueItem{Name: "job-2", Executor: "exec1"}},
	}
	store := &fakeStore{assigned: assigned}
	static := &fakeStatic{executors: map[string]ExecutorDefinition{"exec1": {Name: "exec1"}}}

	resp, err := AssignJobs(context.Background(), Input{WorkerID: "w1"}, Options{
		MaxAssignedItems: 1,
		Static:           static,
		Queues:           store,
		Jobs:             &fakeJobs{},
		Now:              func() time.Time { return now },
	})

	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	require.Equal(t, "job-1", resp.Items[0].Name)
	require.Len(t, store.released, 1)
	require.Equal(t, "job-2", store.released[0].Name)
	require.Nil(t, store.released[0].AssignedAt)
	require.Nil(t, store.released[0].AssignedTo)
}

func TestAssignJobsMarksJobFailedOnJoinDefinitionsError(t *testing.T) {
	r := record("job-a", "exec1", "db", "database")
	r.JobName = "job-a"
	store := &fakeStore{unassigned: []*Record{r}}
	jobs := &fakeJobs{}
	static := &fakeStatic{executors: map[string]ExecutorDefinition{"exec1": {Name: "exec1"}}}

	joinErr := errors.New("definitions not found")
	resp, err := AssignJobs(context.Background(), Input{WorkerID: "w1"}, Options{
		MaxAssignedItems: 10,
		Static:           static,
		Queues:           store,
		Jobs:             jobs,
		JoinDefinitions:  func(record *Record, s StaticDefinitions) error { return joinErr },
		Now:              func() time.Time { return time.Unix(1000, 0) },
	})

	require.NoError(t, err)
	require.Empty(t, resp.Items)
	require.Equal(t, joinErr, jobs.failed["job-a"])
}

func TestAssignJobsFiltersByRequestedExecutorsWithoutCappingFill(t *testing.T) {
	store := &fakeStore{
		unassigned: []*Record{
			record("job-a", "exec1", "db", "database"),
			record("job-b", "exec2", "db", "database"),
		},
	}
	static := &fakeStatic{
		resources: map[string][]ResourceItem{"database": {{Name: "db-1", Type: "database"}}},
		executors: map[string]ExecutorDefinition{"exec1": {Name: "exec1"}, "exec2": {Name: "exec2"}},
	}

	resp, err := AssignJobs(context.Background(), Input{WorkerID: "w1", Executors: []string{"exec2"}}, Options{
		MaxAssignedItems: 1,
		Static:           static,
		Queues:           store,
		Jobs:             &fakeJobs{},
		Now:              func() time.Time { return time.Unix(1000, 0) },
	})

	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	require.Equal(t, "job-b", resp.Items[0].Name)
}
