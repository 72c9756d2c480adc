// Package metrics implements Usage Metrics (spec.md §4.7): per
// (executor, pipeline, job-labels) tracking of the time messages
// spend resident in each pipeline stage, modeled as a running
// integral flushed into a nanosecond accumulator on every push/pop.
// Grounded on the teacher's src/performance/monitoring.go counters
// (push/pop-style gauge bookkeeping flushed on every mutation) adapted
// from a generic metrics registry to the stage-residency integral
// spec.md §4.7 specifies.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage names tracked per spec.md §4.7. Publishing and WaitingPublish
// deliberately flip-flop across OnOutputBlocked; a message is never in
// both at once (Open Question (a): the source pops-then-pushes, which
// implies exclusivity, and we adopt that).
type Stage string

const (
	StagePolling           Stage = "polling"
	StageScheduling        Stage = "scheduling"
	StageSubmitting        Stage = "submitting"
	StageExecuting         Stage = "executing"
	StageProcessingResults Stage = "processing_results"
	StagePublishing        Stage = "publishing"
	StageWaitingPublish    Stage = "waiting_publish"
)

// AllStages lists every stage spec.md §4.7 tracks, in pipeline order.
// Used to sweep a resident out of whichever stage it's still in
// without each caller having to track that itself — Pop is a no-op on
// a stage the resident isn't in, so sweeping the whole list is safe.
func AllStages() []Stage {
	return []Stage{
		StagePolling,
		StageScheduling,
		StageSubmitting,
		StageExecuting,
		StageProcessingResults,
		StagePublishing,
		StageWaitingPublish,
	}
}

// Labels identifies one (executor, pipeline, job-labels) tuple whose
// stage residency is tracked and collected independently.
type Labels struct {
	Executor string
	Pipeline string
	Job      map[string]string
}

func (l Labels) key() string {
	parts := make([]string, 0, len(l.Job))
	for k, v := range l.Job {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s\x00%s\x00%s", l.Executor, l.Pipeline, strings.Join(parts, ","))
}

type stageState struct {
	residents     map[interface{}]struct{}
	lastEventAt   time.Time
	accumulatedNs int64
}

func newStageState(now time.Time) *stageState {
	return &stageState{residents: make(map[interface{}]struct{}), lastEventAt: now}
}

// flush folds the elapsed×residents integral since the last event
// into the accumulator, without changing the resident set.
func (s *stageState) flush(now time.Time) {
	if now.After(s.lastEventAt) {
		elapsed := now.Sub(s.lastEventAt)
		s.accumulatedNs += elapsed.Nanoseconds() * int64(len(s.residents))
	}
	s.lastEventAt = now
}

type tupleState struct {
	stages        map[Stage]*stageState
	lastCollected time.Time
}

// Tracker is the Usage Metrics accumulator. Zero value is not usable;
// construct with New.
type Tracker struct {
	mu     sync.Mutex
	tuples map[string]*tupleState
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{tuples: make(map[string]*tupleState)}
}

func (t *Tracker) tupleLocked(labels Labels, now time.Time) *tupleState {
	k := labels.key()
	tp, ok := t.tuples[k]
	if !ok {
		tp = &tupleState{stages: make(map[Stage]*stageState), lastCollected: now}
		t.tuples[k] = tp
	}
	return tp
}

func (tp *tupleState) stageLocked(stage Stage, now time.Time) *stageState {
	s, ok := tp.stages[stage]
	if !ok {
		s = newStageState(now)
		tp.stages[stage] = s
	}
	return s
}

// Push marks resident as having entered stage at now.
func (t *Tracker) Push(labels Labels, stage Stage, resident interface{}, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp := t.tupleLocked(labels, now)
	s := tp.stageLocked(stage, now)
	s.flush(now)
	s.residents[resident] = struct{}{}
}

// Pop marks resident as having left stage at now. Popping a resident
// not currently in the stage is a no-op.
func (t *Tracker) Pop(labels Labels, stage Stage, resident interface{}, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp := t.tupleLocked(labels, now)
	s := tp.stageLocked(stage, now)
	s.flush(now)
	delete(s.residents, resident)
}

// Move pops resident from `from` and pushes it to `to` at the same
// instant, the flip-flop OnOutputBlocked needs between Publishing and
// WaitingPublish without double-counting the transition instant.
func (t *Tracker) Move(labels Labels, from, to Stage, resident interface{}, now time.Time) {
	t.Pop(labels, from, resident, now)
	t.Push(labels, to, resident, now)
}

// Collect flushes every tracked stage for labels up to now, returns
// the mean resident count over the collection interval for each
// stage, then resets the accumulator for the next interval.
func (t *Tracker) Collect(labels Labels, now time.Time) map[Stage]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp := t.tupleLocked(labels, now)
	interval := now.Sub(tp.lastCollected)
	out := make(map[Stage]float64, len(tp.stages))

	for stage, s := range tp.stages {
		s.flush(now)
		if interval > 0 {
			out[stage] = float64(s.accumulatedNs) / float64(interval.Nanoseconds())
		}
		s.accumulatedNs = 0
	}

	tp.lastCollected = now
	return out
}
