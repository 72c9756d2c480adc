package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackerSingleResidentMeanEqualsOccupiedFraction(t *testing.T) {
	tr := New()
	labels := Labels{Executor: "e1", Pipeline: "p1"}
	start := time.Unix(0, 0)

	// Resident present for 2s of a 4s collection window: mean
	// occupancy should be 0.5.
	tr.Push(labels, StageExecuting, "msg-1", start)
	tr.Pop(labels, StageExecuting, "msg-1", start.Add(2*time.Second))

	means := tr.Collect(labels, start.Add(4*time.Second))
	require.InDelta(t, 0.5, means[StageExecuting], 1e-9)

	// After collection the accumulator resets: an empty interval with
	// no residents reports zero.
	means = tr.Collect(labels, start.Add(8*time.Second))
	require.InDelta(t, 0.0, means[StageExecuting], 1e-9)
}

func TestTrackerPublishWaitingPublishFlipFlopExclusive(t *testing.T) {
	tr := New()
	labels := Labels{Executor: "e1", Pipeline: "p1"}
	start := time.Unix(0, 0)

	tr.Push(labels, StagePublishing, "msg-1", start)
	tr.Move(labels, StagePublishing, StageWaitingPublish, "msg-1", start.Add(time.Second))
	tr.Move(labels, StageWaitingPublish, StagePublishing, "msg-1", start.Add(3*time.Second))
	tr.Pop(labels, StagePublishing, "msg-1", start.Add(4*time.Second))

	means := tr.Collect(labels, start.Add(4*time.Second))
	// 1s in Publishing, then 2s in WaitingPublish, then 1s back in
	// Publishing: 2s total Publishing + 2s WaitingPublish over a 4s
	// window, never double-counted.
	require.InDelta(t, 0.5, means[StagePublishing], 1e-9)
	require.InDelta(t, 0.5, means[StageWaitingPublish], 1e-9)
}

func TestTrackerMultipleResidents(t *testing.T) {
	tr := New()
	labels := Labels{Executor: "e1", Pipeline: "p1", Job: map[string]string{"region": "us"}}
	start := time.Unix(0, 0)

	tr.Push(labels, StagePolling, "a", start)
	tr.Push(labels, StagePolling, "b", start)
	tr.Pop(labels, StagePolling, "a", start.Add(time.Second))
	tr.Pop(labels, StagePolling, "b", start.Add(2*time.Second))

	means := tr.Collect(labels, start.Add(2*time.Second))
	// Integral = 1s*2 + 1s*1 = 3 message-seconds over a 2s window.
	require.InDelta(t, 1.5, means[StagePolling], 1e-9)
}
