package core

import "errors"

// ErrTopicClosed is what the topic.TopicClosedError returned by
// Topic.Publish on a closed topic matches under errors.Is: a terminal,
// non-retryable condition for that message.
var ErrTopicClosed = errors.New("topic is closed")

// ErrJobCancelled is the failure a Remote Executor job reports when the
// executor side finds the dispatching Worker's liveness key gone. Loss
// of the executor's liveness, seen from the Worker, is
// executor.ErrJobLost instead.
var ErrJobCancelled = errors.New("Job Cancelled")
