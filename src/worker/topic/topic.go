// Package topic defines the Topic contract (spec.md §4.8) that every
// transport — file, null, broker, S3 archival — implements.
package topic

import (
	"context"

	"github.com/corepipe/corepipe/src/core"
)

// TopicClosedError is returned when Publish is called against a closed
// topic, a distinct terminal error callers must treat as fatal for
// that message (spec.md §7). It matches core.ErrTopicClosed under
// errors.Is.
type TopicClosedError struct {
	Topic string
}

func (e *TopicClosedError) Error() string {
	return "topic closed: " + e.Topic
}

func (e *TopicClosedError) Unwrap() error {
	return core.ErrTopicClosed
}

// Delivery is a scoped handle for one consumed message: entering
// succeeded consumption, Ack acknowledges it (removing/committing it
// on the transport), Nack signals failure so the transport can retry
// or dead-letter it.
type Delivery interface {
	Message() core.TopicMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, cause error) error
}

// Topic is the contract every transport implements: open/close are
// idempotent and scoped, Publish honors back-pressure, Run yields a
// lazy sequence of scoped deliveries.
type Topic interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// Publish returns (true, nil) once the message is accepted. With
	// wait=false it returns (false, nil) immediately on back-pressure
	// instead of blocking. With wait=true it blocks until accepted or
	// returns a TopicClosedError if the topic is closed underneath it.
	Publish(ctx context.Context, message core.TopicMessage, wait bool) (bool, error)

	// Run delivers messages on the returned channel until ctx is
	// cancelled or the topic is closed. The channel is closed when
	// iteration ends.
	Run(ctx context.Context) (<-chan Delivery, error)
}
