// Package nulltopic implements topic.Topic as a sink that discards
// every message, mirroring the original's NullTopic.
package nulltopic

import (
	"context"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/topic"
)

// NullTopic accepts every publish and never yields a delivery.
type NullTopic struct{}

// New returns a NullTopic. It takes no options.
func New() *NullTopic {
	return &NullTopic{}
}

func (t *NullTopic) Open(ctx context.Context) error  { return nil }
func (t *NullTopic) Close(ctx context.Context) error { return nil }

func (t *NullTopic) Publish(ctx context.Context, message core.TopicMessage, wait bool) (bool, error) {
	return true, nil
}

func (t *NullTopic) Run(ctx context.Context) (<-chan topic.Delivery, error) {
	ch := make(chan topic.Delivery)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

var _ topic.Topic = (*NullTopic)(nil)
