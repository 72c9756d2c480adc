// Package pipelines is the Remote Executor's registration point for
// pipeline callables: the user-defined code a QueueItem.Pipeline.Name
// resolves to (spec.md §4.4). A real deployment forks
// cmd/corepipe-worker to register its own callables here; this
// package ships the handful of demo pipelines needed to run the
// binary standalone for smoke-testing.
package pipelines

import (
	"context"
	"fmt"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/bootstrap"
)

// Passthrough re-emits the inbound TopicMessage unchanged on the
// default output channel, the simplest possible pipeline: useful for
// wiring checks between an input and output topic without any
// business logic.
func Passthrough(ctx context.Context, message *core.PipelineMessage) (interface{}, error) {
	return message.Message, nil
}

// Echo wraps the inbound message's id in a new message, demonstrating
// a pipeline that produces a derived output rather than passing its
// input straight through.
func Echo(ctx context.Context, message *core.PipelineMessage) (interface{}, error) {
	return core.TopicMessage{
		ID:   core.MessageId(fmt.Sprintf("echo-%s", message.Message.ID)),
		Args: message.Message.Args,
	}, nil
}

// Default returns the built-in demo registry: "passthrough" and
// "echo". Applications embedding this framework register their own
// callables by building a bootstrap.MapRegistry directly instead of
// using this package.
func Default() bootstrap.MapRegistry {
	return bootstrap.MapRegistry{
		"passthrough": Passthrough,
		"echo":        Echo,
	}
}
