// Package bootstrap implements PipelineBootstrap (spec.md §4.4): the
// executor-side entry point that injects meta-args, runs the pipeline
// hook chain around the registered callable, classifies its return
// value into PipelineResults, and wraps any escaping error as a
// RemoteException with a captured traceback. Grounded directly on the
// original's worker/executors/bootstrap.py.
package bootstrap

import (
	"context"
	"fmt"
	"reflect"
	"runtime"

	"github.com/rs/zerolog/log"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/hooks"
)

// PipelineFunc is the registered callable at the far end of a
// pipeline: it receives the fully-injected PipelineMessage and returns
// any of nil, a single PipelineOutput/TopicMessage/ResourceUsed/
// PipelineEvent, or a slice of those.
type PipelineFunc func(ctx context.Context, message *core.PipelineMessage) (interface{}, error)

// Registry resolves a PipelineInfo.Name to its PipelineFunc.
type Registry interface {
	Resolve(name string) (PipelineFunc, bool)
}

// MapRegistry is the simplest Registry: a static name-to-func map.
type MapRegistry map[string]PipelineFunc

func (r MapRegistry) Resolve(name string) (PipelineFunc, bool) {
	fn, ok := r[name]
	return fn, ok
}

// PipelineHook is the ContextHook wrapping every pipeline invocation.
type PipelineHook = hooks.ContextHook[*core.PipelineMessage, core.PipelineResults]

// PipelineBootstrap runs inside the Remote Executor's worker pool.
type PipelineBootstrap struct {
	registry     Registry
	PipelineHook *PipelineHook
}

// New builds a PipelineBootstrap. initialized fires once at
// construction so executor-side services (tracing, logging) can
// register onto the pipeline hook before any message runs through it.
func New(registry Registry, initialized hooks.EventHook[*PipelineBootstrap]) *PipelineBootstrap {
	b := &PipelineBootstrap{registry: registry}
	b.PipelineHook = hooks.NewContextHook[*core.PipelineMessage, core.PipelineResults](b.pipelineHookFailed)
	initialized.Emit(context.Background(), b)
	return b
}

func (b *PipelineBootstrap) pipelineHookFailed(ctx context.Context, err error) {
	log.Ctx(ctx).Error().Err(err).Msg("error while handling pipeline hook")
}

// BootstrapPipeline injects the raw TopicMessage as a meta-arg, then
// runs the pipeline hook chain around runPipeline.
func (b *PipelineBootstrap) BootstrapPipeline(ctx context.Context, message *core.PipelineMessage) (core.PipelineResults, error) {
	message.SetMetaArg(core.MetaTypeTopicMessage, message.Message)
	return b.PipelineHook.Emit(b.runPipeline)(ctx, message)
}

func (b *PipelineBootstrap) runPipeline(ctx context.Context, message *core.PipelineMessage) (core.PipelineResults, error) {
	fn, ok := b.registry.Resolve(message.Info.Name)
	if !ok {
		return core.PipelineResults{}, fmt.Errorf("bootstrap: unknown pipeline %q", message.Info.Name)
	}

	raw, err := fn(ctx, message)
	if err != nil {
		log.Ctx(ctx).Error().
			Err(err).
			Interface("message_args", message.Message.Args).
			Msg("failed to deserialize message")
		return core.PipelineResults{}, err
	}

	return classify(ctx, raw), nil
}

// classify sorts a pipeline callable's return value into outputs,
// resources, and events, promoting a bare TopicMessage to a
// PipelineOutput on the default channel and logging+dropping anything
// unrecognized.
func classify(ctx context.Context, raw interface{}) core.PipelineResults {
	results := core.EmptyResults()
	if raw == nil {
		return results
	}

	for _, element := range toElements(raw) {
		switch v := element.(type) {
		case core.PipelineOutput:
			results.Outputs = append(results.Outputs, v)
		case core.TopicMessage:
			results.Outputs = append(results.Outputs, core.PipelineOutput{Channel: "default", Message: v})
		case core.ResourceUsed:
			results.Resources = append(results.Resources, v)
		case core.PipelineEvent:
			results.Events = append(results.Events, v)
		default:
			log.Ctx(ctx).Error().Str("type", fmt.Sprintf("%T", v)).Msg("invalid pipeline result type")
		}
	}
	return results
}

// toElements normalizes the callable's return value to a flat slice:
// a single recognized element is wrapped, a slice is used as-is.
func toElements(raw interface{}) []interface{} {
	switch v := raw.(type) {
	case core.PipelineOutput, core.TopicMessage, core.ResourceUsed, core.PipelineEvent:
		return []interface{}{v}
	case []interface{}:
		return v
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Slice {
		elements := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elements[i] = rv.Index(i).Interface()
		}
		return elements
	}

	return []interface{}{raw}
}

// Frame is one captured stack frame, mirroring the original's
// TracebackData frame entries (function, file, line) without needing
// the far side's source to be locally present.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// RemoteException carries a serialized traceback across the Worker
// boundary so the originating caller can present a faithful failure
// without source locality on the executor side.
type RemoteException struct {
	ExcType string  `json:"exc_type"`
	ExcStr  string  `json:"exc_str"`
	Frames  []Frame `json:"frames"`
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("RemoteException[%s]: %s", e.ExcType, e.ExcStr)
}

// NewRemoteException captures the current call stack and wraps err.
func NewRemoteException(err error) *RemoteException {
	const maxFrames = 32
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var captured []Frame
	for {
		frame, more := frames.Next()
		captured = append(captured, Frame{Function: frame.Function, File: frame.File, Line: frame.Line})
		if !more {
			break
		}
	}

	return &RemoteException{
		ExcType: fmt.Sprintf("%T", err),
		ExcStr:  err.Error(),
		Frames:  captured,
	}
}

// WrapRemoteException wraps a non-nil error escaping a pipeline
// invocation as a RemoteException; nil passes through unchanged.
func WrapRemoteException(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*RemoteException); ok {
		return err
	}
	return NewRemoteException(err)
}
