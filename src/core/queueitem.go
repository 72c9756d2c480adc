package core

import "time"

// TopicRef names a topic definition in the catalog by its registered
// name; the concrete transport is resolved by the worker at open time.
type TopicRef struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type,omitempty"`
}

// JobOptions are the recognized per-job tuning knobs from the queue
// item's options block.
type JobOptions struct {
	BatchingEnabled  bool          `json:"batching_enabled" mapstructure:"batching_enabled"`
	BufferSize       int           `json:"buffer_size" mapstructure:"buffer_size" validate:"gte=0"`
	BufferFlushAfter time.Duration `json:"buffer_flush_after" mapstructure:"buffer_flush_after" validate:"gte=0"`

	// MaxConcurrency is the ceiling on simultaneously in-flight
	// messages from this job. Zero means unbounded.
	MaxConcurrency int `json:"max_concurrency" mapstructure:"max_concurrency" validate:"gte=0"`
}

// DefaultJobOptions mirrors the defaults named in spec.md §3.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		BatchingEnabled:  false,
		BufferSize:       10,
		BufferFlushAfter: 5 * time.Second,
		MaxConcurrency:   0,
	}
}

// QueueItem is a job definition: a named pipeline instance bound to
// an input topic, output topics, and an executor.
type QueueItem struct {
	Name     string              `json:"name" validate:"required"`
	Pipeline PipelineInfo        `json:"pipeline" validate:"required"`
	Input    TopicRef            `json:"input" validate:"required"`
	Outputs  map[string][]TopicRef `json:"outputs,omitempty"`
	Executor string              `json:"executor" validate:"required"`
	Labels   map[string]string   `json:"labels,omitempty"`

	// Config holds per-job configuration overrides layered on top of
	// the worker's global configuration.
	Config map[string]interface{} `json:"config,omitempty"`

	Options JobOptions `json:"options"`
}
