// Package static loads the Manager's static topology definitions —
// resources-by-type and executors-by-name lookup tables — from a YAML
// file, the out-of-core "static-definition loading" collaborator
// named in spec.md §1. Executor/pipeline version constraint matching
// uses github.com/Masterminds/semver/v3, the way the teacher's
// src/provider/plugin/validator.go checks a plugin's declared
// framework-version range against the running version.
package static

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/manager/lock"
)

// ResourceDefinition is one catalog resource entry as declared in the
// topology file.
type ResourceDefinition struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ResourcesProviderDefinition is a resources-provider catalog entry.
type ResourcesProviderDefinition struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ExecutorDefinition is a catalog executor entry, optionally
// constrained to a pipeline-declared semver range (e.g.
// `executor_version: ">=1.2.0"` on a pipeline definition).
type ExecutorDefinition struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// TopicDefinition declares one named topic instance and the
// transport-specific settings needed to open it. Only the fields
// relevant to Type are meaningful; the rest are ignored.
type TopicDefinition struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // file, null, broker, s3

	// File transport.
	Path     string `yaml:"path,omitempty"`
	Mode     string `yaml:"mode,omitempty"`
	Compress bool   `yaml:"compress,omitempty"`

	// Broker (Redis Streams) transport.
	Stream           string `yaml:"stream,omitempty"`
	ConsumerGroup    string `yaml:"consumer_group,omitempty"`
	MaxLength        int64  `yaml:"max_length,omitempty"`
	Prefetch         int64  `yaml:"prefetch,omitempty"`
	MaxRetries       int    `yaml:"max_retries,omitempty"`
	DeadLetterStream string `yaml:"dead_letter_stream,omitempty"`
	Durable          bool   `yaml:"durable,omitempty"`
	AutoDelete       bool   `yaml:"auto_delete,omitempty"`

	// S3 archival transport.
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// TopicRefDefinition names a topic within a job's input/outputs block.
type TopicRefDefinition struct {
	Name string `yaml:"name"`
}

// PipelineDefinition is the pipeline descriptor bound to a queue.
type PipelineDefinition struct {
	Name       string                 `yaml:"name"`
	Resources  map[string]string      `yaml:"resources,omitempty"`
	MetaParams map[string]string      `yaml:"meta_params,omitempty"`
	Args       map[string]interface{} `yaml:"args,omitempty"`
}

// JobOptionsDefinition mirrors core.JobOptions for YAML decoding.
type JobOptionsDefinition struct {
	BatchingEnabled  bool          `yaml:"batching_enabled,omitempty"`
	BufferSize       int           `yaml:"buffer_size,omitempty"`
	BufferFlushAfter time.Duration `yaml:"buffer_flush_after,omitempty"`
	MaxConcurrency   int           `yaml:"max_concurrency,omitempty"`
}

// QueueDefinition is one job definition as declared in the topology
// file: a named pipeline instance bound to an input topic, output
// topics and an executor (spec.md §3's QueueItem).
type QueueDefinition struct {
	Name     string                           `yaml:"name"`
	Pipeline PipelineDefinition               `yaml:"pipeline"`
	Input    TopicRefDefinition               `yaml:"input"`
	Outputs  map[string][]TopicRefDefinition  `yaml:"outputs,omitempty"`
	Executor string                           `yaml:"executor"`
	Labels   map[string]string                `yaml:"labels,omitempty"`
	Options  JobOptionsDefinition             `yaml:"options,omitempty"`
}

// ToQueueItem converts a QueueDefinition into the runtime core.QueueItem
// the Worker's per-job pipeline operates on.
func (q QueueDefinition) ToQueueItem() core.QueueItem {
	outputs := make(map[string][]core.TopicRef, len(q.Outputs))
	for channel, refs := range q.Outputs {
		converted := make([]core.TopicRef, len(refs))
		for i, ref := range refs {
			converted[i] = core.TopicRef{Name: ref.Name}
		}
		outputs[channel] = converted
	}

	opts := core.DefaultJobOptions()
	if q.Options.BufferSize > 0 {
		opts.BufferSize = q.Options.BufferSize
	}
	if q.Options.BufferFlushAfter > 0 {
		opts.BufferFlushAfter = q.Options.BufferFlushAfter
	}
	opts.BatchingEnabled = q.Options.BatchingEnabled
	opts.MaxConcurrency = q.Options.MaxConcurrency

	return core.QueueItem{
		Name: q.Name,
		Pipeline: core.PipelineInfo{
			Name:       q.Pipeline.Name,
			Resources:  q.Pipeline.Resources,
			MetaParams: q.Pipeline.MetaParams,
			Args:       q.Pipeline.Args,
		},
		Input:    core.TopicRef{Name: q.Input.Name},
		Outputs:  outputs,
		Executor: q.Executor,
		Labels:   q.Labels,
		Options:  opts,
	}
}

// Document is the parsed shape of a topology YAML file.
type Document struct {
	Resources          []ResourceDefinition          `yaml:"resources"`
	ResourcesProviders []ResourcesProviderDefinition `yaml:"resources_providers"`
	Executors          []ExecutorDefinition          `yaml:"executors"`
	Topics             []TopicDefinition             `yaml:"topics,omitempty"`
	Queues             []QueueDefinition              `yaml:"queues,omitempty"`
}

// Definitions is the in-memory lookup table built from a Document,
// implementing lock.StaticDefinitions.
type Definitions struct {
	resourcesByType map[string][]lock.ResourceItem
	providersByType map[string][]lock.ResourcesProviderItem
	executors       map[string]lock.ExecutorDefinition
	executorVersion map[string]*semver.Version

	resources []ResourceDefinition
	topics    []TopicDefinition
	queues    []QueueDefinition
}

// Resources returns the catalog resource entries declared in the
// topology file, for seeding the Worker's resources.Manager pool.
func (d *Definitions) Resources() []ResourceDefinition {
	return d.resources
}

// Topics returns the named topic instance declarations.
func (d *Definitions) Topics() []TopicDefinition {
	return d.topics
}

// Topic looks up a single topic declaration by name.
func (d *Definitions) Topic(name string) (TopicDefinition, bool) {
	for _, t := range d.topics {
		if t.Name == name {
			return t, true
		}
	}
	return TopicDefinition{}, false
}

// Queues returns the job definitions declared in the topology file.
func (d *Definitions) Queues() []QueueDefinition {
	return d.queues
}

// Load reads and parses a topology YAML file into Definitions.
func Load(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("static: read topology file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("static: parse topology file: %w", err)
	}
	return FromDocument(doc)
}

// FromDocument builds Definitions directly from an already-parsed
// Document (used by tests and by callers composing multiple files).
func FromDocument(doc Document) (*Definitions, error) {
	d := &Definitions{
		resourcesByType: make(map[string][]lock.ResourceItem),
		providersByType: make(map[string][]lock.ResourcesProviderItem),
		executors:       make(map[string]lock.ExecutorDefinition),
		executorVersion: make(map[string]*semver.Version),
	}

	for _, r := range doc.Resources {
		d.resourcesByType[r.Type] = append(d.resourcesByType[r.Type], lock.ResourceItem{Name: r.Name, Type: r.Type})
	}
	for _, p := range doc.ResourcesProviders {
		d.providersByType[p.Type] = append(d.providersByType[p.Type], lock.ResourcesProviderItem{Name: p.Name, Type: p.Type})
	}
	d.resources = doc.Resources
	d.topics = doc.Topics
	d.queues = doc.Queues

	for _, e := range doc.Executors {
		d.executors[e.Name] = lock.ExecutorDefinition{Name: e.Name}
		if e.Version != "" {
			v, err := semver.NewVersion(e.Version)
			if err != nil {
				return nil, fmt.Errorf("static: executor %s has invalid version %q: %w", e.Name, e.Version, err)
			}
			d.executorVersion[e.Name] = v
		}
	}
	return d, nil
}

// ResourcesByType implements lock.StaticDefinitions.
func (d *Definitions) ResourcesByType(resourceType string) ([]lock.ResourceItem, []lock.ResourcesProviderItem, bool) {
	items := d.resourcesByType[resourceType]
	providers := d.providersByType[resourceType]
	return items, providers, len(items) > 0 || len(providers) > 0
}

// Executor implements lock.StaticDefinitions.
func (d *Definitions) Executor(name string) (lock.ExecutorDefinition, bool) {
	e, ok := d.executors[name]
	return e, ok
}

// ExecutorSatisfies reports whether the named executor's registered
// version satisfies constraint (e.g. a pipeline's
// `executor_version: ">=1.2.0"`). An executor with no declared
// version always satisfies any constraint.
func (d *Definitions) ExecutorSatisfies(name, constraint string) (bool, error) {
	version, ok := d.executorVersion[name]
	if !ok {
		return true, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("static: invalid executor version constraint %q: %w", constraint, err)
	}
	return c.Check(version), nil
}
