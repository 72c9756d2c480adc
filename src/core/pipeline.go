package core

// PipelineInfo describes the callable at the far end of the Remote
// Executor boundary: its name and the parameter schema it expects.
type PipelineInfo struct {
	Name string `json:"name" validate:"required"`

	// Resources maps a parameter name to the resource type it expects
	// to be injected under.
	Resources map[string]string `json:"resources,omitempty"`

	// MetaParams maps a parameter name to the meta-type (e.g. the raw
	// TopicMessage, or a CancellationToken) injected before execution.
	MetaParams map[string]string `json:"meta_params,omitempty"`

	// Args are pipeline-level default arguments, merged under the
	// message's own Args (message wins on conflict).
	Args map[string]interface{} `json:"args,omitempty"`
}

// PipelineMessage is what actually crosses the Remote Executor
// boundary: the pipeline descriptor plus the message, with resource
// and meta args injected just before execution. It is owned by
// exactly one ExecutableMessage and is consumed exactly once.
type PipelineMessage struct {
	Info    PipelineInfo `json:"info"`
	Message TopicMessage `json:"message"`

	metaArgs     map[string]interface{}
	resourceArgs map[string]interface{}
}

// NewPipelineMessage builds a PipelineMessage ready for meta/resource
// arg injection.
func NewPipelineMessage(info PipelineInfo, message TopicMessage) *PipelineMessage {
	return &PipelineMessage{
		Info:    info,
		Message: message,
	}
}

// SetMetaArg injects a meta-argument (e.g. the raw TopicMessage under
// its meta type slot, or a CancellationToken) keyed by meta-type name.
func (p *PipelineMessage) SetMetaArg(metaType string, value interface{}) {
	if p.metaArgs == nil {
		p.metaArgs = make(map[string]interface{})
	}
	p.metaArgs[metaType] = value
}

// MetaArgs returns the meta-arguments injected so far.
func (p *PipelineMessage) MetaArgs() map[string]interface{} {
	return p.metaArgs
}

// UpdateWithResources records the resolved resource-arg data
// (param-name -> {name, state, ...data}) so the executor-side
// callable can receive it as an injected argument.
func (p *PipelineMessage) UpdateWithResources(resources map[string]interface{}) {
	p.resourceArgs = resources
}

// ResourceArgs returns the resource data injected by
// UpdateWithResources, if any.
func (p *PipelineMessage) ResourceArgs() map[string]interface{} {
	return p.resourceArgs
}

// PipelineOutput is a message produced by a pipeline, destined for a
// named output channel.
type PipelineOutput struct {
	Channel string       `json:"channel"`
	Message TopicMessage `json:"message"`
}

// ResourceUsed is reported by a pipeline to rewrite a leased
// resource's state and/or defer its next availability.
type ResourceUsed struct {
	Type      string      `json:"type"`
	State     interface{} `json:"state,omitempty"`
	ReleaseAt *float64    `json:"release_at,omitempty"`
}

// PipelineEvent is an opaque signal a pipeline can emit for downstream
// observers (metrics, tracing, orchestration hooks). The payload is
// intentionally untyped: core doesn't know what events mean.
type PipelineEvent struct {
	Tag     string                 `json:"tag"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// PipelineResults is the classified result of running a pipeline: its
// raw return value sorted into outputs, resource updates and events.
type PipelineResults struct {
	Outputs   []PipelineOutput `json:"outputs"`
	Resources []ResourceUsed   `json:"resources"`
	Events    []PipelineEvent  `json:"events"`
}

// EmptyResults is the result of a pipeline callable that returned nil.
func EmptyResults() PipelineResults {
	return PipelineResults{}
}
