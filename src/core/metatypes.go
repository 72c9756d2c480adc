package core

// Meta-arg type names recognized by PipelineInfo.MetaParams: the
// value a pipeline parameter declared under one of these slots
// receives at injection time.
const (
	MetaTypeTopicMessage      = "TopicMessage"
	MetaTypeCancellationToken = "CancellationToken"
)
