package core

import "github.com/go-playground/validator/v10"

// validate is shared across every Validate method below; a
// validator.Validate is safe for concurrent use once built, the same
// pattern the teacher uses alongside mapstructure-decoded config.
var validate = validator.New()

// Validate checks the `validate` struct tags on QueueItem and its
// nested PipelineInfo/TopicRef. The Manager's store calls it on every
// queue definition it reads back, so a malformed stored row fails the
// query instead of reaching job assignment.
func (q QueueItem) Validate() error {
	return validate.Struct(q)
}

// Validate checks the `validate` struct tags on JobOptions.
func (o JobOptions) Validate() error {
	return validate.Struct(o)
}

// Validate checks the `validate` struct tags on TopicMessage. The
// topic implementations in this module do not call it on Publish.
func (m TopicMessage) Validate() error {
	return validate.Struct(m)
}
