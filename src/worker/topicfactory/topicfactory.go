// Package topicfactory resolves a static.TopicDefinition into a
// concrete topic.Topic instance, the wiring step between the
// out-of-core static-definition loader (spec.md §1) and the Topic
// contract (spec.md §4.8) every transport implements. Grounded on how
// cmd/corepipe-manager's main.go already resolves a QueueStore/
// StaticDefinitions pair from config; this is the Worker-side
// counterpart for topics instead of the catalog.
package topicfactory

import (
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/corepipe/corepipe/src/manager/static"
	"github.com/corepipe/corepipe/src/worker/topic"
	"github.com/corepipe/corepipe/src/worker/topic/brokertopic"
	"github.com/corepipe/corepipe/src/worker/topic/filetopic"
	"github.com/corepipe/corepipe/src/worker/topic/nulltopic"
	"github.com/corepipe/corepipe/src/worker/topic/s3topic"
)

// Build constructs the topic.Topic named by its static.TopicDefinition.
// redisClient is reused by every broker-backed topic instead of
// opening one connection per topic.
func Build(def static.TopicDefinition, redisClient *redis.Client) (topic.Topic, error) {
	switch def.Type {
	case "", "null":
		return nulltopic.New(), nil
	case "file":
		mode := filetopic.ModeRead
		if def.Mode == string(filetopic.ModeWrite) {
			mode = filetopic.ModeWrite
		}
		return filetopic.New(filetopic.Options{
			Path:     def.Path,
			Mode:     mode,
			Compress: def.Compress,
		}), nil
	case "broker":
		opts := brokertopic.Options{
			Stream:           def.Stream,
			ConsumerGroup:    def.ConsumerGroup,
			MaxLength:        def.MaxLength,
			Prefetch:         def.Prefetch,
			MaxRetries:       def.MaxRetries,
			DeadLetterStream: def.DeadLetterStream,
			Durable:          def.Durable,
			AutoDelete:       def.AutoDelete,
		}
		if redisClient != nil {
			return brokertopic.NewWithClient(opts, redisClient), nil
		}
		return brokertopic.New(opts), nil
	case "s3":
		return s3topic.New(s3topic.Options{
			Bucket: def.Bucket,
			Prefix: def.Prefix,
			Region: def.Region,
		}), nil
	default:
		return nil, fmt.Errorf("topicfactory: unknown topic type %q for topic %q", def.Type, def.Name)
	}
}

// BuildRef resolves a named topic reference against the catalog's
// topic declarations.
func BuildRef(definitions *static.Definitions, name string, redisClient *redis.Client) (topic.Topic, error) {
	def, ok := definitions.Topic(name)
	if !ok {
		return nil, fmt.Errorf("topicfactory: topic %q not declared in topology", name)
	}
	return Build(def, redisClient)
}
