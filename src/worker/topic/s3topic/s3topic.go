// Package s3topic implements a write-only archival topic.Topic on top
// of AWS S3, grounded on the teacher's repository/s3.go client setup
// and StoreFile path (config loading, static credentials, retry via
// the SDK's own retryer). It exists for the supplemented "archive"
// output channel: pipelines that want every output message durably
// retained alongside whatever live topic they publish to.
package s3topic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/topic"
)

// Options configures an S3Topic.
type Options struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// S3Topic archives every published message as one JSON object per
// key. It never yields deliveries: the channel Run returns stays empty
// and is closed when ctx is done, the same shape as nulltopic, since
// an archive has no consumer.
type S3Topic struct {
	opts   Options
	client *s3.Client
}

// New returns an S3Topic for the given options.
func New(opts Options) *S3Topic {
	return &S3Topic{opts: opts}
}

func (t *S3Topic) Open(ctx context.Context) error {
	region := t.opts.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if t.opts.AccessKey != "" && t.opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(t.opts.AccessKey, t.opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("s3topic: load aws config: %w", err)
	}

	t.client = s3.NewFromConfig(cfg)

	_, err = t.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.opts.Bucket)})
	if err != nil {
		return fmt.Errorf("s3topic: bucket %s unreachable: %w", t.opts.Bucket, err)
	}
	return nil
}

func (t *S3Topic) Close(ctx context.Context) error {
	t.client = nil
	return nil
}

// Publish always blocks until the object is durably stored: an
// archive topic has no notion of bounded-length back-pressure, so
// wait is accepted but ignored.
func (t *S3Topic) Publish(ctx context.Context, message core.TopicMessage, wait bool) (bool, error) {
	if t.client == nil {
		return false, &topic.TopicClosedError{Topic: t.opts.Bucket}
	}

	body, err := json.Marshal(message)
	if err != nil {
		return false, fmt.Errorf("s3topic: marshal message: %w", err)
	}

	key := t.objectKey(message)
	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return false, fmt.Errorf("s3topic: put object: %w", err)
	}
	return true, nil
}

func (t *S3Topic) objectKey(message core.TopicMessage) string {
	id := string(message.ID)
	if id == "" {
		id = uuid.NewString()
	}
	day := time.Now().UTC().Format("2006/01/02")
	key := fmt.Sprintf("%s/%s.json", day, id)
	if t.opts.Prefix != "" {
		key = strings.TrimSuffix(t.opts.Prefix, "/") + "/" + key
	}
	return key
}

// Run never yields: archival is write-only.
func (t *S3Topic) Run(ctx context.Context) (<-chan topic.Delivery, error) {
	ch := make(chan topic.Delivery)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

var _ topic.Topic = (*S3Topic)(nil)
