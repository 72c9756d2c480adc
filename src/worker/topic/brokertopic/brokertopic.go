// Package brokertopic implements the broker-backed topic.Topic
// variant required by spec.md §4.8 on top of Redis Streams
// (XADD/XREADGROUP/XACK/XCLAIM), the same client the teacher's
// redis_queue.go already depends on, instead of introducing an AMQP
// library absent from the example corpus. It provides bounded-length
// back-pressure, per-message TTL, a bounded retry count with
// dead-letter routing, and reconnect-without-loss consumption via
// Redis consumer groups.
package brokertopic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/topic"
)

// Options configures a BrokerTopic.
type Options struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	Stream        string `mapstructure:"stream"`
	ConsumerGroup string `mapstructure:"consumer_group"`
	ConsumerName  string `mapstructure:"consumer_name"`

	// MaxLength bounds the stream; zero means unbounded.
	MaxLength int64 `mapstructure:"max_length"`
	// Prefetch is how many entries a single XREADGROUP call claims.
	Prefetch int64 `mapstructure:"prefetch"`

	MaxRetries        int           `mapstructure:"max_retries"`
	DeadLetterStream  string        `mapstructure:"dead_letter_stream"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	ReclaimIdleAfter  time.Duration `mapstructure:"reclaim_idle_after"`

	// Durable and AutoDelete mirror AMQP queue-declaration flags. With
	// Redis streams they are not broker-native: AutoDelete removes the
	// stream key on Close, and Durable is accepted but has no effect,
	// since Redis persistence is a server-wide setting.
	Durable    bool `mapstructure:"durable"`
	AutoDelete bool `mapstructure:"auto_delete"`
}

func (o *Options) setDefaults() {
	if o.Prefetch == 0 {
		o.Prefetch = 10
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
	if o.BlockTimeout == 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.ReclaimIdleAfter == 0 {
		o.ReclaimIdleAfter = 30 * time.Second
	}
	if o.ConsumerName == "" {
		o.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
}

// BrokerTopic is a bounded, retry-and-dead-letter Redis Streams topic.
type BrokerTopic struct {
	opts   Options
	client *redis.Client
	closed bool
}

// New returns a BrokerTopic for the given options.
func New(opts Options) *BrokerTopic {
	opts.setDefaults()
	return &BrokerTopic{opts: opts}
}

// NewWithClient lets tests inject a pre-built client (e.g. backed by
// miniredis).
func NewWithClient(opts Options, client *redis.Client) *BrokerTopic {
	opts.setDefaults()
	return &BrokerTopic{opts: opts, client: client}
}

func (t *BrokerTopic) Open(ctx context.Context) error {
	if t.client == nil {
		t.client = redis.NewClient(&redis.Options{
			Addr:     t.opts.Addr,
			Password: t.opts.Password,
			DB:       t.opts.DB,
		})
	}

	err := t.client.XGroupCreateMkStream(ctx, t.opts.Stream, t.opts.ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("brokertopic: create consumer group: %w", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

func (t *BrokerTopic) Close(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true

	if t.opts.AutoDelete {
		if err := t.client.Del(ctx, t.opts.Stream).Err(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("stream", t.opts.Stream).Msg("failed to auto-delete stream")
		}
	}
	return t.client.Close()
}

// Publish applies bounded-length back-pressure: when the stream is at
// MaxLength, wait=false returns false immediately, wait=true retries
// on a fixed delay until there is room or the topic closes.
func (t *BrokerTopic) Publish(ctx context.Context, message core.TopicMessage, wait bool) (bool, error) {
	for {
		if t.closed {
			return false, &topic.TopicClosedError{Topic: t.opts.Stream}
		}

		if t.opts.MaxLength > 0 {
			length, err := t.client.XLen(ctx, t.opts.Stream).Result()
			if err != nil {
				return false, fmt.Errorf("brokertopic: xlen: %w", err)
			}
			if length >= t.opts.MaxLength {
				if !wait {
					return false, nil
				}
				select {
				case <-time.After(t.opts.RetryDelay):
					continue
				case <-ctx.Done():
					return false, ctx.Err()
				}
			}
		}

		payload, err := json.Marshal(message)
		if err != nil {
			return false, fmt.Errorf("brokertopic: marshal message: %w", err)
		}

		values := map[string]interface{}{"payload": payload}
		if message.ExpireAfter != nil {
			expireAt := time.Now().Add(time.Duration(*message.ExpireAfter * float64(time.Second)))
			values["expire_at"] = expireAt.UnixNano()
		}

		add := &redis.XAddArgs{
			Stream: t.opts.Stream,
			Values: values,
		}
		if t.opts.MaxLength > 0 {
			add.MaxLen = t.opts.MaxLength
			add.Approx = true
		}

		if err := t.client.XAdd(ctx, add).Err(); err != nil {
			return false, fmt.Errorf("brokertopic: xadd: %w", err)
		}
		return true, nil
	}
}

type brokerDelivery struct {
	topic   *BrokerTopic
	id      string
	message core.TopicMessage
}

func (d *brokerDelivery) Message() core.TopicMessage { return d.message }

func (d *brokerDelivery) Ack(ctx context.Context) error {
	if err := d.topic.client.XAck(ctx, d.topic.opts.Stream, d.topic.opts.ConsumerGroup, d.id).Err(); err != nil {
		return err
	}
	// XAck alone leaves the entry in the stream, so MaxLength
	// back-pressure in Publish would never see XLen drop on consumption.
	return d.topic.client.XDel(ctx, d.topic.opts.Stream, d.id).Err()
}

func (d *brokerDelivery) Nack(ctx context.Context, cause error) error {
	// Leave the entry in the pending entries list; a subsequent claim
	// pass will redeliver it, incrementing its delivery count, or
	// dead-letter it once MaxRetries is exceeded. Claim passes run only
	// when MaxRetries is positive; otherwise the entry stays pending and
	// is not redelivered.
	return nil
}

// Run consumes via the consumer group, reconnecting on transient
// errors without losing pending (unacked) entries, since Redis tracks
// delivery ownership server-side independent of any single
// connection.
func (t *BrokerTopic) Run(ctx context.Context) (<-chan topic.Delivery, error) {
	ch := make(chan topic.Delivery)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := t.reclaimExpired(ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
				log.Ctx(ctx).Warn().Err(err).Msg("brokertopic: reclaim pass failed")
			}

			streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    t.opts.ConsumerGroup,
				Consumer: t.opts.ConsumerName,
				Streams:  []string{t.opts.Stream, ">"},
				Count:    t.opts.Prefetch,
				Block:    t.opts.BlockTimeout,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || err == context.DeadlineExceeded {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				// Transient connection error: back off and retry. The
				// consumer group remembers what this consumer has not
				// yet acked, so reconnecting loses nothing.
				log.Ctx(ctx).Warn().Err(err).Msg("brokertopic: read error, reconnecting")
				time.Sleep(t.opts.RetryDelay)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					if !t.deliver(ctx, ch, msg) {
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func (t *BrokerTopic) deliver(ctx context.Context, ch chan<- topic.Delivery, msg redis.XMessage) bool {
	if t.isExpired(msg) {
		_ = t.client.XAck(ctx, t.opts.Stream, t.opts.ConsumerGroup, msg.ID).Err()
		_ = t.client.XDel(ctx, t.opts.Stream, msg.ID).Err()
		return true
	}

	message, err := t.decode(msg)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("id", msg.ID).Msg("brokertopic: dropping undecodable entry")
		_ = t.client.XAck(ctx, t.opts.Stream, t.opts.ConsumerGroup, msg.ID).Err()
		_ = t.client.XDel(ctx, t.opts.Stream, msg.ID).Err()
		return true
	}

	select {
	case ch <- &brokerDelivery{topic: t, id: msg.ID, message: message}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *BrokerTopic) decode(msg redis.XMessage) (core.TopicMessage, error) {
	var message core.TopicMessage
	raw, ok := msg.Values["payload"]
	if !ok {
		return message, fmt.Errorf("missing payload field")
	}
	str, ok := raw.(string)
	if !ok {
		return message, fmt.Errorf("payload field is not a string")
	}
	if err := json.Unmarshal([]byte(str), &message); err != nil {
		return message, err
	}
	return message, nil
}

func (t *BrokerTopic) isExpired(msg redis.XMessage) bool {
	raw, ok := msg.Values["expire_at"]
	if !ok {
		return false
	}
	str, ok := raw.(string)
	if !ok {
		return false
	}
	var nanos int64
	if _, err := fmt.Sscanf(str, "%d", &nanos); err != nil {
		return false
	}
	return time.Now().UnixNano() > nanos
}

// reclaimExpired walks pending entries idle for longer than
// ReclaimIdleAfter and claims them under this consumer, which is also
// how Redis increments each entry's delivery count. An entry whose
// delivery count already exceeded MaxRetries before this claim is
// routed to the dead-letter stream (if configured) and removed instead
// of redelivered; everything else is handed back out through ch like
// any freshly-read entry, so it gets the usual expiry/decode handling.
func (t *BrokerTopic) reclaimExpired(ctx context.Context, ch chan<- topic.Delivery) error {
	if t.opts.MaxRetries <= 0 {
		return nil
	}

	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: t.opts.Stream,
		Group:  t.opts.ConsumerGroup,
		Idle:   t.opts.ReclaimIdleAfter,
		Start:  "-",
		End:    "+",
		Count:  int64(t.opts.Prefetch),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, p := range pending {
		exhausted := int(p.RetryCount) > t.opts.MaxRetries

		claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   t.opts.Stream,
			Group:    t.opts.ConsumerGroup,
			Consumer: t.opts.ConsumerName,
			MinIdle:  t.opts.ReclaimIdleAfter,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}

		if !exhausted {
			if !t.deliver(ctx, ch, claimed[0]) {
				return ctx.Err()
			}
			continue
		}

		if t.opts.DeadLetterStream != "" {
			if err := t.client.XAdd(ctx, &redis.XAddArgs{
				Stream: t.opts.DeadLetterStream,
				Values: claimed[0].Values,
			}).Err(); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("id", p.ID).Msg("brokertopic: failed to dead-letter entry")
				continue
			}
		}
		_ = t.client.XAck(ctx, t.opts.Stream, t.opts.ConsumerGroup, p.ID).Err()
		_ = t.client.XDel(ctx, t.opts.Stream, p.ID).Err()
	}
	return nil
}

var _ topic.Topic = (*BrokerTopic)(nil)
