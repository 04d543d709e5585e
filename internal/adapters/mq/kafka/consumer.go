// Package kafka feeds snapshot batches from a Kafka topic into the ingestion
// pipeline and publishes batches for the replay tool.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/okian/pitwall/internal/domain/ingest"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
	"github.com/okian/pitwall/pkg/retry"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 100 * time.Millisecond
	defaultPartitions    = 3
	defaultReplication   = 1
)

// Handler processes one decoded batch to completion. An error means some of
// it was not persisted and the whole batch may be handed over again.
type Handler interface {
	HandleBatch(ctx context.Context, b model.SnapshotBatch) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, b model.SnapshotBatch) error

func (f HandlerFunc) HandleBatch(ctx context.Context, b model.SnapshotBatch) error { return f(ctx, b) }

// ConsumerOption applies a configuration option to the Consumer.
type ConsumerOption func(*Consumer)

// WithGroup sets the consumer group.
func WithGroup(group string) ConsumerOption {
	return func(c *Consumer) {
		if group != "" {
			c.group = group
		}
	}
}

// WithCreateTopic creates the topic on Start when it does not exist.
func WithCreateTopic(enabled bool) ConsumerOption {
	return func(c *Consumer) {
		c.createTopic = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetry sets how many times a failing batch is handed to the handler
// per round and the linear backoff step between attempts.
func WithRetry(attempts int, step time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if step > 0 {
			c.backoff = step
		}
	}
}

// Consumer reads one topic as part of a consumer group. Each record is
// processed to completion before the next, and offsets are committed only
// after every record of a poll has been processed, so a crash redelivers;
// the differencer and the lap-number gate absorb the repeats.
type Consumer struct {
	brokers     []string
	topic       string
	group       string
	createTopic bool
	attempts    int
	backoff     time.Duration
	handler     Handler
	decoder     *ingest.Decoder
	client      *kgo.Client
	logger      logger.Logger
	done        chan struct{}
}

// NewConsumer creates a consumer for topic that hands batches to handler.
func NewConsumer(brokers []string, topic string, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	decoder, err := ingest.NewDecoder()
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		brokers: brokers,
		topic:   topic,
		group:    "pitwall",
		attempts: defaultRetryAttempts,
		backoff:  defaultRetryBackoff,
		handler:  handler,
		decoder:  decoder,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("kafka")
	}

	c.client, err = kgo.NewClient(
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumerGroup(c.group),
		kgo.ConsumeTopics(c.topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return c, nil
}

// Start optionally creates the topic, then consumes in the background until
// ctx is done or Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.createTopic {
		if err := EnsureTopic(ctx, c.client, c.topic); err != nil {
			return err
		}
	}
	go c.run(ctx)
	c.logger.Info(ctx, "kafka consumer started",
		logger.String("topic", c.topic), logger.String("group", c.group))
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error(ctx, "kafka fetch failed",
				logger.String("topic", topic), logger.Int("partition", int(partition)), logger.Error(err))
		})

		stopped := false
		fetches.EachRecord(func(r *kgo.Record) {
			if stopped {
				return
			}
			if err := c.Handle(ctx, r.Value); err != nil {
				c.logger.Warn(ctx, "record left uncommitted",
					logger.Int("partition", int(r.Partition)), logger.Int64("offset", r.Offset), logger.Error(err))
				stopped = true
			}
		})
		if stopped {
			return
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error(ctx, "kafka commit failed", logger.Error(err))
		}
	}
}

// Handle decodes one record value and processes it, retrying the handler
// until it succeeds. Undecodable records are dropped and reported as done.
// A non-nil error means ctx ended before the batch was processed.
func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	batch, rejections, err := c.decoder.Decode(value)
	if err != nil {
		metrics.RecordKafkaRecord("invalid")
		c.logger.Warn(ctx, "dropping invalid record", logger.Error(err))
		return nil
	}
	if len(rejections) > 0 {
		c.logger.Debug(ctx, "snapshot entries rejected",
			logger.String("session", batch.SessionName), logger.Int("rejected", len(rejections)))
	}
	metrics.RecordSnapshotsReceived("kafka", len(batch.Snapshots))

	for {
		_, err := retry.WithOptimisticRetry(ctx, c.attempts, c.backoff, isTransient,
			func(ctx context.Context, _ int) error {
				return c.handler.HandleBatch(ctx, batch)
			})
		if err == nil {
			metrics.RecordKafkaRecord("processed")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RecordKafkaRecord("retry")
		c.logger.Error(ctx, "batch not processed; retrying",
			logger.String("session", batch.SessionName), logger.Error(err))
	}
}

// isTransient treats every handler failure as retryable except cancellation.
func isTransient(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Close stops consuming and leaves the group.
func (c *Consumer) Close() {
	c.client.Close()
}

// Done is closed when the consume loop has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// EnsureTopic creates topic unless it already exists.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, defaultPartitions, defaultReplication, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, t := range resp {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}
