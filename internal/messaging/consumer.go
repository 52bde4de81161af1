package messaging

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
	"github.com/bardlex/prefixminer/pkg/retry"
)

// DefaultGroupID is the consumer group of the event recorder
const DefaultGroupID = "prefixminer-recorder"

// ConsumerConfig configures a KafkaConsumer
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Format is used for messages without a format header
	Format Format
}

// EventHandler processes one decoded event
type EventHandler func(ctx context.Context, event *report.Event) error

// messageReader is the part of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads events published by KafkaPublisher
type KafkaConsumer struct {
	reader messageReader
	format Format
	logger *log.Logger
	// backoff paces fetches after consecutive read failures
	backoff *retry.Config
}

// NewKafkaConsumer creates a consumer group reader for cfg.Topic
func NewKafkaConsumer(cfg ConsumerConfig, logger *log.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "kafka_consumer",
			"at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultEventTopic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultGroupID
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})

	logger = logger.WithComponent("kafka_consumer")
	logger.Info("created Kafka consumer", "topic", cfg.Topic, "group_id", cfg.GroupID)

	return &KafkaConsumer{
		reader:  reader,
		format:  cfg.Format,
		logger:  logger,
		backoff: retry.NetworkConfig(),
	}, nil
}

// Consume reads events until ctx is done. A message that cannot be decoded
// or handled is logged and skipped. Read failures back off exponentially
// until a fetch succeeds again.
func (c *KafkaConsumer) Consume(ctx context.Context, handler EventHandler) error {
	failures := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if stderrors.Is(err, io.EOF) || stderrors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			c.logger.WithError(err).Error("failed to read message from Kafka", "failures", failures+1)
			if err := c.backoff.Pause(ctx, failures); err != nil {
				return err
			}
			failures++
			continue
		}
		failures = 0

		event, err := Decode(messageFormat(msg, c.format), msg.Value)
		if err != nil {
			c.logger.WithError(err).Warn("skipping undecodable event",
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			c.commit(ctx, msg)
			continue
		}

		if err := handler(ctx, event); err != nil {
			c.logger.WithError(err).Error("failed to handle event",
				"job_id", event.JobID,
				"kind", string(event.Kind),
				"offset", msg.Offset,
			)
		}

		c.commit(ctx, msg)
	}
}

func (c *KafkaConsumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.WithError(err).Warn("failed to commit offset", "offset", msg.Offset)
	}
}

// Close leaves the consumer group
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// messageFormat reads the format header, falling back to def
func messageFormat(msg kafka.Message, def Format) Format {
	for _, h := range msg.Headers {
		if h.Key != "format" {
			continue
		}
		if f, err := ParseFormat(string(h.Value)); err == nil {
			return f
		}
	}
	return def
}
