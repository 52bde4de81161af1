// Package messaging publishes mining events to Kafka and ZeroMQ subscribers.
package messaging

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/pkg/circuit"
	"github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
	"github.com/bardlex/prefixminer/pkg/retry"
)

// KafkaConfig configures a KafkaPublisher
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Format  Format
}

// KafkaPublisher writes events to a single Kafka topic, keyed by job id
type KafkaPublisher struct {
	writer         *kafka.Writer
	topic          string
	format         Format
	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaPublisher creates a publisher. No connection is made until the
// first event is recorded.
func NewKafkaPublisher(cfg KafkaConfig, logger *log.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "kafka_publisher",
			"at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultEventTopic
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
	}

	logger = logger.WithComponent("kafka_publisher")
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.LogBreakerState(name, from.String(), to.String())
		},
	}

	logger.Info("created Kafka producer", "topic", cfg.Topic, "format", string(cfg.Format))

	return &KafkaPublisher{
		writer:         writer,
		topic:          cfg.Topic,
		format:         cfg.Format,
		logger:         logger,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}, nil
}

// Topic returns the topic events are written to
func (k *KafkaPublisher) Topic() string {
	return k.topic
}

// Record publishes event
func (k *KafkaPublisher) Record(ctx context.Context, event *report.Event) error {
	data, err := Encode(k.format, event)
	if err != nil {
		return err
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(event.JobID),
				Value: data,
				Time:  event.At,
				Headers: []kafka.Header{
					{Key: "kind", Value: []byte(event.Kind)},
					{Key: "format", Value: []byte(k.format)},
				},
			}

			if err := k.writer.WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_event",
					"failed to publish event to Kafka").
					WithContext("topic", k.topic).
					WithContext("job_id", event.JobID).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published event", "topic", k.topic, "key", event.JobID, "size", len(data))
			return nil
		})
	})
}

// Close flushes and closes the producer
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

var _ report.Sink = (*KafkaPublisher)(nil)
