// Package main implements the event recorder: it consumes mining events from
// Kafka and stores them in the configured databases.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/prefixminer/internal/config"
	"github.com/bardlex/prefixminer/internal/database"
	"github.com/bardlex/prefixminer/internal/messaging"
	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/internal/sinks"
	pkgerrors "github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName+"-eventrecorder", cfg.Version, cfg.LogLevel, cfg.LogFormatOr("json"))
	logger.Info("starting eventrecorder",
		"version", cfg.Version,
		"topic", cfg.KafkaTopic,
		"group_id", cfg.KafkaGroupID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("eventrecorder failed")
		os.Exit(1)
	}

	logger.Info("eventrecorder stopped")
}

// run consumes until ctx is cancelled
func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	if len(cfg.KafkaBrokers) == 0 {
		return pkgerrors.New(pkgerrors.ErrorTypeValidation, "eventrecorder",
			"KAFKA_BROKERS is required")
	}

	dbCfg := sinks.DatabaseConfig(cfg)
	if !dbCfg.Enabled() {
		return pkgerrors.New(pkgerrors.ErrorTypeValidation, "eventrecorder",
			"at least one of POSTGRES_URL, REDIS_URL or INFLUX_URL is required")
	}

	format, err := messaging.ParseFormat(cfg.MessageFormat)
	if err != nil {
		return err
	}

	manager, err := database.NewManager(ctx, dbCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.WithError(err).Warn("failed to close databases")
		}
	}()

	if err := checkStorage(ctx, manager, logger); err != nil {
		return err
	}

	consumer, err := messaging.NewKafkaConsumer(messaging.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
		Format:  format,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.WithError(err).Warn("failed to close Kafka consumer")
		}
	}()

	rec := newRecorder(manager, logger)
	err = consumer.Consume(ctx, rec.handle)

	recorded, failed := rec.stats()
	logger.Info("events processed", "recorded", recorded, "failed", failed)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// healthChecker reports whether every storage backend answers
type healthChecker interface {
	Health(ctx context.Context) error
}

// storageCheckTimeout bounds the startup health check
const storageCheckTimeout = 10 * time.Second

// checkStorage refuses to start consuming while a backend is down, so events
// are not committed without being stored
func checkStorage(ctx context.Context, storage healthChecker, logger *log.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, storageCheckTimeout)
	defer cancel()

	start := time.Now()
	if err := storage.Health(ctx); err != nil {
		return err
	}
	logger.LogDuration("storage_health_check", time.Since(start))
	return nil
}

// recorder stores each consumed event with a bounded deadline
type recorder struct {
	sink     report.Sink
	logger   *log.Logger
	timeout  time.Duration
	recorded int64
	failed   int64
}

func newRecorder(sink report.Sink, logger *log.Logger) *recorder {
	return &recorder{
		sink:    sink,
		logger:  logger.WithComponent("recorder"),
		timeout: 10 * time.Second,
	}
}

func (r *recorder) handle(ctx context.Context, event *report.Event) error {
	recordCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sink.Record(recordCtx, event); err != nil {
		r.failed++
		return err
	}

	r.recorded++
	r.logger.Debug("event recorded",
		"kind", string(event.Kind),
		"job_id", event.JobID,
		"nonce", event.Nonce,
	)
	return nil
}

func (r *recorder) stats() (recorded, failed int64) {
	return r.recorded, r.failed
}
