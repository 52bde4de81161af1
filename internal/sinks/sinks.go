// Package sinks assembles the event sinks enabled in the configuration.
package sinks

import (
	"context"

	"github.com/bardlex/prefixminer/internal/config"
	"github.com/bardlex/prefixminer/internal/database"
	"github.com/bardlex/prefixminer/internal/database/influx"
	"github.com/bardlex/prefixminer/internal/database/postgres"
	"github.com/bardlex/prefixminer/internal/database/redis"
	"github.com/bardlex/prefixminer/internal/messaging"
	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/pkg/log"
)

// DatabaseConfig extracts the storage backends enabled in cfg
func DatabaseConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{}
	if cfg.PostgresURL != "" {
		dbCfg.Postgres = &postgres.Config{URL: cfg.PostgresURL}
	}
	if cfg.RedisURL != "" {
		dbCfg.Redis = &redis.Config{URL: cfg.RedisURL}
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbCfg
}

// Mode tells Build how long the process lives
type Mode int

const (
	// LongRunning processes keep their sinks open for many events
	LongRunning Mode = iota
	// OneShot processes record a single event and exit. ZMQ is left out:
	// subscribers only see messages published after their connection
	// completes, which a one-shot publisher never waits for.
	OneShot
)

// Set is the fanout over the enabled sinks. Database is also exposed for
// queries; it is nil when no storage backend is enabled or reachable.
type Set struct {
	*report.Fanout
	Database *database.Manager
}

// Build returns a fanout over every sink cfg enables. A sink that cannot be
// set up is logged and left out; reporting never blocks mining.
func Build(ctx context.Context, cfg *config.Config, mode Mode, logger *log.Logger) *Set {
	set := &Set{Fanout: report.NewFanout(logger)}

	format, err := messaging.ParseFormat(cfg.MessageFormat)
	if err != nil {
		logger.WithError(err).Warn("falling back to JSON event payloads")
		format = messaging.FormatJSON
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Format:  format,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka sink disabled")
		} else {
			set.Add("kafka", publisher)
		}
	}

	switch {
	case cfg.ZMQPubAddr == "":
	case mode == OneShot:
		logger.Info("ZMQ sink skipped for a one-shot run", "endpoint", cfg.ZMQPubAddr)
	default:
		publisher, err := messaging.NewZMQPublisher(cfg.ZMQPubAddr, cfg.KafkaTopic, format, logger)
		if err != nil {
			logger.WithError(err).Warn("ZMQ sink disabled")
		} else {
			set.Add("zmq", publisher)
		}
	}

	if dbCfg := DatabaseConfig(cfg); dbCfg.Enabled() {
		manager, err := database.NewManager(ctx, dbCfg, logger)
		if err != nil {
			logger.WithError(err).Warn("database sink disabled")
		} else {
			set.Add("database", manager)
			set.Database = manager
		}
	}

	return set
}
