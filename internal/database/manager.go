// Package database coordinates the optional storage backends (PostgreSQL,
// Redis and InfluxDB) behind a single event sink.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/prefixminer/internal/database/influx"
	"github.com/bardlex/prefixminer/internal/database/postgres"
	"github.com/bardlex/prefixminer/internal/database/redis"
	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/pkg/circuit"
	"github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
	"github.com/bardlex/prefixminer/pkg/retry"
)

// Manager records events across whichever backends are configured. Nil
// fields are backends that are switched off.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Solutions *postgres.SolutionRepository

	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems; nil disables a backend
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// Enabled reports whether any backend is configured
func (c *Config) Enabled() bool {
	return c.Postgres != nil || c.Redis != nil || c.Influx != nil
}

// NewManager connects to every configured backend. If one fails, those
// already opened are closed again.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	logger = logger.WithComponent("database")
	m := &Manager{
		logger: logger,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.LogBreakerState(name, from.String(), to.String())
			},
		}),
		retryConfig: retry.StorageConfig(),
	}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pgClient

		if err := pgClient.EnsureSchema(ctx); err != nil {
			m.closeAll()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_schema",
				"failed to prepare solutions table")
		}
		m.Solutions = postgres.NewSolutionRepository(pgClient.DB())
		m.logger.Info("connected to PostgreSQL")
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			m.closeAll()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
				"failed to connect to Redis database")
		}
		m.Redis = redisClient
		m.logger.Info("connected to Redis")
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			m.closeAll()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "influx_connection",
				"failed to connect to InfluxDB database")
		}
		m.Influx = influxClient
		m.logger.Info("connected to InfluxDB")
	}

	return m, nil
}

// Record stores event in PostgreSQL, the durable record, with retries. The
// Redis and InfluxDB writes are best effort; their failures are logged.
func (m *Manager) Record(ctx context.Context, event *report.Event) error {
	if m.Solutions != nil {
		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				if err := m.Solutions.Record(ctx, event); err != nil {
					return errors.Wrap(err, errors.ErrorTypeStorage, "record_solution",
						"failed to store solution in PostgreSQL").
						WithContext("job_id", event.JobID).
						WithContext("kind", string(event.Kind))
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Record(ctx, event); err != nil {
			m.logger.WithError(err).Warn("failed to update Redis event view", "job_id", event.JobID)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Record(ctx, event); err != nil {
			m.logger.WithError(err).Warn("failed to write InfluxDB search metric", "job_id", event.JobID)
		}
	}

	return nil
}

type healthCheck struct {
	backend string
	check   func(context.Context) error
}

// Health checks every configured backend and reports the first one down
func (m *Manager) Health(ctx context.Context) error {
	var checks []healthCheck
	if m.Postgres != nil {
		checks = append(checks, healthCheck{"postgres", m.Postgres.Health})
	}
	if m.Redis != nil {
		checks = append(checks, healthCheck{"redis", m.Redis.Health})
	}
	if m.Influx != nil {
		checks = append(checks, healthCheck{"influx", m.Influx.Health})
	}

	for _, c := range checks {
		if err := c.check(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "database_health",
				"storage backend is unhealthy").
				WithContext("backend", c.backend)
		}
	}
	return nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	if errs := m.closeAll(); len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

func (m *Manager) closeAll() []error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
		m.Postgres = nil
		m.Solutions = nil
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
		m.Redis = nil
	}

	if m.Influx != nil {
		_ = m.Influx.Close()
		m.Influx = nil
	}

	return errs
}

var _ report.Sink = (*Manager)(nil)
