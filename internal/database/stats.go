package database

import (
	"context"
	"time"

	"github.com/bardlex/prefixminer/internal/database/influx"
	"github.com/bardlex/prefixminer/internal/database/postgres"
	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/pkg/errors"
)

// StatsQuery selects what Stats reports
type StatsQuery struct {
	// Address narrows the per-address figures; empty skips them
	Address string
	// Limit caps the recent solutions and events
	Limit int
	// Window is how far back the time series and hashrate average look
	Window time.Duration
}

// Stats gathers what the configured backends know. Fields of a backend that
// is switched off stay empty.
type Stats struct {
	// PostgreSQL
	RecentSolutions []*postgres.Solution `json:"recent_solutions,omitempty"`
	AddressCounts   map[string]int64     `json:"address_counts,omitempty"`

	// Redis
	RecentEvents    []report.Event   `json:"recent_events,omitempty"`
	AddressCounters map[string]int64 `json:"address_counters,omitempty"`
	AverageHashrate *float64         `json:"average_hashrate,omitempty"`

	// InfluxDB
	KindCounts      map[string]int64       `json:"kind_counts,omitempty"`
	HashrateHistory []influx.HashratePoint `json:"hashrate_history,omitempty"`
}

// Stats queries every configured backend. The first failing query aborts
// the whole answer.
func (m *Manager) Stats(ctx context.Context, q StatsQuery) (*Stats, error) {
	stats := &Stats{}
	fail := func(err error, operation string) error {
		return errors.Wrap(err, errors.ErrorTypeStorage, operation, "stats query failed").
			WithContext("address", q.Address)
	}

	if m.Solutions != nil {
		recent, err := m.Solutions.GetRecentSolutions(ctx, q.Limit, 0)
		if err != nil {
			return nil, fail(err, "recent_solutions")
		}
		stats.RecentSolutions = recent

		if q.Address != "" {
			if stats.AddressCounts, err = m.Solutions.CountByAddress(ctx, q.Address); err != nil {
				return nil, fail(err, "count_by_address")
			}
		}
	}

	if m.Redis != nil {
		events, err := m.Redis.RecentEvents(ctx, int64(q.Limit))
		if err != nil {
			return nil, fail(err, "recent_events")
		}
		stats.RecentEvents = events

		if q.Address != "" {
			if stats.AddressCounters, err = m.Redis.AddressStats(ctx, q.Address); err != nil {
				return nil, fail(err, "address_stats")
			}
			rate, err := m.Redis.AverageHashrate(ctx, q.Address, q.Window)
			if err != nil {
				return nil, fail(err, "average_hashrate")
			}
			stats.AverageHashrate = &rate
		}
	}

	if m.Influx != nil {
		counts, err := m.Influx.GetKindCounts(ctx, q.Window)
		if err != nil {
			return nil, fail(err, "kind_counts")
		}
		stats.KindCounts = counts

		if q.Address != "" {
			if stats.HashrateHistory, err = m.Influx.GetHashrateHistory(ctx, q.Address, q.Window); err != nil {
				return nil, fail(err, "hashrate_history")
			}
		}
	}

	return stats, nil
}
