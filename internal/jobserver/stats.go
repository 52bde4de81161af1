package jobserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/bardlex/prefixminer/internal/database"
	"github.com/bardlex/prefixminer/pkg/errors"
)

const (
	defaultStatsLimit  = 20
	maxStatsLimit      = 100
	defaultStatsWindow = time.Hour
	statsTimeout       = 10 * time.Second
)

// StatsProvider answers history queries over the stored events
type StatsProvider interface {
	Stats(ctx context.Context, q database.StatsQuery) (*database.Stats, error)
}

// StatsResponse is the body of GET /stats. The stored history is present
// only when a StatsProvider is set.
type StatsResponse struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	*database.Stats
}

// parseStatsQuery reads address, limit and window from the query string
func parseStatsQuery(r *http.Request) (database.StatsQuery, error) {
	values := r.URL.Query()
	q := database.StatsQuery{
		Address: values.Get("address"),
		Limit:   defaultStatsLimit,
		Window:  defaultStatsWindow,
	}

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxStatsLimit {
			return q, errors.New(errors.ErrorTypeValidation, "parse_stats_query",
				"limit must be between 1 and "+strconv.Itoa(maxStatsLimit)).
				WithContext("limit", raw)
		}
		q.Limit = limit
	}

	if raw := values.Get("window"); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil || window <= 0 {
			return q, errors.New(errors.ErrorTypeValidation, "parse_stats_query",
				"window must be a positive duration such as 15m").
				WithContext("window", raw)
		}
		q.Window = window
	}

	return q, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	accepted, rejected := s.Stats()
	resp := StatsResponse{Accepted: accepted, Rejected: rejected}

	if s.stats != nil {
		ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
		defer cancel()

		start := time.Now()
		stored, err := s.stats.Stats(ctx, q)
		if err != nil {
			s.logger.WithError(err).Warn("stats query failed", "address", q.Address)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		s.logger.WithFields("address", q.Address).LogDuration("stats_query", time.Since(start))
		resp.Stats = stored
	}

	writeJSON(w, http.StatusOK, resp)
}
