package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/bardlex/prefixminer/internal/report"
)

// SolutionRepository handles solution-related database operations
type SolutionRepository struct {
	db *sql.DB
}

// NewSolutionRepository creates a new solution repository
func NewSolutionRepository(db *sql.DB) *SolutionRepository {
	return &SolutionRepository{db: db}
}

// CreateSolution inserts s and fills in its ID and CreatedAt
func (r *SolutionRepository) CreateSolution(ctx context.Context, s *Solution) error {
	query := `
		INSERT INTO solutions (kind, job_id, prev_hash, nonce, hash, address, difficulty,
		                       hashes, elapsed_ms, response, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`

	// NUMERIC holds the full uint64 range, which lib/pq cannot bind directly
	nonce := strconv.FormatUint(s.Nonce, 10)

	err := r.db.QueryRowContext(ctx, query,
		s.Kind, s.JobID, s.PrevHash, nonce, s.Hash, s.Address, s.Difficulty,
		s.Hashes, s.ElapsedMs, s.Response, s.FoundAt,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create solution: %w", err)
	}

	return nil
}

// GetRecentSolutions returns solutions newest first
func (r *SolutionRepository) GetRecentSolutions(ctx context.Context, limit, offset int) ([]*Solution, error) {
	query := `
		SELECT id, kind, job_id, prev_hash, nonce::text, hash, address, difficulty,
		       hashes, elapsed_ms, response, found_at, created_at
		FROM solutions
		ORDER BY found_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query solutions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var solutions []*Solution
	for rows.Next() {
		s := &Solution{}
		var nonce string
		if err := rows.Scan(&s.ID, &s.Kind, &s.JobID, &s.PrevHash, &nonce, &s.Hash,
			&s.Address, &s.Difficulty, &s.Hashes, &s.ElapsedMs, &s.Response,
			&s.FoundAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan solution: %w", err)
		}
		if s.Nonce, err = strconv.ParseUint(nonce, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid stored nonce %q: %w", nonce, err)
		}
		solutions = append(solutions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate solutions: %w", err)
	}
	return solutions, nil
}

// CountByAddress returns the number of solutions per kind for address
func (r *SolutionRepository) CountByAddress(ctx context.Context, address string) (map[string]int64, error) {
	query := `SELECT kind, COUNT(*) FROM solutions WHERE address = $1 GROUP BY kind`

	rows, err := r.db.QueryContext(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("failed to count solutions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[kind] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}
	return counts, nil
}

// Record implements report.Sink by inserting the event as a solution row
func (r *SolutionRepository) Record(ctx context.Context, event *report.Event) error {
	return r.CreateSolution(ctx, SolutionFromEvent(event))
}

// Close is a no-op; the pool belongs to the Client
func (r *SolutionRepository) Close() error {
	return nil
}

var _ report.Sink = (*SolutionRepository)(nil)
