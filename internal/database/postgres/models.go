package postgres

import (
	"math"
	"time"

	"github.com/bardlex/prefixminer/internal/report"
)

// Solution is one row of the solutions table
type Solution struct {
	ID         int64     `db:"id" json:"id"`
	Kind       string    `db:"kind" json:"kind"`
	JobID      string    `db:"job_id" json:"job_id"`
	PrevHash   string    `db:"prev_hash" json:"prev_hash"`
	Nonce      uint64    `db:"nonce" json:"nonce"`
	Hash       string    `db:"hash" json:"hash"`
	Address    string    `db:"address" json:"address"`
	Difficulty int       `db:"difficulty" json:"difficulty"`
	Hashes     int64     `db:"hashes" json:"hashes"`
	ElapsedMs  float64   `db:"elapsed_ms" json:"elapsed_ms"`
	Response   string    `db:"response" json:"response"`
	FoundAt    time.Time `db:"found_at" json:"found_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SolutionFromEvent maps a report event onto a row. Hash counts beyond the
// BIGINT range are clamped.
func SolutionFromEvent(event *report.Event) *Solution {
	hashes := int64(math.MaxInt64)
	if event.Hashes <= math.MaxInt64 {
		hashes = int64(event.Hashes)
	}

	foundAt := event.At
	if foundAt.IsZero() {
		foundAt = time.Now()
	}

	return &Solution{
		Kind:       string(event.Kind),
		JobID:      event.JobID,
		PrevHash:   event.PrevHash,
		Nonce:      event.Nonce,
		Hash:       event.Hash,
		Address:    event.Address,
		Difficulty: event.Difficulty,
		Hashes:     hashes,
		ElapsedMs:  float64(event.Elapsed) / float64(time.Millisecond),
		Response:   event.Response,
		FoundAt:    foundAt.UTC(),
	}
}
