// Package report carries mining outcomes to optional external sinks. Delivery
// is best effort: a failing sink is logged and never stops a run.
package report

import (
	"context"
	"time"
)

// Kind classifies an event
type Kind string

// Event kinds. The miner records KindMined once its solution has been
// submitted; the job server records its verdict as accepted or rejected.
const (
	KindMined    Kind = "mined"
	KindAccepted Kind = "accepted"
	KindRejected Kind = "rejected"
)

// Event is a single mining outcome
type Event struct {
	Kind       Kind          `json:"kind"`
	JobID      string        `json:"job_id"`
	PrevHash   string        `json:"prev_hash"`
	Nonce      uint64        `json:"nonce"`
	Hash       string        `json:"hash"`
	Address    string        `json:"address"`
	Difficulty int           `json:"difficulty"`
	Hashes     uint64        `json:"hashes,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns,omitempty"`
	Response   string        `json:"response,omitempty"`
	At         time.Time     `json:"at"`
}

// Hashrate is hashes per second over Elapsed, or 0 when either is unknown
func (e *Event) Hashrate() float64 {
	if e.Elapsed <= 0 || e.Hashes == 0 {
		return 0
	}
	return float64(e.Hashes) / e.Elapsed.Seconds()
}

// Sink receives events
type Sink interface {
	Record(ctx context.Context, event *Event) error
	Close() error
}
