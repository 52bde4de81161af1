// Package jobserver is a reference job source: it serves the current job over
// HTTP and validates the solutions posted back to it.
package jobserver

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/prefixminer/internal/bitcoin"
	"github.com/bardlex/prefixminer/internal/job"
)

// Source produces jobs for the server
type Source interface {
	// NextJob builds a fresh job under jobID
	NextJob(ctx context.Context, jobID string) (*job.Job, error)
	// Changed reports whether current has been superseded, e.g. by a new block
	Changed(ctx context.Context, current *job.Job) (bool, error)
}

// StaticSource hands out jobs on a fixed previous hash with placeholder
// header fields. It never reports a change.
type StaticSource struct {
	PrevHash string
	now      func() time.Time
}

// NewStaticSource creates a static source for prevHash
func NewStaticSource(prevHash string) *StaticSource {
	return &StaticSource{PrevHash: prevHash, now: time.Now}
}

// NextJob implements Source
func (s *StaticSource) NextJob(_ context.Context, jobID string) (*job.Job, error) {
	return &job.Job{
		JobID:        jobID,
		PrevHash:     s.PrevHash,
		Coinb1:       "",
		Coinb2:       "",
		MerkleBranch: []string{},
		Version:      "20000000",
		NBits:        "1d00ffff",
		NTime:        fmt.Sprintf("%08x", uint32(s.now().Unix())),
		CleanJobs:    true,
	}, nil
}

// Changed implements Source
func (s *StaticSource) Changed(context.Context, *job.Job) (bool, error) {
	return false, nil
}

// TemplateJobSource builds jobs from Bitcoin Core block templates and treats
// a new chain tip as a change
type TemplateJobSource struct {
	client        bitcoin.TemplateSource
	payoutAddress string
	params        *chaincfg.Params
}

// NewTemplateJobSource creates a template backed source
func NewTemplateJobSource(client bitcoin.TemplateSource, payoutAddress string, params *chaincfg.Params) *TemplateJobSource {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &TemplateJobSource{
		client:        client,
		payoutAddress: payoutAddress,
		params:        params,
	}
}

// NextJob implements Source
func (s *TemplateJobSource) NextJob(ctx context.Context, jobID string) (*job.Job, error) {
	templateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	template, err := s.client.GetBlockTemplate(templateCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block template: %w", err)
	}

	return bitcoin.BuildJob(template, jobID, s.payoutAddress, s.params)
}

// Changed implements Source
func (s *TemplateJobSource) Changed(ctx context.Context, current *job.Job) (bool, error) {
	if current == nil {
		return true, nil
	}

	hashCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	bestHash, err := s.client.GetBestBlockHash(hashCtx)
	if err != nil {
		return false, fmt.Errorf("failed to get best block hash: %w", err)
	}

	return bestHash != current.PrevHash, nil
}
