// Package main implements the prefixminer command: fetch one job from a job
// source, search for a nonce whose digest starts with enough zeros, submit
// it and report how long that took.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/prefixminer/internal/bitcoin"
	"github.com/bardlex/prefixminer/internal/config"
	"github.com/bardlex/prefixminer/internal/job"
	"github.com/bardlex/prefixminer/internal/jobsource"
	"github.com/bardlex/prefixminer/internal/pow"
	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/internal/sinks"
	"github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses the command line and mines a single job. A wrong argument count
// prints the usage line and is not an error.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) != 3 {
		prog := "prefixminer"
		if len(args) > 0 {
			prog = args[0]
		}
		fmt.Fprintf(stderr, "Usage: %s <mining_address> <pool_url>\n", prog)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := log.NewWithWriter(stderr, cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormatOr("text"))

	m := &miner{
		cfg:     cfg,
		logger:  logger,
		stdout:  stdout,
		address: args[1],
		poolURL: args[2],
	}

	if err := m.mine(ctx); err != nil {
		logger.WithError(err).Error("mining failed")
		return err
	}
	return nil
}

type miner struct {
	cfg     *config.Config
	logger  *log.Logger
	stdout  io.Writer
	address string
	poolURL string
}

func (m *miner) mine(ctx context.Context) error {
	if err := m.checkAddress(); err != nil {
		return err
	}

	client, err := jobsource.NewClient(&jobsource.Config{
		URL:           m.poolURL,
		Timeout:       m.cfg.HTTPTimeout,
		RetryAttempts: m.cfg.RetryAttempts,
	}, m.logger)
	if err != nil {
		return err
	}

	j, err := client.FetchJob(ctx)
	if err != nil {
		return err
	}
	jobLogger := m.logger.WithJob(j.JobID, j.PrevHash)
	logTargets(jobLogger, j, m.cfg.Difficulty)

	start := time.Now()

	searcher := pow.Searcher{Workers: m.cfg.Workers, CheckInterval: m.cfg.CheckInterval}
	res, err := searcher.Search(ctx, j.PrevHash, m.cfg.Difficulty)
	if err != nil {
		return err
	}

	fmt.Fprintf(m.stdout, "Block mined! Nonce: %d, Hash: %s\n", res.Nonce, res.Hash)
	m.logger.LogSolutionFound(j.JobID, res.Nonce, res.Hash, m.cfg.Difficulty)
	m.logger.LogThroughput("search", res.Hashes, res.Elapsed)

	// A failure here means the searcher and the verifier disagree
	if hash, ok := pow.Verify(j.PrevHash, res.Nonce, m.cfg.Difficulty); !ok || hash != res.Hash {
		return errors.New(errors.ErrorTypeInternal, "self_check",
			"found solution does not verify").
			WithContext("nonce", res.Nonce)
	}

	solution := job.Solution{JobID: j.JobID, Nonce: res.Nonce, Address: m.address}

	submitStart := time.Now()
	resp, err := client.SubmitSolution(ctx, solution)
	if err != nil {
		return err
	}
	jobLogger.LogDuration("submit_solution", time.Since(submitStart))
	fmt.Fprintf(m.stdout, "Solution submitted: %s\n", resp.String())

	elapsed := time.Since(start)
	fmt.Fprintf(m.stdout, "Time taken: %v\n", elapsed)

	m.report(ctx, &report.Event{
		Kind:       report.KindMined,
		JobID:      j.JobID,
		PrevHash:   j.PrevHash,
		Nonce:      res.Nonce,
		Hash:       res.Hash,
		Address:    m.address,
		Difficulty: m.cfg.Difficulty,
		Hashes:     res.Hashes,
		Elapsed:    res.Elapsed,
		Response:   resp.String(),
	})

	return nil
}

// checkAddress rejects a mining address from another network. Without
// ADDRESS_NETWORK any string is passed through.
func (m *miner) checkAddress() error {
	if m.cfg.AddressNetwork == "" {
		return nil
	}

	params, err := bitcoin.NetworkParams(m.cfg.AddressNetwork)
	if err != nil {
		return err
	}
	_, err = bitcoin.ValidateAddress(m.address, params)
	return err
}

// logTargets compares the job's block target with the prefix target the
// search actually meets
func logTargets(logger *log.Logger, j *job.Job, difficulty int) {
	prefix := bitcoin.PrefixTarget(difficulty)

	block, err := bitcoin.CompactToTarget(j.NBits)
	if err != nil {
		logger.Debug("job carries no usable nbits", "nbits", j.NBits, "error", err)
		return
	}

	logger.Debug("search target",
		"prefix_target", fmt.Sprintf("%064x", prefix),
		"block_target", fmt.Sprintf("%064x", block),
		"meets_block_target", prefix.Cmp(block) <= 0,
	)
}

// report hands the event to every configured sink. Nothing here can fail the run.
func (m *miner) report(ctx context.Context, event *report.Event) {
	set := sinks.Build(ctx, m.cfg, sinks.OneShot, m.logger)
	if set.Len() == 0 {
		return
	}
	defer func() {
		if err := set.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close event sinks")
		}
	}()

	if err := set.Record(ctx, event); err != nil {
		m.logger.WithError(err).Warn("failed to report solution")
	}
}
