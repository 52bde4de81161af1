package jobserver

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/prefixminer/internal/job"
	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/internal/validation"
	"github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
)

// maxSubmissionSize bounds a POSTed solution body
const maxSubmissionSize = 4 << 10

// Submission verdicts
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// ErrDuplicateSolution answers a solution that was already accepted for the job
var ErrDuplicateSolution = stderrors.New("solution already accepted")

// SubmitResult is the JSON body answering a submission
type SubmitResult struct {
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
	Hash   string `json:"hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Server keeps the current job and answers the job source HTTP contract
type Server struct {
	source    Source
	validator *validation.SolutionValidator
	sink      report.Sink
	stats     StatsProvider
	logger    *log.Logger

	mu      sync.RWMutex
	current *job.Job
	// accepted solutions since the last Refresh
	seen map[string]struct{}

	jobCounter atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
}

// NewServer creates a server. sink may be nil.
func NewServer(source Source, validator *validation.SolutionValidator, sink report.Sink, logger *log.Logger) *Server {
	return &Server{
		source:    source,
		validator: validator,
		sink:      sink,
		logger:    logger.WithComponent("jobserver"),
		seen:      make(map[string]struct{}),
	}
}

// SetStatsProvider adds stored history to GET /stats. Call it before serving.
func (s *Server) SetStatsProvider(stats StatsProvider) {
	s.stats = stats
}

// Current returns the job being served, or nil before the first Refresh
func (s *Server) Current() *job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Refresh replaces the current job with a fresh one from the source
func (s *Server) Refresh(ctx context.Context) error {
	jobID := fmt.Sprintf("job_%d", s.jobCounter.Add(1))

	next, err := s.source.NextJob(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "refresh_job",
			"failed to build job").
			WithContext("job_id", jobID)
	}

	s.mu.Lock()
	s.current = next
	clear(s.seen)
	s.mu.Unlock()

	s.logger.Info("new job created",
		"job_id", next.JobID,
		"prev_hash", next.PrevHash,
		"difficulty", s.validator.Difficulty(),
	)
	return nil
}

// RefreshIfChanged refreshes only when the source reports the current job stale
func (s *Server) RefreshIfChanged(ctx context.Context) error {
	changed, err := s.source.Changed(ctx, s.Current())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.logger.Info("job superseded, refreshing")
	return s.Refresh(ctx)
}

// OnNewBlock refreshes the job on a block notification
func (s *Server) OnNewBlock(blockHash string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.logger.Info("new block detected", "block_hash", blockHash)
	return s.Refresh(ctx)
}

// Run builds the first job and then polls the source every interval until
// ctx is done
func (s *Server) Run(ctx context.Context, interval time.Duration) error {
	if err := s.Refresh(ctx); err != nil {
		s.logger.WithError(err).Error("failed to create initial job")
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RefreshIfChanged(ctx); err != nil {
				s.logger.WithError(err).Error("failed to check for new job")
			}
		}
	}
}

// Stats returns the number of accepted and rejected submissions so far
func (s *Server) Stats() (accepted, rejected int64) {
	return s.accepted.Load(), s.rejected.Load()
}

// Handler returns the HTTP handler: GET / serves the job, POST / takes a
// solution and GET /stats reports what was accepted
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleJob)
	mux.HandleFunc("POST /{$}", s.handleSubmit)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	current := s.Current()
	if current == nil {
		writeJSON(w, http.StatusServiceUnavailable, SubmitResult{Status: "unavailable", Error: "no job yet"})
		return
	}

	s.logger.LogJobServed(current.JobID, r.RemoteAddr, current.CleanJobs)
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.Current() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionSize+1))
	if err != nil {
		s.reject(r.Context(), w, http.StatusBadRequest, job.Solution{}, err)
		return
	}
	if len(body) > maxSubmissionSize {
		s.reject(r.Context(), w, http.StatusRequestEntityTooLarge, job.Solution{},
			fmt.Errorf("submission exceeds %d bytes", maxSubmissionSize))
		return
	}

	var raw string
	if err := json.Unmarshal(body, &raw); err != nil {
		s.reject(r.Context(), w, http.StatusBadRequest, job.Solution{},
			errors.Wrap(err, errors.ErrorTypeDecode, "decode_submission",
				"body must be a JSON string"))
		return
	}

	solution, err := job.ParseSolution(raw)
	if err != nil {
		s.reject(r.Context(), w, http.StatusBadRequest, job.Solution{}, err)
		return
	}

	current := s.Current()
	hash, err := s.validator.Validate(current, solution, "")
	if err != nil {
		status := http.StatusBadRequest
		if stderrors.Is(err, validation.ErrStaleJob) {
			status = http.StatusConflict
		}
		s.reject(r.Context(), w, status, solution, err)
		return
	}
	if !s.claim(solution) {
		s.reject(r.Context(), w, http.StatusConflict, solution, ErrDuplicateSolution)
		return
	}

	s.accepted.Add(1)
	s.logger.LogSolutionFound(solution.JobID, solution.Nonce, hash, s.validator.Difficulty())

	s.record(r.Context(), &report.Event{
		Kind:       report.KindAccepted,
		JobID:      solution.JobID,
		PrevHash:   current.PrevHash,
		Nonce:      solution.Nonce,
		Hash:       hash,
		Address:    solution.Address,
		Difficulty: s.validator.Difficulty(),
	})

	writeJSON(w, http.StatusOK, SubmitResult{Status: StatusAccepted, JobID: solution.JobID, Hash: hash})
}

// claim marks solution accepted and reports false if it already was
func (s *Server) claim(solution job.Solution) bool {
	key := solution.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *Server) reject(ctx context.Context, w http.ResponseWriter, status int, solution job.Solution, cause error) {
	s.rejected.Add(1)
	s.logger.WithError(cause).Info("solution rejected",
		"job_id", solution.JobID,
		"nonce", solution.Nonce,
		"address", solution.Address,
		"status", status,
	)

	s.record(ctx, &report.Event{
		Kind:       report.KindRejected,
		JobID:      solution.JobID,
		Nonce:      solution.Nonce,
		Address:    solution.Address,
		Difficulty: s.validator.Difficulty(),
		Response:   cause.Error(),
	})

	writeJSON(w, status, SubmitResult{Status: StatusRejected, JobID: solution.JobID, Error: cause.Error()})
}

func (s *Server) record(ctx context.Context, event *report.Event) {
	if s.sink == nil {
		return
	}
	event.At = time.Now().UTC()
	if err := s.sink.Record(ctx, event); err != nil {
		s.logger.WithError(err).Warn("failed to record event", "kind", string(event.Kind))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
