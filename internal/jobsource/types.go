// Package jobsource talks to the HTTP job source: it fetches the current job
// and posts solutions back to the same URL.
package jobsource

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/bardlex/prefixminer/internal/job"
)

// ErrJobDecode matches any *JobDecodeError via errors.Is
var ErrJobDecode = stderrors.New("job decode failed")

// JobDecodeError reports a job source response that is not a valid job.
// Field names the missing field; it is empty when the body is not valid JSON.
type JobDecodeError struct {
	Field string
	Err   error
}

func (e *JobDecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("job decode failed: missing field %q", e.Field)
	}
	return fmt.Sprintf("job decode failed: %v", e.Err)
}

func (e *JobDecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrJobDecode) hold for every JobDecodeError
func (e *JobDecodeError) Is(target error) bool {
	return target == ErrJobDecode
}

// wireJob mirrors job.Job with pointer fields so absent keys can be told
// apart from zero values
type wireJob struct {
	JobID        *string   `json:"job_id"`
	PrevHash     *string   `json:"prev_hash"`
	Coinb1       *string   `json:"coinb1"`
	Coinb2       *string   `json:"coinb2"`
	MerkleBranch *[]string `json:"merkle_branch"`
	Version      *string   `json:"version"`
	NBits        *string   `json:"nbits"`
	NTime        *string   `json:"ntime"`
	CleanJobs    *bool     `json:"clean_jobs"`
}

// DecodeJob parses a job body, requiring all nine fields. Unknown fields are
// ignored; a null value counts as missing.
func DecodeJob(data []byte) (*job.Job, error) {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &JobDecodeError{Err: err}
	}

	missing := func(field string) error {
		return &JobDecodeError{Field: field}
	}

	switch {
	case w.JobID == nil:
		return nil, missing("job_id")
	case w.PrevHash == nil:
		return nil, missing("prev_hash")
	case w.Coinb1 == nil:
		return nil, missing("coinb1")
	case w.Coinb2 == nil:
		return nil, missing("coinb2")
	case w.MerkleBranch == nil:
		return nil, missing("merkle_branch")
	case w.Version == nil:
		return nil, missing("version")
	case w.NBits == nil:
		return nil, missing("nbits")
	case w.NTime == nil:
		return nil, missing("ntime")
	case w.CleanJobs == nil:
		return nil, missing("clean_jobs")
	}

	return &job.Job{
		JobID:        *w.JobID,
		PrevHash:     *w.PrevHash,
		Coinb1:       *w.Coinb1,
		Coinb2:       *w.Coinb2,
		MerkleBranch: *w.MerkleBranch,
		Version:      *w.Version,
		NBits:        *w.NBits,
		NTime:        *w.NTime,
		CleanJobs:    *w.CleanJobs,
	}, nil
}

// SubmitResponse is the job source's answer to a submission, kept verbatim
type SubmitResponse struct {
	Status     string
	StatusCode int
	Body       string
}

// String renders the status line followed by the body
func (r *SubmitResponse) String() string {
	return strings.TrimSpace(r.Status + " " + strings.TrimSpace(r.Body))
}
