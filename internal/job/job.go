// Package job defines the mining job handed out by a job source and the
// solution a miner sends back for it.
package job

import (
	"strconv"
	"strings"

	"github.com/bardlex/prefixminer/pkg/errors"
)

// Job is a unit of work as served by the job source. Only PrevHash feeds the
// search; the remaining fields are carried through untouched.
type Job struct {
	JobID        string   `json:"job_id"`
	PrevHash     string   `json:"prev_hash"`
	Coinb1       string   `json:"coinb1"`
	Coinb2       string   `json:"coinb2"`
	MerkleBranch []string `json:"merkle_branch"`
	Version      string   `json:"version"`
	NBits        string   `json:"nbits"`
	NTime        string   `json:"ntime"`
	CleanJobs    bool     `json:"clean_jobs"`
}

// Solution identifies the winning nonce of a job and who claims it
type Solution struct {
	JobID   string
	Nonce   uint64
	Address string
}

// String renders the wire form "<job_id>:<nonce>:<address>"
func (s Solution) String() string {
	var b strings.Builder
	b.Grow(len(s.JobID) + len(s.Address) + 22)
	b.WriteString(s.JobID)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(s.Nonce, 10))
	b.WriteByte(':')
	b.WriteString(s.Address)
	return b.String()
}

// ParseSolution parses the wire form produced by Solution.String. The job id
// may itself contain colons; the nonce and address may not.
func ParseSolution(raw string) (Solution, error) {
	addrSep := strings.LastIndexByte(raw, ':')
	if addrSep < 0 {
		return Solution{}, errors.New(errors.ErrorTypeValidation, "parse_solution",
			"expected <job_id>:<nonce>:<address>").
			WithContext("solution", raw)
	}

	nonceSep := strings.LastIndexByte(raw[:addrSep], ':')
	if nonceSep < 0 {
		return Solution{}, errors.New(errors.ErrorTypeValidation, "parse_solution",
			"expected <job_id>:<nonce>:<address>").
			WithContext("solution", raw)
	}

	nonce, err := strconv.ParseUint(raw[nonceSep+1:addrSep], 10, 64)
	if err != nil {
		return Solution{}, errors.Wrap(err, errors.ErrorTypeValidation, "parse_solution",
			"nonce is not a decimal uint64").
			WithContext("solution", raw)
	}

	return Solution{
		JobID:   raw[:nonceSep],
		Nonce:   nonce,
		Address: raw[addrSep+1:],
	}, nil
}
