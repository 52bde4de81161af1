// Package validation checks solutions against the job they claim to solve.
package validation

import (
	stderrors "errors"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/prefixminer/internal/bitcoin"
	"github.com/bardlex/prefixminer/internal/job"
	"github.com/bardlex/prefixminer/internal/pow"
	"github.com/bardlex/prefixminer/pkg/errors"
)

// Rejection reasons; match them with errors.Is
var (
	ErrMissingField     = stderrors.New("required field is empty")
	ErrStaleJob         = stderrors.New("solution is for another job")
	ErrInsufficientWork = stderrors.New("hash does not meet difficulty")
	ErrHashMismatch     = stderrors.New("claimed hash does not match nonce")
	ErrInvalidAddress   = stderrors.New("invalid payout address")
)

// SolutionValidator checks solutions at a fixed prefix difficulty. When chain
// parameters are set the claimant address must decode on that network.
type SolutionValidator struct {
	difficulty  int
	chainParams *chaincfg.Params
}

// NewSolutionValidator creates a validator; chainParams may be nil to skip
// the address check
func NewSolutionValidator(difficulty int, chainParams *chaincfg.Params) *SolutionValidator {
	return &SolutionValidator{
		difficulty:  difficulty,
		chainParams: chainParams,
	}
}

// Difficulty returns the prefix length solutions must reach
func (v *SolutionValidator) Difficulty() int {
	return v.difficulty
}

// Validate checks s against current and returns the recomputed hash. An empty
// claimedHash skips the comparison with the miner's reported digest.
func (v *SolutionValidator) Validate(current *job.Job, s job.Solution, claimedHash string) (string, error) {
	if err := v.validateBasicFields(s); err != nil {
		return "", err
	}

	if err := v.validateJob(current, s); err != nil {
		return "", err
	}

	if err := v.validateAddress(s); err != nil {
		return "", err
	}

	return v.validateProofOfWork(current, s, claimedHash)
}

func (v *SolutionValidator) validateBasicFields(s job.Solution) error {
	if s.JobID == "" {
		return reject(ErrMissingField, "job ID is required").WithContext("field", "job_id")
	}

	if s.Address == "" {
		return reject(ErrMissingField, "miner address is required").WithContext("field", "address")
	}

	return nil
}

func (v *SolutionValidator) validateJob(current *job.Job, s job.Solution) error {
	if current == nil || s.JobID != current.JobID {
		se := reject(ErrStaleJob, "job ID mismatch").WithContext("job_id", s.JobID)
		if current != nil {
			se.WithContext("current_job_id", current.JobID)
		}
		return se
	}
	return nil
}

func (v *SolutionValidator) validateAddress(s job.Solution) error {
	if v.chainParams == nil {
		return nil
	}

	if _, err := bitcoin.ValidateAddress(s.Address, v.chainParams); err != nil {
		return errors.Wrap(stderrors.Join(ErrInvalidAddress, err), errors.ErrorTypeValidation,
			"validate_solution", "miner address rejected").
			WithContext("address", s.Address)
	}
	return nil
}

func (v *SolutionValidator) validateProofOfWork(current *job.Job, s job.Solution, claimedHash string) (string, error) {
	hash, ok := pow.Verify(current.PrevHash, s.Nonce, v.difficulty)

	if claimedHash != "" && claimedHash != hash {
		return hash, reject(ErrHashMismatch, "hash mismatch").
			WithContext("claimed_hash", claimedHash).
			WithContext("hash", hash)
	}

	if !ok {
		return hash, reject(ErrInsufficientWork, "proof of work validation failed").
			WithContext("hash", hash).
			WithContext("difficulty", v.difficulty)
	}

	return hash, nil
}

func reject(reason error, message string) *errors.ServiceError {
	return errors.Wrap(reason, errors.ErrorTypeValidation, "validate_solution", message)
}
