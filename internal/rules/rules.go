// Package rules holds the pure transition logic for jobs and milestones.
// Every legal transition is enumerated here; the engine applies mutations
// only after the corresponding rule accepts them, so the legality of a
// transition can be tested without storage or hosts.
package rules

import (
	"fmt"
	"math"

	"escrowline/internal/domain"
)

// InvalidInputError rejects malformed creation arguments.
type InvalidInputError struct {
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// UnauthorizedError rejects an actor that fails the identity check required
// by the operation (wrong client, wrong talent, or neither party).
type UnauthorizedError struct {
	Actor domain.Identity
	Need  string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("actor %s is not the %s", e.Actor, e.Need)
}

// InvalidStateError rejects an operation whose job- or milestone-level status
// precondition is not met.
type InvalidStateError struct {
	Op     string
	Detail string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

// IndexOutOfRangeError rejects a milestone index outside [0, len).
type IndexOutOfRangeError struct {
	Index int
	Len   int
}

func (e IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("milestone index %d out of range [0,%d)", e.Index, e.Len)
}

// ValidateCreate checks create_job arguments: matching non-empty slices and
// strictly positive amounts whose sum fits in int64.
func ValidateCreate(descriptions []domain.Digest, amounts []int64) error {
	if len(descriptions) == 0 {
		return InvalidInputError{Reason: "at least one milestone required"}
	}
	if len(descriptions) != len(amounts) {
		return InvalidInputError{Reason: fmt.Sprintf("%d descriptions but %d amounts", len(descriptions), len(amounts))}
	}
	var total int64
	for i, amount := range amounts {
		if amount <= 0 {
			return InvalidInputError{Reason: fmt.Sprintf("milestone %d amount must be positive, got %d", i, amount)}
		}
		if total > math.MaxInt64-amount {
			return InvalidInputError{Reason: fmt.Sprintf("milestone %d amount overflows the total", i)}
		}
		total += amount
	}
	return nil
}

// SelectTalent allows the client to set the talent exactly once on a job in
// the created status.
func SelectTalent(job *domain.Job, actor domain.Identity) error {
	if actor != job.Client {
		return UnauthorizedError{Actor: actor, Need: "client"}
	}
	if job.Status != domain.JobCreated {
		return InvalidStateError{Op: "select_talent", Detail: fmt.Sprintf("job is %s, want %s", job.Status, domain.JobCreated)}
	}
	if job.Talent != nil {
		return InvalidStateError{Op: "select_talent", Detail: "talent already selected"}
	}
	return nil
}

// SubmitMilestone allows the talent to submit work for a pending milestone on
// an in-progress job.
func SubmitMilestone(job *domain.Job, actor domain.Identity, index int) error {
	if job.Talent == nil || actor != *job.Talent {
		return UnauthorizedError{Actor: actor, Need: "talent"}
	}
	if job.Status != domain.JobInProgress {
		return InvalidStateError{Op: "submit_milestone", Detail: fmt.Sprintf("job is %s, want %s", job.Status, domain.JobInProgress)}
	}
	if err := checkIndex(job, index); err != nil {
		return err
	}
	if got := job.Milestones[index].Status; got != domain.MilestonePending {
		return InvalidStateError{Op: "submit_milestone", Detail: fmt.Sprintf("milestone %d is %s, want %s", index, got, domain.MilestonePending)}
	}
	return nil
}

// ApproveMilestone allows the client to approve a submitted milestone on an
// in-progress job.
func ApproveMilestone(job *domain.Job, actor domain.Identity, index int) error {
	if actor != job.Client {
		return UnauthorizedError{Actor: actor, Need: "client"}
	}
	if job.Status != domain.JobInProgress {
		return InvalidStateError{Op: "approve_milestone", Detail: fmt.Sprintf("job is %s, want %s", job.Status, domain.JobInProgress)}
	}
	if err := checkIndex(job, index); err != nil {
		return err
	}
	if got := job.Milestones[index].Status; got != domain.MilestoneSubmitted {
		return InvalidStateError{Op: "approve_milestone", Detail: fmt.Sprintf("milestone %d is %s, want %s", index, got, domain.MilestoneSubmitted)}
	}
	return nil
}

// RaiseDispute allows either party to place an in-progress job into the
// disputed status. An index, when given, names the contested milestone (which
// must be submitted) without transitioning it.
func RaiseDispute(job *domain.Job, actor domain.Identity, index *int) error {
	party := actor == job.Client || (job.Talent != nil && actor == *job.Talent)
	if !party {
		return UnauthorizedError{Actor: actor, Need: "client or talent"}
	}
	if job.Status != domain.JobInProgress {
		return InvalidStateError{Op: "raise_dispute", Detail: fmt.Sprintf("job is %s, want %s", job.Status, domain.JobInProgress)}
	}
	if index != nil {
		if err := checkIndex(job, *index); err != nil {
			return err
		}
		if got := job.Milestones[*index].Status; got != domain.MilestoneSubmitted {
			return InvalidStateError{Op: "raise_dispute", Detail: fmt.Sprintf("milestone %d is %s, want %s", *index, got, domain.MilestoneSubmitted)}
		}
	}
	return nil
}

// ResolveDispute checks the arbitration preconditions: the job must be
// disputed and a targeted index must be in range. Arbitrator eligibility is
// the authorization collaborator's concern, not checked here.
func ResolveDispute(job *domain.Job, index *int) error {
	if job.Status != domain.JobDisputed {
		return InvalidStateError{Op: "resolve_dispute", Detail: fmt.Sprintf("job is %s, want %s", job.Status, domain.JobDisputed)}
	}
	if index != nil {
		if err := checkIndex(job, *index); err != nil {
			return err
		}
	}
	return nil
}

// Recompute derives AmountPaid and the job status from the milestone
// statuses. AmountPaid is always a full scan over approved milestones,
// never an incremented counter.
func Recompute(job *domain.Job) {
	job.AmountPaid = job.ApprovedTotal()
	switch job.Status {
	case domain.JobCreated:
		// Untouched until select_talent.
	default:
		if job.AllApproved() {
			job.Status = domain.JobCompleted
		} else {
			job.Status = domain.JobInProgress
		}
	}
}

func checkIndex(job *domain.Job, index int) error {
	if index < 0 || index >= len(job.Milestones) {
		return IndexOutOfRangeError{Index: index, Len: len(job.Milestones)}
	}
	return nil
}
