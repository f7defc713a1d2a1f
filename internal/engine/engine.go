// Package engine owns the job collection and performs every mutation under
// the transition rules. Each operation is atomic: state change, fund
// instruction and event append commit together or not at all.
package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
	"escrowline/internal/funds"
	"escrowline/internal/repo"
	"escrowline/internal/rules"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Funds  funds.Mover
	Auth   auth.Authorizer
	Config *config.Config
	Now    func() time.Time

	locks *jobLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	var arbitrators []domain.Identity
	if cfg != nil {
		arbitrators = cfg.ArbitratorIdentities()
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Funds:  funds.Ledger{Repo: r},
		Auth:   auth.ContextAuthorizer{Arbitrators: arbitrators},
		Config: cfg,
		Now:    time.Now,
		locks:  newJobLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateJob allocates a job id, builds the milestones in pending state and
// records the escrow lock for the total budget.
func (e Engine) CreateJob(ctx context.Context, actor domain.Identity, title domain.Digest, descriptions []domain.Digest, amounts []int64) (domain.Job, error) {
	if err := e.Auth.RequireAuth(ctx, actor); err != nil {
		return domain.Job{}, err
	}
	if err := rules.ValidateCreate(descriptions, amounts); err != nil {
		return domain.Job{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	job := domain.Job{
		Client:    actor,
		Title:     title,
		Status:    domain.JobCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, desc := range descriptions {
		job.Milestones = append(job.Milestones, domain.Milestone{
			Description: desc,
			Amount:      amounts[i],
			Status:      domain.MilestonePending,
		})
		job.TotalAmount += amounts[i]
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job.ID, err = e.Repo.NextJobID(ctx, tx)
	if err != nil {
		return domain.Job{}, err
	}
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return domain.Job{}, err
	}
	if err := e.Funds.Lock(ctx, tx, job.ID, job.Client, job.TotalAmount, now); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, now, events.TypeJobCreated, job.ID, actor, events.EventPayload{
		"title":        job.Title.String(),
		"total_amount": job.TotalAmount,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// SelectTalent sets the talent exactly once and moves the job in progress.
func (e Engine) SelectTalent(ctx context.Context, actor domain.Identity, jobID domain.JobID, talent domain.Identity) (domain.Job, error) {
	return e.mutate(ctx, actor, jobID, func(job *domain.Job) error {
		if err := rules.SelectTalent(job, actor); err != nil {
			return err
		}
		job.Talent = &talent
		job.Status = domain.JobInProgress
		return nil
	}, func(tx *sql.Tx, job *domain.Job, ts string) error {
		return e.Events.Append(ctx, tx, ts, events.TypeTalentSelected, jobID, actor, events.EventPayload{
			"talent": string(talent),
		})
	})
}

// SubmitMilestone records the talent's submission for a pending milestone.
func (e Engine) SubmitMilestone(ctx context.Context, actor domain.Identity, jobID domain.JobID, index int, submission domain.Digest) (domain.Job, error) {
	return e.mutate(ctx, actor, jobID, func(job *domain.Job) error {
		if err := rules.SubmitMilestone(job, actor, index); err != nil {
			return err
		}
		job.Milestones[index].Status = domain.MilestoneSubmitted
		job.Milestones[index].Submission = submission
		return nil
	}, func(tx *sql.Tx, job *domain.Job, ts string) error {
		return e.Events.Append(ctx, tx, ts, events.TypeWorkSubmitted, jobID, actor, events.EventPayload{
			"index":           index,
			"submission_data": submission.String(),
		})
	})
}

// ApproveMilestone approves a submitted milestone, recomputes the paid total
// and job status, and instructs release of the milestone's amount.
func (e Engine) ApproveMilestone(ctx context.Context, actor domain.Identity, jobID domain.JobID, index int) (domain.Job, error) {
	return e.mutate(ctx, actor, jobID, func(job *domain.Job) error {
		if err := rules.ApproveMilestone(job, actor, index); err != nil {
			return err
		}
		job.Milestones[index].Status = domain.MilestoneApproved
		rules.Recompute(job)
		return nil
	}, func(tx *sql.Tx, job *domain.Job, ts string) error {
		m := job.Milestones[index]
		if err := e.Funds.Release(ctx, tx, jobID, index, *job.Talent, m.Amount, ts); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, ts, events.TypeMilestoneApproved, jobID, actor, events.EventPayload{
			"index":  index,
			"amount": m.Amount,
			"talent": string(*job.Talent),
		})
	})
}

// RaiseDispute puts an in-progress job on hold. The optional index records
// which milestone is contested without transitioning it.
func (e Engine) RaiseDispute(ctx context.Context, actor domain.Identity, jobID domain.JobID, index *int) (domain.Job, error) {
	return e.mutate(ctx, actor, jobID, func(job *domain.Job) error {
		if err := rules.RaiseDispute(job, actor, index); err != nil {
			return err
		}
		job.Status = domain.JobDisputed
		raiser := actor
		job.DisputeRaised = &raiser
		return nil
	}, func(tx *sql.Tx, job *domain.Job, ts string) error {
		payload := events.EventPayload{}
		if index != nil {
			payload["index"] = *index
		}
		return e.Events.Append(ctx, tx, ts, events.TypeDisputeRaised, jobID, actor, payload)
	})
}

// ResolveDispute applies an arbitrator's decision. decision=true approves the
// targeted milestone (or every submitted one) and releases its amount;
// decision=false returns it to pending with cleared submission data. The job
// then re-derives completed/in_progress and the dispute marker is cleared.
func (e Engine) ResolveDispute(ctx context.Context, actor domain.Identity, jobID domain.JobID, index *int, decision bool) (domain.Job, error) {
	if err := e.Auth.RequireArbitrator(ctx, actor); err != nil {
		return domain.Job{}, err
	}
	var released []int
	return e.mutateAuthed(ctx, jobID, func(job *domain.Job) error {
		if err := rules.ResolveDispute(job, index); err != nil {
			return err
		}
		targets := submittedIndexes(job)
		if index != nil {
			targets = nil
			// Only a submitted milestone has a defined arbitration
			// transition; anything else is left untouched.
			if job.Milestones[*index].Status == domain.MilestoneSubmitted {
				targets = []int{*index}
			}
		}
		for _, i := range targets {
			if decision {
				job.Milestones[i].Status = domain.MilestoneApproved
				released = append(released, i)
			} else {
				job.Milestones[i].Status = domain.MilestonePending
				job.Milestones[i].Submission = domain.Digest{}
			}
		}
		rules.Recompute(job)
		job.DisputeRaised = nil
		return nil
	}, func(tx *sql.Tx, job *domain.Job, ts string) error {
		for _, i := range released {
			if err := e.Funds.Release(ctx, tx, jobID, i, *job.Talent, job.Milestones[i].Amount, ts); err != nil {
				return err
			}
		}
		payload := events.EventPayload{"decision": decision}
		if index != nil {
			payload["index"] = *index
		}
		return e.Events.Append(ctx, tx, ts, events.TypeDisputeResolved, jobID, actor, payload)
	})
}

// GetJob loads a job with its milestones.
func (e Engine) GetJob(ctx context.Context, jobID domain.JobID) (domain.Job, error) {
	return e.Repo.GetJob(ctx, jobID)
}

// mutate serializes a read-modify-write cycle on one job: authenticate,
// lock the job key, load inside a transaction, apply the change, persist,
// then run side effects (funds, events) strictly after the state update.
// The effects callback receives the operation timestamp so transfer and
// event rows carry the same ts as the job row.
func (e Engine) mutate(ctx context.Context, actor domain.Identity, jobID domain.JobID, change func(*domain.Job) error, effects func(*sql.Tx, *domain.Job, string) error) (domain.Job, error) {
	if err := e.Auth.RequireAuth(ctx, actor); err != nil {
		return domain.Job{}, err
	}
	return e.mutateAuthed(ctx, jobID, change, effects)
}

func (e Engine) mutateAuthed(ctx context.Context, jobID domain.JobID, change func(*domain.Job) error, effects func(*sql.Tx, *domain.Job, string) error) (domain.Job, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := change(&job); err != nil {
		return domain.Job{}, err
	}
	ts := e.now().UTC().Format(time.RFC3339)
	job.UpdatedAt = ts
	if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
		return domain.Job{}, err
	}
	if effects != nil {
		if err := effects(tx, &job, ts); err != nil {
			return domain.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func submittedIndexes(job *domain.Job) []int {
	var res []int
	for i, m := range job.Milestones {
		if m.Status == domain.MilestoneSubmitted {
			res = append(res, i)
		}
	}
	return res
}

// jobLocks serializes mutations per job id; operations on different jobs
// proceed concurrently.
type jobLocks struct {
	mu sync.Mutex
	m  map[domain.JobID]*sync.Mutex
}

func newJobLocks() *jobLocks {
	return &jobLocks{m: make(map[domain.JobID]*sync.Mutex)}
}

func (l *jobLocks) lock(id domain.JobID) func() {
	l.mu.Lock()
	jl, ok := l.m[id]
	if !ok {
		jl = &sync.Mutex{}
		l.m[id] = jl
	}
	l.mu.Unlock()
	jl.Lock()
	return jl.Unlock
}
