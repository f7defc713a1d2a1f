// Package funds is the fund-transfer collaborator. The engine calls it with
// movement instructions; actually moving tokens is an integration concern and
// stays outside this repository.
package funds

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
	"escrowline/internal/repo"
)

// Mover receives fund-movement instructions inside the operation's
// transaction, strictly after the state mutation statements. The caller
// supplies the operation timestamp so every row of one transaction carries
// the same ts.
type Mover interface {
	// Lock reserves the job's total budget into escrow, once per job at
	// creation time.
	Lock(ctx context.Context, tx *sql.Tx, jobID domain.JobID, from domain.Identity, amount int64, ts string) error
	// Release instructs payout of one milestone's amount to the talent,
	// exactly once per approved milestone.
	Release(ctx context.Context, tx *sql.Tx, jobID domain.JobID, index int, to domain.Identity, amount int64, ts string) error
}

// Ledger records instructions as transfer rows, giving hosts a queryable
// payout ledger to drive the real settlement integration from.
type Ledger struct {
	Repo repo.Repo
}

func (l Ledger) Lock(ctx context.Context, tx *sql.Tx, jobID domain.JobID, from domain.Identity, amount int64, ts string) error {
	return l.Repo.InsertTransfer(ctx, tx, domain.Transfer{
		JobID:        jobID,
		Kind:         domain.TransferLock,
		Counterparty: from,
		Amount:       amount,
		TS:           ts,
	})
}

func (l Ledger) Release(ctx context.Context, tx *sql.Tx, jobID domain.JobID, index int, to domain.Identity, amount int64, ts string) error {
	idx := index
	return l.Repo.InsertTransfer(ctx, tx, domain.Transfer{
		JobID:          jobID,
		Kind:           domain.TransferRelease,
		MilestoneIndex: &idx,
		Counterparty:   to,
		Amount:         amount,
		TS:             ts,
	})
}
