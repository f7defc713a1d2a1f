package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"escrowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// NextJobID advances the single-row sequence inside the caller's transaction
// and returns the fresh id. IDs are strictly increasing and never reused.
func (r Repo) NextJobID(ctx context.Context, tx *sql.Tx) (domain.JobID, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `UPDATE job_seq SET next_id = next_id + 1 RETURNING next_id - 1`).Scan(&next)
	if err != nil {
		return 0, err
	}
	return domain.JobID(next), nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, job domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,client,talent,title,total_amount,amount_paid,status,dispute_raised,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		int64(job.ID), string(job.Client), identityPtr(job.Talent), job.Title.String(),
		job.TotalAmount, job.AmountPaid, string(job.Status), identityPtr(job.DisputeRaised),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return err
	}
	for i, m := range job.Milestones {
		if _, err := tx.ExecContext(ctx, `INSERT INTO milestones(job_id,idx,description,amount,status,submission) VALUES (?,?,?,?,?,?)`,
			int64(job.ID), i, m.Description.String(), m.Amount, string(m.Status), m.Submission.String()); err != nil {
			return err
		}
	}
	return nil
}

// UpdateJob rewrites the job row and the status/submission of its milestones.
// Milestone count and order are fixed at creation, so rows are matched by idx.
func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, job domain.Job) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET talent=?, total_amount=?, amount_paid=?, status=?, dispute_raised=?, updated_at=? WHERE id=?`,
		identityPtr(job.Talent), job.TotalAmount, job.AmountPaid, string(job.Status),
		identityPtr(job.DisputeRaised), job.UpdatedAt, int64(job.ID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for i, m := range job.Milestones {
		if _, err := tx.ExecContext(ctx, `UPDATE milestones SET status=?, submission=? WHERE job_id=? AND idx=?`,
			string(m.Status), m.Submission.String(), int64(job.ID), i); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return scanJob(ctx, r.DB.QueryRowContext(ctx, jobSelect+` WHERE id=?`, int64(id)), func(q string, args ...any) (*sql.Rows, error) {
		return r.DB.QueryContext(ctx, q, args...)
	})
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id domain.JobID) (domain.Job, error) {
	return scanJob(ctx, tx.QueryRowContext(ctx, jobSelect+` WHERE id=?`, int64(id)), func(q string, args ...any) (*sql.Rows, error) {
		return tx.QueryContext(ctx, q, args...)
	})
}

const jobSelect = `SELECT id,client,talent,title,total_amount,amount_paid,status,dispute_raised,created_at,updated_at FROM jobs`

func scanJob(ctx context.Context, row *sql.Row, query func(string, ...any) (*sql.Rows, error)) (domain.Job, error) {
	var job domain.Job
	var id int64
	var talent, disputeRaised sql.NullString
	var title, status string
	err := row.Scan(&id, &job.Client, &talent, &title, &job.TotalAmount, &job.AmountPaid, &status, &disputeRaised, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return job, ErrNotFound
	}
	if err != nil {
		return job, err
	}
	job.ID = domain.JobID(id)
	job.Status = domain.JobStatus(status)
	if job.Title, err = domain.ParseDigest(title); err != nil {
		return job, err
	}
	if talent.Valid {
		t := domain.Identity(talent.String)
		job.Talent = &t
	}
	if disputeRaised.Valid {
		d := domain.Identity(disputeRaised.String)
		job.DisputeRaised = &d
	}
	rows, err := query(`SELECT description,amount,status,submission FROM milestones WHERE job_id=? ORDER BY idx ASC`, id)
	if err != nil {
		return job, err
	}
	defer rows.Close()
	for rows.Next() {
		var m domain.Milestone
		var desc, mStatus, submission string
		if err := rows.Scan(&desc, &m.Amount, &mStatus, &submission); err != nil {
			return job, err
		}
		m.Status = domain.MilestoneStatus(mStatus)
		if m.Description, err = domain.ParseDigest(desc); err != nil {
			return job, err
		}
		if m.Submission, err = domain.ParseDigest(submission); err != nil {
			return job, err
		}
		job.Milestones = append(job.Milestones, m)
	}
	return job, rows.Err()
}

type JobFilters struct {
	Client string
	Talent string
	Status string
	Limit  int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Client != "" {
		clauses = append(clauses, "client=?")
		args = append(args, f.Client)
	}
	if f.Talent != "" {
		clauses = append(clauses, "talent=?")
		args = append(args, f.Talent)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := jobSelect
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []domain.JobID
	for rows.Next() {
		var job domain.Job
		var id int64
		var talent, disputeRaised sql.NullString
		var title, status string
		if err := rows.Scan(&id, &job.Client, &talent, &title, &job.TotalAmount, &job.AmountPaid, &status, &disputeRaised, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		ids = append(ids, domain.JobID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Re-read per job so milestones come along; listings are small.
	var res []domain.Job
	for _, id := range ids {
		job, err := r.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, nil
}

func (r Repo) InsertTransfer(ctx context.Context, tx *sql.Tx, t domain.Transfer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transfers(job_id,kind,milestone_idx,counterparty,amount,ts) VALUES (?,?,?,?,?,?)`,
		int64(t.JobID), string(t.Kind), intPtr(t.MilestoneIndex), string(t.Counterparty), t.Amount, t.TS)
	return err
}

func (r Repo) ListTransfers(ctx context.Context, jobID domain.JobID) ([]domain.Transfer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,kind,milestone_idx,counterparty,amount,ts FROM transfers WHERE job_id=? ORDER BY id ASC`, int64(jobID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		var jid int64
		var kind string
		var idx sql.NullInt64
		if err := rows.Scan(&t.ID, &jid, &kind, &idx, &t.Counterparty, &t.Amount, &t.TS); err != nil {
			return nil, err
		}
		t.JobID = domain.JobID(jid)
		t.Kind = domain.TransferKind(kind)
		if idx.Valid {
			i := int(idx.Int64)
			t.MilestoneIndex = &i
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func identityPtr(id *domain.Identity) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func intPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
