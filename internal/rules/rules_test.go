package rules_test

import (
	"errors"
	"math"
	"testing"

	"escrowline/internal/domain"
	"escrowline/internal/rules"
)

const (
	client = domain.Identity("acct-client")
	talent = domain.Identity("acct-talent")
	other  = domain.Identity("acct-bystander")
)

func testJob(status domain.JobStatus, milestones ...domain.MilestoneStatus) *domain.Job {
	job := &domain.Job{
		ID:     1,
		Client: client,
		Title:  domain.DigestOf([]byte("build the thing")),
		Status: status,
	}
	if status != domain.JobCreated {
		t := talent
		job.Talent = &t
	}
	for i, ms := range milestones {
		job.Milestones = append(job.Milestones, domain.Milestone{
			Description: domain.DigestOf([]byte{byte(i)}),
			Amount:      100,
			Status:      ms,
		})
		job.TotalAmount += 100
	}
	rules.Recompute(job)
	job.Status = status
	return job
}

func TestValidateCreate(t *testing.T) {
	descs := []domain.Digest{domain.DigestOf([]byte("a")), domain.DigestOf([]byte("b"))}

	if err := rules.ValidateCreate(descs, []int64{100, 200}); err != nil {
		t.Fatalf("valid create rejected: %v", err)
	}

	var inputErr rules.InvalidInputError
	if err := rules.ValidateCreate(nil, nil); !errors.As(err, &inputErr) {
		t.Fatalf("empty milestones: got %v", err)
	}
	if err := rules.ValidateCreate(descs, []int64{100}); !errors.As(err, &inputErr) {
		t.Fatalf("length mismatch: got %v", err)
	}
	if err := rules.ValidateCreate(descs, []int64{100, 0}); !errors.As(err, &inputErr) {
		t.Fatalf("zero amount: got %v", err)
	}
	if err := rules.ValidateCreate(descs, []int64{100, -5}); !errors.As(err, &inputErr) {
		t.Fatalf("negative amount: got %v", err)
	}
	if err := rules.ValidateCreate(descs, []int64{math.MaxInt64, 1}); !errors.As(err, &inputErr) {
		t.Fatalf("overflowing total: got %v", err)
	}
	if err := rules.ValidateCreate(descs, []int64{math.MaxInt64 - 1, 1}); err != nil {
		t.Fatalf("total exactly at the limit rejected: %v", err)
	}
}

func TestSelectTalent(t *testing.T) {
	job := testJob(domain.JobCreated, domain.MilestonePending)
	if err := rules.SelectTalent(job, client); err != nil {
		t.Fatalf("client select on created job rejected: %v", err)
	}

	var unauthorized rules.UnauthorizedError
	if err := rules.SelectTalent(job, other); !errors.As(err, &unauthorized) {
		t.Fatalf("non-client select: got %v", err)
	}

	var invalidState rules.InvalidStateError
	for _, status := range []domain.JobStatus{domain.JobInProgress, domain.JobCompleted, domain.JobDisputed} {
		if err := rules.SelectTalent(testJob(status, domain.MilestonePending), client); !errors.As(err, &invalidState) {
			t.Fatalf("select on %s job: got %v", status, err)
		}
	}

	withTalent := testJob(domain.JobCreated, domain.MilestonePending)
	tal := talent
	withTalent.Talent = &tal
	if err := rules.SelectTalent(withTalent, client); !errors.As(err, &invalidState) {
		t.Fatalf("second select: got %v", err)
	}
}

func TestSubmitMilestone(t *testing.T) {
	job := testJob(domain.JobInProgress, domain.MilestonePending, domain.MilestoneSubmitted, domain.MilestoneApproved)

	if err := rules.SubmitMilestone(job, talent, 0); err != nil {
		t.Fatalf("talent submit of pending milestone rejected: %v", err)
	}

	var unauthorized rules.UnauthorizedError
	if err := rules.SubmitMilestone(job, client, 0); !errors.As(err, &unauthorized) {
		t.Fatalf("client submit: got %v", err)
	}

	var invalidState rules.InvalidStateError
	if err := rules.SubmitMilestone(job, talent, 1); !errors.As(err, &invalidState) {
		t.Fatalf("resubmit of submitted milestone: got %v", err)
	}
	if err := rules.SubmitMilestone(job, talent, 2); !errors.As(err, &invalidState) {
		t.Fatalf("submit of approved milestone: got %v", err)
	}

	var outOfRange rules.IndexOutOfRangeError
	if err := rules.SubmitMilestone(job, talent, 3); !errors.As(err, &outOfRange) {
		t.Fatalf("index past end: got %v", err)
	}
	if err := rules.SubmitMilestone(job, talent, -1); !errors.As(err, &outOfRange) {
		t.Fatalf("negative index: got %v", err)
	}
}

func TestApproveMilestone(t *testing.T) {
	job := testJob(domain.JobInProgress, domain.MilestoneSubmitted, domain.MilestonePending)

	if err := rules.ApproveMilestone(job, client, 0); err != nil {
		t.Fatalf("client approve of submitted milestone rejected: %v", err)
	}

	var unauthorized rules.UnauthorizedError
	if err := rules.ApproveMilestone(job, talent, 0); !errors.As(err, &unauthorized) {
		t.Fatalf("talent approve: got %v", err)
	}
	if err := rules.ApproveMilestone(job, other, 0); !errors.As(err, &unauthorized) {
		t.Fatalf("bystander approve: got %v", err)
	}

	var invalidState rules.InvalidStateError
	if err := rules.ApproveMilestone(job, client, 1); !errors.As(err, &invalidState) {
		t.Fatalf("approve of pending milestone: got %v", err)
	}

	var outOfRange rules.IndexOutOfRangeError
	if err := rules.ApproveMilestone(job, client, 5); !errors.As(err, &outOfRange) {
		t.Fatalf("index past end: got %v", err)
	}
}

func TestRaiseDispute(t *testing.T) {
	job := testJob(domain.JobInProgress, domain.MilestoneSubmitted, domain.MilestonePending)

	if err := rules.RaiseDispute(job, client, nil); err != nil {
		t.Fatalf("client dispute rejected: %v", err)
	}
	if err := rules.RaiseDispute(job, talent, nil); err != nil {
		t.Fatalf("talent dispute rejected: %v", err)
	}
	idx := 0
	if err := rules.RaiseDispute(job, client, &idx); err != nil {
		t.Fatalf("dispute on submitted milestone rejected: %v", err)
	}

	var unauthorized rules.UnauthorizedError
	if err := rules.RaiseDispute(job, other, nil); !errors.As(err, &unauthorized) {
		t.Fatalf("bystander dispute: got %v", err)
	}

	var invalidState rules.InvalidStateError
	pendingIdx := 1
	if err := rules.RaiseDispute(job, client, &pendingIdx); !errors.As(err, &invalidState) {
		t.Fatalf("dispute on pending milestone: got %v", err)
	}
	for _, status := range []domain.JobStatus{domain.JobCreated, domain.JobCompleted, domain.JobDisputed} {
		j := testJob(status, domain.MilestoneSubmitted)
		if err := rules.RaiseDispute(j, client, nil); !errors.As(err, &invalidState) {
			t.Fatalf("dispute on %s job: got %v", status, err)
		}
	}
}

func TestResolveDispute(t *testing.T) {
	job := testJob(domain.JobDisputed, domain.MilestoneSubmitted, domain.MilestonePending)

	if err := rules.ResolveDispute(job, nil); err != nil {
		t.Fatalf("resolve on disputed job rejected: %v", err)
	}
	idx := 0
	if err := rules.ResolveDispute(job, &idx); err != nil {
		t.Fatalf("targeted resolve rejected: %v", err)
	}

	var invalidState rules.InvalidStateError
	if err := rules.ResolveDispute(testJob(domain.JobInProgress, domain.MilestoneSubmitted), nil); !errors.As(err, &invalidState) {
		t.Fatalf("resolve on in_progress job: got %v", err)
	}

	var outOfRange rules.IndexOutOfRangeError
	bad := 9
	if err := rules.ResolveDispute(job, &bad); !errors.As(err, &outOfRange) {
		t.Fatalf("targeted resolve out of range: got %v", err)
	}
}

func TestRecompute(t *testing.T) {
	job := testJob(domain.JobInProgress, domain.MilestoneApproved, domain.MilestoneSubmitted, domain.MilestonePending)
	rules.Recompute(job)
	if job.AmountPaid != 100 {
		t.Fatalf("amount_paid = %d, want 100", job.AmountPaid)
	}
	if job.Status != domain.JobInProgress {
		t.Fatalf("status = %s, want %s", job.Status, domain.JobInProgress)
	}

	for i := range job.Milestones {
		job.Milestones[i].Status = domain.MilestoneApproved
	}
	rules.Recompute(job)
	if job.AmountPaid != job.TotalAmount {
		t.Fatalf("amount_paid = %d, want %d", job.AmountPaid, job.TotalAmount)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want %s", job.Status, domain.JobCompleted)
	}

	created := testJob(domain.JobCreated, domain.MilestonePending)
	rules.Recompute(created)
	if created.Status != domain.JobCreated {
		t.Fatalf("created job recompute moved status to %s", created.Status)
	}
}
