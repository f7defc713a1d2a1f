package server

import (
	"escrowline/internal/domain"
)

// Request payloads

type MilestoneSpec struct {
	Description string `json:"description" doc:"Milestone description; free text is digested, a 64-char hex value is used as-is"`
	Amount      int64  `json:"amount" minimum:"1"`
}

type CreateJobRequest struct {
	Title      string          `json:"title"`
	Milestones []MilestoneSpec `json:"milestones"`
}

type SelectTalentRequest struct {
	Talent string `json:"talent"`
}

type SubmitMilestoneRequest struct {
	SubmissionData string `json:"submission_data"`
}

type RaiseDisputeRequest struct {
	Index *int `json:"index,omitempty"`
}

type ResolveDisputeRequest struct {
	Index *int `json:"index,omitempty"`
	// Decision true favors the talent, false favors the client.
	Decision bool `json:"decision"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type MilestoneResponse struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status" enum:"pending,submitted,approved,disputed"`
	Submission  string `json:"submission,omitempty"`
}

type JobResponse struct {
	ID            uint32              `json:"id"`
	Client        string              `json:"client"`
	Talent        string              `json:"talent,omitempty"`
	Title         string              `json:"title"`
	TotalAmount   int64               `json:"total_amount"`
	AmountPaid    int64               `json:"amount_paid"`
	Status        string              `json:"status" enum:"created,in_progress,completed,disputed"`
	Milestones    []MilestoneResponse `json:"milestones"`
	DisputeRaised string              `json:"dispute_raised,omitempty"`
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
}

type TransferResponse struct {
	ID             int64  `json:"id"`
	JobID          uint32 `json:"job_id"`
	Kind           string `json:"kind" enum:"lock,release"`
	MilestoneIndex *int   `json:"milestone_index,omitempty"`
	Counterparty   string `json:"counterparty"`
	Amount         int64  `json:"amount"`
	TS             string `json:"ts"`
}

type EventResponse struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	JobID   uint32 `json:"job_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Plaintext key, returned once at creation"`
	CreatedAt string `json:"created_at"`
}

func jobResponse(j domain.Job) JobResponse {
	res := JobResponse{
		ID:          uint32(j.ID),
		Client:      string(j.Client),
		Title:       j.Title.String(),
		TotalAmount: j.TotalAmount,
		AmountPaid:  j.AmountPaid,
		Status:      string(j.Status),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.Talent != nil {
		res.Talent = string(*j.Talent)
	}
	if j.DisputeRaised != nil {
		res.DisputeRaised = string(*j.DisputeRaised)
	}
	for i, m := range j.Milestones {
		mr := MilestoneResponse{
			Index:       i,
			Description: m.Description.String(),
			Amount:      m.Amount,
			Status:      string(m.Status),
		}
		if !m.Submission.IsZero() {
			mr.Submission = m.Submission.String()
		}
		res.Milestones = append(res.Milestones, mr)
	}
	return res
}

func mapJobs(jobs []domain.Job) []JobResponse {
	res := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		res = append(res, jobResponse(j))
	}
	return res
}

func transferResponse(t domain.Transfer) TransferResponse {
	return TransferResponse{
		ID:             t.ID,
		JobID:          uint32(t.JobID),
		Kind:           string(t.Kind),
		MilestoneIndex: t.MilestoneIndex,
		Counterparty:   string(t.Counterparty),
		Amount:         t.Amount,
		TS:             t.TS,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		JobID:   uint32(e.JobID),
		ActorID: e.ActorID,
		Payload: e.Payload,
	}
}

// digestFromInput accepts either a precomputed 64-char hex digest or free
// text to be digested.
func digestFromInput(s string) domain.Digest {
	if len(s) == 64 {
		if d, err := domain.ParseDigest(s); err == nil {
			return d
		}
	}
	return domain.DigestOf([]byte(s))
}
