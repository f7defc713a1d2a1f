package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Identity is an opaque actor identifier. The engine never interprets it
// beyond equality checks; hosts decide what it encodes (JWT subject, account
// address, ...).
type Identity string

// JobID is allocated by the store's sequence generator, strictly increasing
// and never reused.
type JobID uint32

// Digest is an opaque 32-byte value used for job titles, milestone
// descriptions and submission payloads. Hosts typically derive it from free
// text with DigestOf.
type Digest [32]byte

// DigestOf returns the SHA-256 digest of data.
func DigestOf(data []byte) Digest {
	return sha256.Sum256(data)
}

// ParseDigest decodes a 64-character hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("invalid digest: want %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type JobStatus string

const (
	JobCreated    JobStatus = "created"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobDisputed   JobStatus = "disputed"
)

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	// MilestoneDisputed exists in the status vocabulary but no operation
	// currently assigns it; disputes are held at the job level.
	MilestoneDisputed MilestoneStatus = "disputed"
)

// Milestone is owned by its Job and addressed by (job id, index). Amounts are
// int64 minor units, immutable after creation.
type Milestone struct {
	Description Digest          `json:"description"`
	Amount      int64           `json:"amount"`
	Status      MilestoneStatus `json:"status" enum:"pending,submitted,approved,disputed"`
	Submission  Digest          `json:"submission"`
}

// Job is the aggregate root. TotalAmount equals the sum of milestone amounts
// for the life of the job; AmountPaid is always recomputed from approved
// milestones, never maintained as a running counter.
type Job struct {
	ID            JobID       `json:"id"`
	Client        Identity    `json:"client"`
	Talent        *Identity   `json:"talent,omitempty"`
	Title         Digest      `json:"title"`
	TotalAmount   int64       `json:"total_amount"`
	AmountPaid    int64       `json:"amount_paid"`
	Status        JobStatus   `json:"status" enum:"created,in_progress,completed,disputed"`
	Milestones    []Milestone `json:"milestones"`
	DisputeRaised *Identity   `json:"dispute_raised,omitempty"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
}

// ApprovedTotal sums the amounts of approved milestones.
func (j *Job) ApprovedTotal() int64 {
	var total int64
	for _, m := range j.Milestones {
		if m.Status == MilestoneApproved {
			total += m.Amount
		}
	}
	return total
}

// AllApproved reports whether every milestone is approved.
func (j *Job) AllApproved() bool {
	for _, m := range j.Milestones {
		if m.Status != MilestoneApproved {
			return false
		}
	}
	return true
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	JobID   JobID  `json:"job_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// TransferKind distinguishes the escrow lock recorded at job creation from
// the per-milestone releases recorded on approval.
type TransferKind string

const (
	TransferLock    TransferKind = "lock"
	TransferRelease TransferKind = "release"
)

// Transfer is a recorded fund-movement instruction. Actual token movement is
// out of scope; the row is the instruction handed to the payout integration.
type Transfer struct {
	ID             int64        `json:"id"`
	JobID          JobID        `json:"job_id"`
	Kind           TransferKind `json:"kind" enum:"lock,release"`
	MilestoneIndex *int         `json:"milestone_index,omitempty"`
	Counterparty   Identity     `json:"counterparty"`
	Amount         int64        `json:"amount"`
	TS             string       `json:"ts" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
