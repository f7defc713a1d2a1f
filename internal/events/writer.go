package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"escrowline/internal/domain"
)

// Event type names, one per ledger operation.
const (
	TypeJobCreated        = "job.created"
	TypeTalentSelected    = "talent.selected"
	TypeWorkSubmitted     = "work.submitted"
	TypeMilestoneApproved = "milestone.approved"
	TypeDisputeRaised     = "dispute.raised"
	TypeDisputeResolved   = "dispute.resolved"
)

// Writer appends domain events to the events table inside the operation's
// transaction, so an event exists iff the state change committed. The caller
// supplies the operation timestamp.
type Writer struct {
	DB *sql.DB
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, ts, evtType string, jobID domain.JobID, actorID domain.Identity, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	payload["job_id"] = uint32(jobID)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,job_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, int64(jobID), string(actorID), string(data))
	return err
}
