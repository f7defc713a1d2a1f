package escrowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Escrowline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Milestone represents one step of a job's schedule.
type Milestone struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
	Submission  string `json:"submission,omitempty"`
}

// Job represents the API job model.
type Job struct {
	ID            uint32      `json:"id"`
	Client        string      `json:"client"`
	Talent        string      `json:"talent,omitempty"`
	Title         string      `json:"title"`
	TotalAmount   int64       `json:"total_amount"`
	AmountPaid    int64       `json:"amount_paid"`
	Status        string      `json:"status"`
	Milestones    []Milestone `json:"milestones"`
	DisputeRaised string      `json:"dispute_raised,omitempty"`
	CreatedAt     string      `json:"created_at"`
	UpdatedAt     string      `json:"updated_at"`
}

// Transfer represents a recorded fund-movement instruction.
type Transfer struct {
	ID             int64  `json:"id"`
	JobID          uint32 `json:"job_id"`
	Kind           string `json:"kind"`
	MilestoneIndex *int   `json:"milestone_index,omitempty"`
	Counterparty   string `json:"counterparty"`
	Amount         int64  `json:"amount"`
	TS             string `json:"ts"`
}

// Event represents a log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	JobID   uint32 `json:"job_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// MilestoneSpec declares one milestone when creating a job.
type MilestoneSpec struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateJob creates a job with its milestone schedule. The authenticated
// caller becomes the client and the total budget is locked into escrow.
func (c *Client) CreateJob(ctx context.Context, title string, milestones []MilestoneSpec) (Job, error) {
	body := map[string]any{
		"title":      title,
		"milestones": milestones,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, jobID uint32) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/jobs/%d", jobID), nil, &resp)
	return resp, err
}

// SelectTalent sets a job's performing party.
func (c *Client) SelectTalent(ctx context.Context, jobID uint32, talent string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/talent", jobID), map[string]any{"talent": talent}, &resp)
	return resp, err
}

// SubmitMilestone submits work for a milestone.
func (c *Client) SubmitMilestone(ctx context.Context, jobID uint32, index int, submissionData string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v0/jobs/%d/milestones/%d/submit", jobID, index)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"submission_data": submissionData}, &resp)
	return resp, err
}

// ApproveMilestone approves a submitted milestone, releasing its amount.
func (c *Client) ApproveMilestone(ctx context.Context, jobID uint32, index int) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v0/jobs/%d/milestones/%d/approve", jobID, index)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RaiseDispute places the job on hold. Index optionally names the contested
// milestone.
func (c *Client) RaiseDispute(ctx context.Context, jobID uint32, index *int) (Job, error) {
	body := map[string]any{}
	if index != nil {
		body["index"] = *index
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/disputes", jobID), body, &resp)
	return resp, err
}

// ResolveDispute records the arbitrator's decision; true favors the talent.
func (c *Client) ResolveDispute(ctx context.Context, jobID uint32, index *int, decision bool) (Job, error) {
	body := map[string]any{"decision": decision}
	if index != nil {
		body["index"] = *index
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/disputes/resolve", jobID), body, &resp)
	return resp, err
}

// Transfers returns the fund-transfer instructions recorded for a job.
func (c *Client) Transfers(ctx context.Context, jobID uint32) ([]Transfer, error) {
	var resp []Transfer
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/jobs/%d/transfers", jobID), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
