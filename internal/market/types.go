package market

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// JobStatus is the closed set of job states. Anything the marketplace sends
// outside this set normalizes to JobStatusUnknown.
type JobStatus string

const (
	JobOpen          JobStatus = "open"
	JobFilling       JobStatus = "filling"
	JobInProgress    JobStatus = "in_progress"
	JobSubmitted     JobStatus = "submitted"
	JobJudging       JobStatus = "judging"
	JobCompleted     JobStatus = "completed"
	JobClosed        JobStatus = "closed"
	JobExpired       JobStatus = "expired"
	JobStatusUnknown JobStatus = "unknown"
)

// JobType distinguishes standard jobs (bid, then submit work) from
// competitions (submit an entry directly).
type JobType string

const (
	JobStandard    JobType = "standard"
	JobCompetition JobType = "competition"
)

// BidStatus is the closed set of states for the autopilot's own bids.
type BidStatus string

const (
	BidPending       BidStatus = "pending"
	BidAccepted      BidStatus = "accepted"
	BidSubmitted     BidStatus = "submitted"
	BidInProgress    BidStatus = "in_progress"
	BidWithdrawn     BidStatus = "withdrawn"
	BidRejected      BidStatus = "rejected"
	BidCompleted     BidStatus = "completed"
	BidStatusUnknown BidStatus = "unknown"
)

// Job is the normalized marketplace job record. BudgetNear is nil when the
// row carried no parseable budget.
type Job struct {
	ID           string       `json:"jobId"`
	Title        string       `json:"title"`
	Status       JobStatus    `json:"status,omitempty"`
	Type         JobType      `json:"jobType,omitempty"`
	BudgetNear   *float64     `json:"budgetAmount,omitempty"`
	BudgetToken  string       `json:"budgetToken,omitempty"`
	AwardedBidID string       `json:"awardedBidId,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt,omitzero"`
	Assignments  []Assignment `json:"myAssignments,omitempty"`
}

// UnmarshalJSON accepts the budget as either a JSON number or a decimal
// string, matching the two encodings the marketplace itself uses, so that
// normalized-form documents (simulator snapshots, replayed tick results)
// round-trip through the same leniency as wire rows.
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	aux := struct {
		BudgetNear json.RawMessage `json:"budgetAmount"`
		*plain
	}{plain: (*plain)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	j.BudgetNear = parseDecimal(aux.BudgetNear)
	return nil
}

// Assignment is the marketplace's record that one of our bids was accepted
// and work is expected.
type Assignment struct {
	ID     string `json:"assignmentId"`
	BidID  string `json:"bidId,omitempty"`
	Status string `json:"status,omitempty"`
}

// Bid is a public bid on a job, possibly someone else's.
type Bid struct {
	BidID         string   `json:"bidId"`
	JobID         string   `json:"jobId,omitempty"`
	Status        string   `json:"status,omitempty"`
	BidderAgentID string   `json:"bidderAgentId,omitempty"`
	AmountNear    *float64 `json:"amount,omitempty"`
}

// TrackedBid is the normalized projection of one of the autopilot's own bids.
type TrackedBid struct {
	BidID      string    `json:"bidId"`
	JobID      string    `json:"jobId"`
	Status     BidStatus `json:"status"`
	AmountNear *float64  `json:"amountNear"`
}

// wire shapes; every field is optional and loosely typed.

type jobRow struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	Title         string          `json:"title"`
	Status        string          `json:"status"`
	JobType       string          `json:"job_type"`
	BudgetAmount  json.RawMessage `json:"budget_amount"`
	BudgetToken   string          `json:"budget_token"`
	AwardedBidID  string          `json:"awarded_bid_id"`
	UpdatedAt     string          `json:"updated_at"`
	MyAssignments []assignmentRow `json:"my_assignments"`
}

type assignmentRow struct {
	ID     string `json:"id"`
	BidID  string `json:"bid_id"`
	Status string `json:"status"`
}

type bidRow struct {
	ID            string          `json:"id"`
	BidID         string          `json:"bid_id"`
	JobID         string          `json:"job_id"`
	Status        string          `json:"status"`
	BidderAgentID string          `json:"bidder_agent_id"`
	Amount        json.RawMessage `json:"amount"`
}

func normalizeJob(r jobRow) Job {
	id := r.ID
	if id == "" {
		id = r.JobID
	}
	j := Job{
		ID:           id,
		Title:        r.Title,
		Status:       normalizeJobStatus(r.Status),
		Type:         normalizeJobType(r.JobType),
		BudgetNear:   parseDecimal(r.BudgetAmount),
		BudgetToken:  r.BudgetToken,
		AwardedBidID: r.AwardedBidID,
	}
	if r.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, r.UpdatedAt); err == nil {
			j.UpdatedAt = t
		}
	}
	for _, a := range r.MyAssignments {
		j.Assignments = append(j.Assignments, Assignment{ID: a.ID, BidID: a.BidID, Status: a.Status})
	}
	return j
}

func normalizeBid(r bidRow) Bid {
	id := r.ID
	if id == "" {
		id = r.BidID
	}
	return Bid{
		BidID:         id,
		JobID:         r.JobID,
		Status:        r.Status,
		BidderAgentID: r.BidderAgentID,
		AmountNear:    parseDecimal(r.Amount),
	}
}

func normalizeTracked(r bidRow) TrackedBid {
	id := r.ID
	if id == "" {
		id = r.BidID
	}
	return TrackedBid{
		BidID:      id,
		JobID:      r.JobID,
		Status:     normalizeBidStatus(r.Status),
		AmountNear: parseDecimal(r.Amount),
	}
}

func normalizeJobStatus(s string) JobStatus {
	switch JobStatus(strings.ToLower(s)) {
	case JobOpen, JobFilling, JobInProgress, JobSubmitted, JobJudging,
		JobCompleted, JobClosed, JobExpired:
		return JobStatus(strings.ToLower(s))
	case "":
		return ""
	default:
		return JobStatusUnknown
	}
}

func normalizeJobType(s string) JobType {
	if strings.EqualFold(s, string(JobCompetition)) {
		return JobCompetition
	}
	return JobStandard
}

func normalizeBidStatus(s string) BidStatus {
	switch BidStatus(strings.ToLower(s)) {
	case BidPending, BidAccepted, BidSubmitted, BidInProgress,
		BidWithdrawn, BidRejected, BidCompleted:
		return BidStatus(strings.ToLower(s))
	default:
		return BidStatusUnknown
	}
}

// parseDecimal accepts the marketplace's two budget encodings: a JSON number
// or a decimal string. Returns nil for anything else.
func parseDecimal(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &v
		}
	}
	return nil
}

// IsNEAR reports whether token names the marketplace's native currency.
func IsNEAR(token string) bool {
	return strings.EqualFold(strings.TrimSpace(token), "NEAR")
}
