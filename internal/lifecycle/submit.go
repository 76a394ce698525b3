package lifecycle

import (
	"time"

	"near-autopilot/internal/clock"
	"near-autopilot/internal/policy"
)

// Skip reasons for submission decisions.
const (
	ReasonAlreadySubmitted = "already_submitted"
	ReasonRetryLimit       = "retry_limit_reached"
	ReasonBackoffPending   = "backoff_pending"
)

// SubmitState is the persisted retry state for one (job, bid). A set
// SubmittedAt is terminal.
type SubmitState struct {
	Attempts      int    `json:"attempts"`
	FirstSeenAt   string `json:"firstSeenAt"`
	NextAttemptAt string `json:"nextAttemptAt,omitempty"`
	Escalations   int    `json:"escalations"`
	SubmittedAt   string `json:"submittedAt,omitempty"`
}

// AttemptOutcome is the verdict of NextSubmissionAttempt. Next is the state
// to persist if (and only if) the attempt proceeds.
type AttemptOutcome struct {
	ShouldAttempt bool
	Next          SubmitState
	Reason        string
}

// ExecutionDecision summarizes what the orchestrator did (or declined to
// do) for one submittable bid.
type ExecutionDecision struct {
	JobID         string `json:"jobId"`
	BidID         string `json:"bidId"`
	AssignmentID  string `json:"assignmentId,omitempty"`
	Action        string `json:"action"` // "skip" or "submit"
	Reason        string `json:"reason,omitempty"`
	NextAttemptAt string `json:"nextAttemptAt,omitempty"`
}

// NextSubmissionAttempt decides whether a submission should be attempted
// now. A nil state means the bid has never been attempted: it is
// initialized with FirstSeenAt = now.
func NextSubmissionAttempt(state *SubmitState, now time.Time, pol policy.Policy) AttemptOutcome {
	var s SubmitState
	if state != nil {
		s = *state
	} else {
		s = SubmitState{FirstSeenAt: clock.ISO(now)}
	}

	if s.SubmittedAt != "" {
		return AttemptOutcome{Next: s, Reason: ReasonAlreadySubmitted}
	}
	if s.Attempts >= pol.SubmitRetryLimit {
		return AttemptOutcome{Next: s, Reason: ReasonRetryLimit}
	}
	if s.NextAttemptAt != "" {
		if at, err := clock.Parse(s.NextAttemptAt); err == nil && at.After(now) {
			return AttemptOutcome{Next: s, Reason: ReasonBackoffPending}
		}
	}

	s.Attempts++
	return AttemptOutcome{ShouldAttempt: true, Next: s}
}

// ApplySubmissionFailure schedules the next attempt with linear-to-capped
// backoff and bumps the escalation count once the bid has been failing for
// longer than the escalation window.
func ApplySubmissionFailure(s SubmitState, now time.Time, pol policy.Policy) SubmitState {
	attempts := s.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := pol.SubmitRetryBackoffMinutes * attempts
	if backoff > pol.SubmitRetryMaxBackoffMin {
		backoff = pol.SubmitRetryMaxBackoffMin
	}
	s.NextAttemptAt = clock.ISO(now.Add(time.Duration(backoff) * time.Minute))

	if first, err := clock.Parse(s.FirstSeenAt); err == nil {
		if now.Sub(first) >= time.Duration(pol.SubmitEscalateAfterMinutes)*time.Minute &&
			s.Escalations < pol.SubmitEscalationLimit {
			s.Escalations++
		}
	}
	return s
}

// MarkSubmissionSucceeded finalizes the state. Terminal.
func MarkSubmissionSucceeded(s SubmitState, now time.Time) SubmitState {
	s.SubmittedAt = clock.ISO(now)
	s.NextAttemptAt = ""
	return s
}
