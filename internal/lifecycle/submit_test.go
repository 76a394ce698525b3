package lifecycle

import (
	"testing"
	"time"

	"near-autopilot/internal/clock"
	"near-autopilot/internal/policy"
)

func defaults(t *testing.T) policy.Policy {
	t.Helper()
	pol, err := policy.Resolve(policy.Overrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return pol
}

func TestFirstAttemptInitializesState(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	out := NextSubmissionAttempt(nil, now, defaults(t))

	if !out.ShouldAttempt {
		t.Fatalf("ShouldAttempt = false (%s), want true for new state", out.Reason)
	}
	if out.Next.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Next.Attempts)
	}
	if out.Next.FirstSeenAt != clock.ISO(now) {
		t.Errorf("FirstSeenAt = %s, want %s", out.Next.FirstSeenAt, clock.ISO(now))
	}
}

func TestAlreadySubmittedIsTerminal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	state := &SubmitState{Attempts: 2, FirstSeenAt: "2026-02-27T00:00:00.000Z",
		SubmittedAt: "2026-02-27T12:00:00.000Z"}

	out := NextSubmissionAttempt(state, now, defaults(t))
	if out.ShouldAttempt || out.Reason != ReasonAlreadySubmitted {
		t.Errorf("got attempt=%v reason=%s, want false/already_submitted", out.ShouldAttempt, out.Reason)
	}

	// Still terminal arbitrarily far in the future.
	out = NextSubmissionAttempt(state, now.Add(1000*time.Hour), defaults(t))
	if out.ShouldAttempt || out.Reason != ReasonAlreadySubmitted {
		t.Errorf("terminal state reopened: %+v", out)
	}
}

func TestRetryLimitReached(t *testing.T) {
	t.Parallel()
	pol := defaults(t)

	state := &SubmitState{Attempts: pol.SubmitRetryLimit, FirstSeenAt: "2026-02-27T00:00:00.000Z"}
	out := NextSubmissionAttempt(state, time.Now(), pol)
	if out.ShouldAttempt || out.Reason != ReasonRetryLimit {
		t.Errorf("got attempt=%v reason=%s, want false/retry_limit_reached", out.ShouldAttempt, out.Reason)
	}
}

func TestBackoffBlocksRetry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	state := &SubmitState{Attempts: 1, FirstSeenAt: "2026-02-27T00:00:00.000Z",
		NextAttemptAt: "2026-02-28T01:00:00.000Z"}

	out := NextSubmissionAttempt(state, now, defaults(t))
	if out.ShouldAttempt || out.Reason != ReasonBackoffPending {
		t.Errorf("got attempt=%v reason=%s, want false/backoff_pending", out.ShouldAttempt, out.Reason)
	}
}

func TestBackoffExpiryAllowsRetry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 28, 2, 0, 0, 0, time.UTC)
	state := &SubmitState{Attempts: 1, FirstSeenAt: "2026-02-27T00:00:00.000Z",
		NextAttemptAt: "2026-02-28T01:00:00.000Z"}

	out := NextSubmissionAttempt(state, now, defaults(t))
	if !out.ShouldAttempt {
		t.Fatalf("ShouldAttempt = false (%s), want true after backoff expiry", out.Reason)
	}
	if out.Next.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Next.Attempts)
	}
}

func TestFailureBackoffMonotoneUntilCap(t *testing.T) {
	t.Parallel()
	pol := defaults(t)

	now := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	state := SubmitState{Attempts: 1, FirstSeenAt: clock.ISO(now)}

	var prev time.Time
	for i := 0; i < pol.SubmitRetryLimit+3; i++ {
		state = ApplySubmissionFailure(state, now, pol)
		next, err := clock.Parse(state.NextAttemptAt)
		if err != nil {
			t.Fatalf("NextAttemptAt unparseable: %v", err)
		}
		if next.Before(prev) {
			t.Errorf("attempt %d: nextAttemptAt went backwards: %v < %v", i, next, prev)
		}
		maxNext := now.Add(time.Duration(pol.SubmitRetryMaxBackoffMin) * time.Minute)
		if next.After(maxNext) {
			t.Errorf("attempt %d: backoff %v exceeds cap %v", i, next, maxNext)
		}
		prev = next
		state.Attempts++
	}
}

func TestEscalationAfterWindowCapped(t *testing.T) {
	t.Parallel()
	pol := defaults(t)

	first := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)
	state := SubmitState{Attempts: 1, FirstSeenAt: clock.ISO(first)}

	// Within the escalation window: no escalation.
	early := first.Add(time.Duration(pol.SubmitEscalateAfterMinutes-1) * time.Minute)
	state = ApplySubmissionFailure(state, early, pol)
	if state.Escalations != 0 {
		t.Errorf("Escalations = %d before window, want 0", state.Escalations)
	}

	// Past the window: escalates once per failure, capped at the limit.
	late := first.Add(time.Duration(pol.SubmitEscalateAfterMinutes+1) * time.Minute)
	for i := 0; i < pol.SubmitEscalationLimit+5; i++ {
		state = ApplySubmissionFailure(state, late, pol)
	}
	if state.Escalations != pol.SubmitEscalationLimit {
		t.Errorf("Escalations = %d, want cap %d", state.Escalations, pol.SubmitEscalationLimit)
	}
}

func TestMarkSucceededClearsBackoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	state := SubmitState{Attempts: 2, FirstSeenAt: "2026-02-27T00:00:00.000Z",
		NextAttemptAt: "2026-02-28T05:00:00.000Z"}

	done := MarkSubmissionSucceeded(state, now)
	if done.SubmittedAt != clock.ISO(now) {
		t.Errorf("SubmittedAt = %s, want %s", done.SubmittedAt, clock.ISO(now))
	}
	if done.NextAttemptAt != "" {
		t.Errorf("NextAttemptAt = %s, want cleared", done.NextAttemptAt)
	}
}
