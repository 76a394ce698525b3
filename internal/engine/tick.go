package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"near-autopilot/internal/artifact"
	"near-autopilot/internal/bidding"
	"near-autopilot/internal/clock"
	"near-autopilot/internal/lifecycle"
	"near-autopilot/internal/manifest"
	"near-autopilot/internal/market"
	"near-autopilot/internal/settlement"
	"near-autopilot/internal/store"
	"near-autopilot/internal/telemetry"
	"near-autopilot/pkg/async"
)

// TickResult is the record of one full cycle.
type TickResult struct {
	TickID             string                        `json:"tickId"`
	StartedAt          string                        `json:"startedAt"`
	CompletedAt        string                        `json:"completedAt"`
	BidDecisions       []bidding.Decision            `json:"bidDecisions"`
	ExecutionDecisions []lifecycle.ExecutionDecision `json:"executionDecisions"`
	Settlements        settlement.Report             `json:"settlements"`
	Errors             []string                      `json:"errors"`
	Halted             bool                          `json:"halted"`
}

// jobBids pairs one job with its fetched public bids. Err is carried so one
// job's failure never halts its siblings in a fan-out.
type jobBids struct {
	job  market.Job
	bids []market.Bid
	err  error
}

// RunTick executes one full cycle. Fatal errors (state store failures, and
// marketplace failures during discovery when the policy fails closed) stop
// the tick with Halted = true; per-item errors are recorded and skipped.
func (e *Engine) RunTick(ctx context.Context) TickResult {
	now := e.clk.Now()
	result := TickResult{
		TickID:    uuid.NewString(),
		StartedAt: clock.ISO(now),
		Errors:    []string{},
	}
	e.emit(telemetry.EventTickStarted, map[string]any{"tick_id": result.TickID})
	e.logger.Info("tick started", "tick_id", result.TickID)

	if halted := e.phaseBidding(ctx, &result); halted {
		return e.finishHalted(result)
	}
	if halted := e.phaseWithdrawals(ctx, &result); halted {
		return e.finishHalted(result)
	}
	if halted := e.phaseSubmissions(ctx, &result); halted {
		return e.finishHalted(result)
	}
	if halted := e.phaseSettlement(ctx, &result); halted {
		return e.finishHalted(result)
	}

	result.CompletedAt = clock.ISO(e.clk.Now())
	e.emit(telemetry.EventTickCompleted, map[string]any{
		"tick_id":     result.TickID,
		"bids":        len(result.BidDecisions),
		"submissions": len(result.ExecutionDecisions),
		"settlements": len(result.Settlements.Records),
		"errors":      len(result.Errors),
	})
	e.logger.Info("tick completed", "tick_id", result.TickID, "errors", len(result.Errors))
	e.recordTick(result)
	return result
}

// phaseBidding discovers open jobs, ranks them, and places bids.
func (e *Engine) phaseBidding(ctx context.Context, result *TickResult) (halted bool) {
	jobs, err := e.client.ListJobs(ctx, market.ListJobsQuery{
		Status: string(market.JobOpen),
		Sort:   "created_at",
		Order:  "desc",
		Limit:  pageLimit,
	})
	if err != nil {
		return e.marketFault(result, fmt.Errorf("discover open jobs: %w", err))
	}

	fetched, err := async.MapLimit(ctx, fanOutLimit, jobs, func(ctx context.Context, job market.Job) (jobBids, error) {
		bids, err := e.client.ListJobBids(ctx, job.ID, market.PageQuery{Limit: pageLimit})
		// Per-item error stays inside the result; siblings keep going.
		return jobBids{job: job, bids: bids, err: err}, nil
	})
	if err != nil {
		// Only a cancelled context reaches here.
		return e.fatal(result, err)
	}

	bidsByJob := make(map[string][]market.Bid, len(fetched))
	biddable := make([]market.Job, 0, len(fetched))
	for _, jb := range fetched {
		if jb.err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch bids for %s: %v", jb.job.ID, jb.err))
			continue
		}
		bidsByJob[jb.job.ID] = jb.bids
		biddable = append(biddable, jb.job)
	}

	result.BidDecisions = bidding.RankJobsForBidding(biddable, bidsByJob, e.cfg.Policy)

	for _, d := range result.BidDecisions {
		if d.Action == bidding.ActionSkip || d.BidAmountNear == nil {
			continue
		}
		_, err := e.client.PlaceBid(ctx, d.JobID, market.PlaceBidRequest{
			AmountNear: *d.BidAmountNear,
			ETASeconds: 3600,
			Proposal:   "Automated bid: deliverable within the hour.",
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("place bid on %s: %v", d.JobID, err))
			continue
		}
		if err := e.store.Set(store.BidSubmittedKey(d.JobID), clock.ISO(e.clk.Now())); err != nil {
			return e.fatal(result, err)
		}
		e.emit(telemetry.EventBidPlaced, map[string]any{
			"job_id": d.JobID, "amount_near": *d.BidAmountNear, "action": string(d.Action),
		})
	}
	return false
}

// phaseWithdrawals refetches own bids and withdraws the stale ones.
func (e *Engine) phaseWithdrawals(ctx context.Context, result *TickResult) (halted bool) {
	myBids, err := e.client.ListMyBids(ctx, market.MyBidsQuery{Limit: pageLimit})
	if err != nil {
		return e.marketFault(result, fmt.Errorf("list my bids: %w", err))
	}

	markerByJob, err := e.loadBidMarkers()
	if err != nil {
		return e.fatal(result, err)
	}

	now := e.clk.Now()
	plan := lifecycle.PlanStaleBidWithdrawals(myBids, now, markerByJob, e.cfg.Policy)

	// First-seen bookkeeping, sorted for stable write order.
	jobIDs := make([]string, 0, len(plan.MarkerUpdates))
	for jobID := range plan.MarkerUpdates {
		jobIDs = append(jobIDs, jobID)
	}
	sort.Strings(jobIDs)
	for _, jobID := range jobIDs {
		if err := e.store.Set(store.BidSubmittedKey(jobID), clock.ISO(plan.MarkerUpdates[jobID])); err != nil {
			return e.fatal(result, err)
		}
	}

	for _, bid := range plan.ToWithdraw {
		if err := e.client.WithdrawBid(ctx, bid.BidID); err != nil {
			// Marker stays so a later tick retries the withdrawal.
			result.Errors = append(result.Errors, fmt.Sprintf("withdraw bid %s: %v", bid.BidID, err))
			continue
		}
		if err := e.store.Del(store.BidSubmittedKey(bid.JobID)); err != nil {
			return e.fatal(result, err)
		}
		if err := e.store.Set(store.WithdrawnBidKey(bid.BidID), clock.ISO(e.clk.Now())); err != nil {
			return e.fatal(result, err)
		}
		e.emit(telemetry.EventBidWithdrawn, map[string]any{"bid_id": bid.BidID, "job_id": bid.JobID})
		e.logger.Info("stale bid withdrawn", "bid_id", bid.BidID, "job_id", bid.JobID)
	}
	return false
}

// phaseSubmissions attempts delivery for every accepted bid that is due.
func (e *Engine) phaseSubmissions(ctx context.Context, result *TickResult) (halted bool) {
	myBids, err := e.client.ListMyBids(ctx, market.MyBidsQuery{
		Statuses: []string{
			string(market.BidAccepted),
			string(market.BidInProgress),
			string(market.BidSubmitted),
		},
		Limit: pageLimit,
	})
	if err != nil {
		return e.marketFault(result, fmt.Errorf("list submittable bids: %w", err))
	}

	submittable := myBids[:0:0]
	for _, bid := range myBids {
		switch bid.Status {
		case market.BidAccepted, market.BidInProgress, market.BidSubmitted:
			submittable = append(submittable, bid)
		}
	}
	sort.Slice(submittable, func(i, j int) bool { return submittable[i].BidID < submittable[j].BidID })

	for _, bid := range submittable {
		halted, err := e.attemptSubmission(ctx, result, bid)
		if halted {
			return true
		}
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}
	return false
}

// attemptSubmission runs the retry state machine for one bid and performs
// the submit call when due. Returned errors are per-item; halted signals a
// fatal store failure.
func (e *Engine) attemptSubmission(ctx context.Context, result *TickResult, bid market.TrackedBid) (halted bool, itemErr error) {
	key := store.SubmitAttemptKey(bid.JobID, bid.BidID)
	state, err := e.loadSubmitState(key)
	if err != nil {
		return e.fatal(result, err), nil
	}

	now := e.clk.Now()
	outcome := lifecycle.NextSubmissionAttempt(state, now, e.cfg.Policy)
	if !outcome.ShouldAttempt {
		result.ExecutionDecisions = append(result.ExecutionDecisions, lifecycle.ExecutionDecision{
			JobID:         bid.JobID,
			BidID:         bid.BidID,
			Action:        "skip",
			Reason:        outcome.Reason,
			NextAttemptAt: outcome.Next.NextAttemptAt,
		})
		return false, nil
	}

	job, err := e.client.GetJob(ctx, bid.JobID)
	if err != nil {
		result.ExecutionDecisions = append(result.ExecutionDecisions, lifecycle.ExecutionDecision{
			JobID: bid.JobID, BidID: bid.BidID, Action: "skip", Reason: "job_fetch_failed",
		})
		return false, fmt.Errorf("fetch job %s: %w", bid.JobID, err)
	}

	asg, ok := pickAssignment(job, bid.BidID)
	if !ok {
		result.ExecutionDecisions = append(result.ExecutionDecisions, lifecycle.ExecutionDecision{
			JobID: bid.JobID, BidID: bid.BidID, Action: "skip", Reason: "assignment_missing",
		})
		return false, nil
	}
	if strings.EqualFold(asg.Status, "submitted") {
		result.ExecutionDecisions = append(result.ExecutionDecisions, lifecycle.ExecutionDecision{
			JobID: bid.JobID, BidID: bid.BidID, AssignmentID: asg.ID,
			Action: "skip", Reason: "assignment_already_submitted",
		})
		return false, nil
	}

	e.emit(telemetry.EventSubmitAttempted, map[string]any{
		"job_id": bid.JobID, "bid_id": bid.BidID, "attempt": outcome.Next.Attempts,
	})

	deliverable, err := e.produce(ctx, bid.JobID, asg.ID)
	if err != nil {
		return e.failSubmission(result, key, outcome.Next, bid, asg.ID, "artifact_failed", err)
	}

	deliverableHash := deliverable.Hash
	m := manifest.Manifest{
		JobID:          bid.JobID,
		AssignmentID:   asg.ID,
		BidID:          bid.BidID,
		AgentID:        e.cfg.AgentID,
		DeliverableURL: deliverable.URL,
		ArtifactHash:   deliverable.Hash,
		CreatedAt:      clock.ISO(now),
		Metadata:       deliverable.Metadata,
	}
	if len(e.cfg.SigningKey) > 0 {
		signed, err := manifest.Sign(m, e.cfg.SigningKey, e.cfg.SignerID)
		if err != nil {
			return e.failSubmission(result, key, outcome.Next, bid, asg.ID, "manifest_sign_failed", err)
		}
		deliverableHash = signed.ManifestHash
	}

	req := market.SubmitRequest{Deliverable: deliverable.URL, DeliverableHash: deliverableHash}
	if job.Type == market.JobCompetition {
		err = e.client.SubmitEntry(ctx, bid.JobID, req)
	} else {
		err = e.client.SubmitWork(ctx, bid.JobID, req)
	}
	if err != nil {
		return e.failSubmission(result, key, outcome.Next, bid, asg.ID, "submission_failed", err)
	}

	done := lifecycle.MarkSubmissionSucceeded(outcome.Next, e.clk.Now())
	if err := e.saveSubmitState(key, done); err != nil {
		return e.fatal(result, err), nil
	}
	result.ExecutionDecisions = append(result.ExecutionDecisions, lifecycle.ExecutionDecision{
		JobID: bid.JobID, BidID: bid.BidID, AssignmentID: asg.ID, Action: "submit",
	})
	e.emit(telemetry.EventSubmitSucceeded, map[string]any{"job_id": bid.JobID, "bid_id": bid.BidID})
	e.logger.Info("work submitted", "job_id", bid.JobID, "bid_id", bid.BidID)
	return false, nil
}

// failSubmission persists the advanced retry state for a failed attempt.
func (e *Engine) failSubmission(result *TickResult, key string, attempted lifecycle.SubmitState, bid market.TrackedBid, assignmentID, reason string, cause error) (halted bool, itemErr error) {
	next := lifecycle.ApplySubmissionFailure(attempted, e.clk.Now(), e.cfg.Policy)
	if err := e.saveSubmitState(key, next); err != nil {
		return e.fatal(result, err), nil
	}
	result.ExecutionDecisions = append(result.ExecutionDecisions, lifecycle.ExecutionDecision{
		JobID: bid.JobID, BidID: bid.BidID, AssignmentID: assignmentID,
		Action: "submit", Reason: reason, NextAttemptAt: next.NextAttemptAt,
	})
	e.emit(telemetry.EventSubmitFailed, map[string]any{
		"job_id": bid.JobID, "bid_id": bid.BidID, "reason": reason,
	})
	return false, fmt.Errorf("submit %s/%s: %w", bid.JobID, bid.BidID, cause)
}

// phaseSettlement reconciles completed jobs and advances the cursor.
func (e *Engine) phaseSettlement(ctx context.Context, result *TickResult) (halted bool) {
	completed, err := e.client.ListCompletedJobsForWorker(ctx, e.cfg.AgentID, pageLimit)
	if err != nil {
		return e.marketFault(result, fmt.Errorf("list completed jobs: %w", err))
	}

	fetched, err := async.MapLimit(ctx, fanOutLimit, completed, func(ctx context.Context, job market.Job) (jobBids, error) {
		bids, err := e.client.ListJobBids(ctx, job.ID, market.PageQuery{Limit: pageLimit})
		return jobBids{job: job, bids: bids, err: err}, nil
	})
	if err != nil {
		return e.fatal(result, err)
	}

	bidsByJob := make(map[string][]market.Bid, len(fetched))
	for _, jb := range fetched {
		if jb.err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch bids for completed %s: %v", jb.job.ID, jb.err))
			continue
		}
		bidsByJob[jb.job.ID] = jb.bids
	}

	result.Settlements = settlement.BuildReport(completed, bidsByJob, e.cfg.AgentID, e.cfg.NearPriceUsd)
	for _, rec := range result.Settlements.Records {
		e.emit(telemetry.EventSettlementRecorded, map[string]any{
			"settlement_id": rec.SettlementID, "amount_near": rec.AmountNear,
		})
	}

	if halted := e.advanceSettlementCursor(result, completed); halted {
		return true
	}
	return false
}

// advanceSettlementCursor persists the max updatedAt seen across the sweep.
// The cursor only moves forward.
func (e *Engine) advanceSettlementCursor(result *TickResult, completed []market.Job) (halted bool) {
	var max string
	for _, job := range completed {
		if job.UpdatedAt.IsZero() {
			continue
		}
		if iso := clock.ISO(job.UpdatedAt); iso > max {
			max = iso
		}
	}
	if max == "" {
		return false
	}
	current, ok, err := e.store.Get(store.SettlementCursorKey)
	if err != nil {
		return e.fatal(result, err)
	}
	if ok && current >= max {
		return false
	}
	if err := e.store.Set(store.SettlementCursorKey, max); err != nil {
		return e.fatal(result, err)
	}
	return false
}

// produce asks the artifact provider for a deliverable, guarding against a
// missing provider and nil results.
func (e *Engine) produce(ctx context.Context, jobID, assignmentID string) (*artifact.Deliverable, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("no artifact provider configured")
	}
	d, err := e.provider.Produce(ctx, jobID, assignmentID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("artifact provider returned no deliverable")
	}
	return d, nil
}

// loadBidMarkers maps jobID to its first-seen marker value.
func (e *Engine) loadBidMarkers() (map[string]string, error) {
	keys, err := e.store.Keys(store.BidSubmittedPrefix)
	if err != nil {
		return nil, err
	}
	markers := make(map[string]string, len(keys))
	for _, key := range keys {
		value, ok, err := e.store.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		markers[strings.TrimPrefix(key, store.BidSubmittedPrefix)] = value
	}
	return markers, nil
}

func (e *Engine) loadSubmitState(key string) (*lifecycle.SubmitState, error) {
	raw, ok, err := e.store.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var state lifecycle.SubmitState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, &store.Error{Op: "decode", Key: key, Err: err}
	}
	return &state, nil
}

func (e *Engine) saveSubmitState(key string, state lifecycle.SubmitState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return &store.Error{Op: "encode", Key: key, Err: err}
	}
	return e.store.Set(key, string(raw))
}

// pickAssignment finds the assignment matching the bid, or the first one.
func pickAssignment(job market.Job, bidID string) (market.Assignment, bool) {
	for _, asg := range job.Assignments {
		if asg.BidID == bidID {
			return asg, true
		}
	}
	if len(job.Assignments) > 0 {
		return job.Assignments[0], true
	}
	return market.Assignment{}, false
}

// marketFault handles a marketplace failure in a discovery-class call:
// fatal when the policy fails closed, otherwise recorded and the phase is
// skipped.
func (e *Engine) marketFault(result *TickResult, err error) (halted bool) {
	result.Errors = append(result.Errors, err.Error())
	if e.cfg.Policy.FailClosed {
		e.logger.Error("fail-closed: halting tick", "error", err)
		return true
	}
	e.logger.Warn("market fault, phase skipped", "error", err)
	return false
}

// fatal records err and halts unconditionally (state store and config
// failures are never survivable within a tick).
func (e *Engine) fatal(result *TickResult, err error) (halted bool) {
	result.Errors = append(result.Errors, err.Error())
	e.logger.Error("fatal tick error", "error", err)
	return true
}

func (e *Engine) finishHalted(result TickResult) TickResult {
	result.Halted = true
	result.CompletedAt = clock.ISO(e.clk.Now())
	e.emit(telemetry.EventTickHalted, map[string]any{
		"tick_id": result.TickID, "errors": len(result.Errors),
	})
	e.recordTick(result)
	return result
}
