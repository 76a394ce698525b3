// Package sim replays one tick's decision logic over a fully described
// snapshot of the marketplace, with no I/O and no persistence. Identical
// inputs always produce identical outputs, down to a content digest, which
// makes policy changes diffable before they touch real money.
package sim

import (
	"fmt"
	"sort"

	"near-autopilot/internal/bidding"
	"near-autopilot/internal/clock"
	"near-autopilot/internal/lifecycle"
	"near-autopilot/internal/market"
	"near-autopilot/internal/policy"
	"near-autopilot/internal/store"
	"near-autopilot/pkg/canonical"
)

// Input is a complete snapshot for one simulated tick. Policy overrides are
// resolved against the defaults; a nil Policy simulates the defaults.
type Input struct {
	NowISO           string                           `json:"nowIso"`
	Jobs             []market.Job                     `json:"jobs"`
	BidsByJobID      map[string][]market.Bid          `json:"bidsByJobId,omitempty"`
	TrackedBids      []market.TrackedBid              `json:"trackedBids,omitempty"`
	SubmitStateByKey map[string]lifecycle.SubmitState `json:"submitStateByKey,omitempty"`
	MarkerByJobID    map[string]string                `json:"markerByJobId,omitempty"`
	Policy           *policy.Overrides                `json:"policy,omitempty"`
}

// Output is the simulated tick verdict.
type Output struct {
	BidDecisions        []bidding.Decision            `json:"bidDecisions"`
	WithdrawBidIDs      []string                      `json:"withdrawBidIds"`
	SubmitDecisions     []lifecycle.ExecutionDecision `json:"submitDecisions"`
	DeterministicDigest string                        `json:"deterministicDigest"`
}

// SimulateTick runs the bidding, withdrawal, and submission decision logic
// over in. It never performs I/O.
func SimulateTick(in Input) (Output, error) {
	now, err := clock.Parse(in.NowISO)
	if err != nil {
		return Output{}, fmt.Errorf("parse now: %w", err)
	}

	overrides := policy.Overrides{}
	if in.Policy != nil {
		overrides = *in.Policy
	}
	pol, err := policy.Resolve(overrides)
	if err != nil {
		return Output{}, err
	}

	out := Output{
		BidDecisions:    bidding.RankJobsForBidding(in.Jobs, in.BidsByJobID, pol),
		WithdrawBidIDs:  []string{},
		SubmitDecisions: []lifecycle.ExecutionDecision{},
	}

	plan := lifecycle.PlanStaleBidWithdrawals(in.TrackedBids, now, in.MarkerByJobID, pol)
	for _, bid := range plan.ToWithdraw {
		out.WithdrawBidIDs = append(out.WithdrawBidIDs, bid.BidID)
	}
	sort.Strings(out.WithdrawBidIDs)

	submittable := make([]market.TrackedBid, 0, len(in.TrackedBids))
	for _, bid := range in.TrackedBids {
		switch bid.Status {
		case market.BidAccepted, market.BidInProgress, market.BidSubmitted:
			submittable = append(submittable, bid)
		}
	}
	sort.Slice(submittable, func(i, j int) bool { return submittable[i].BidID < submittable[j].BidID })

	for _, bid := range submittable {
		var state *lifecycle.SubmitState
		if s, ok := in.SubmitStateByKey[store.SubmitAttemptKey(bid.JobID, bid.BidID)]; ok {
			state = &s
		}
		outcome := lifecycle.NextSubmissionAttempt(state, now, pol)
		decision := lifecycle.ExecutionDecision{
			JobID: bid.JobID,
			BidID: bid.BidID,
		}
		if outcome.ShouldAttempt {
			decision.Action = "submit"
		} else {
			decision.Action = "skip"
			decision.Reason = outcome.Reason
			decision.NextAttemptAt = outcome.Next.NextAttemptAt
		}
		out.SubmitDecisions = append(out.SubmitDecisions, decision)
	}

	digest, err := canonical.Digest(map[string]any{
		"bidDecisions":    out.BidDecisions,
		"submitDecisions": out.SubmitDecisions,
		"withdrawBidIds":  out.WithdrawBidIDs,
	})
	if err != nil {
		return Output{}, err
	}
	out.DeterministicDigest = digest
	return out, nil
}
