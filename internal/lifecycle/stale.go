// Package lifecycle tracks the autopilot's own bids after placement: when
// to withdraw a pending bid that went stale, and when to attempt (or stop
// attempting) submission of accepted work. All transition logic is pure;
// the orchestrator owns the I/O.
package lifecycle

import (
	"time"

	"near-autopilot/internal/clock"
	"near-autopilot/internal/market"
	"near-autopilot/internal/policy"
)

// WithdrawPlan is the outcome of a stale-bid sweep. MarkerUpdates holds
// first-seen bookkeeping for pending bids with no (or malformed) marker;
// ToWithdraw lists bids whose marker has aged past the stale window.
type WithdrawPlan struct {
	ToWithdraw    []market.TrackedBid
	MarkerUpdates map[string]time.Time
}

// PlanStaleBidWithdrawals sweeps pending bids against their first-seen
// markers. A bid is withdrawn only after having been observed for the full
// stale window across ticks: the tick that first records a marker never
// withdraws on the same sweep.
func PlanStaleBidWithdrawals(bids []market.TrackedBid, now time.Time, markerByJobID map[string]string, pol policy.Policy) WithdrawPlan {
	plan := WithdrawPlan{MarkerUpdates: make(map[string]time.Time)}
	cutoff := now.Add(-time.Duration(pol.StalePendingBidMinutes) * time.Minute)

	for _, bid := range bids {
		if bid.Status != market.BidPending {
			continue
		}
		raw, ok := markerByJobID[bid.JobID]
		if !ok {
			plan.MarkerUpdates[bid.JobID] = now
			continue
		}
		seen, err := clock.Parse(raw)
		if err != nil {
			// Malformed marker: restart observation rather than guessing.
			plan.MarkerUpdates[bid.JobID] = now
			continue
		}
		if !seen.After(cutoff) {
			plan.ToWithdraw = append(plan.ToWithdraw, bid)
		}
	}
	return plan
}
