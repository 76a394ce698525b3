// Package bidding decides, per job, whether to skip, bid, or enter, and at
// what amount. Decisions are pure functions of (job, public bids, policy) so
// the same inputs always produce the same decisions.
package bidding

import (
	"sort"

	"github.com/shopspring/decimal"

	"near-autopilot/internal/market"
	"near-autopilot/internal/policy"
)

// Action is what the orchestrator should do with a job.
type Action string

const (
	ActionSkip  Action = "skip"
	ActionBid   Action = "bid"
	ActionEntry Action = "entry"
)

// Skip reasons, in precedence order.
const (
	ReasonBudgetUnknown       = "budget_unknown_or_non_near"
	ReasonBudgetOutsidePolicy = "budget_outside_policy"
	ReasonTooCompetitive      = "market_too_competitive"
	ReasonInvalidBid          = "invalid_bid_after_bounds"
	ReasonBelowMarginFloor    = "below_margin_floor"
)

// undercutStep is the minimum amount by which an existing lowest bid is
// undercut, and the margin kept below the full budget.
var undercutStep = decimal.NewFromFloat(0.0001)

// Decision is the per-job outcome.
type Decision struct {
	JobID         string   `json:"jobId"`
	Action        Action   `json:"action"`
	Reason        string   `json:"reason,omitempty"`
	BidAmountNear *float64 `json:"bidAmountNear,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// DecideBidForJob evaluates one job against the policy guardrails.
//
// Skip reasons are checked in fixed precedence: unknown or non-NEAR budget,
// budget outside policy, too many existing bids, non-positive bid after
// clamping, margin floor. When none applies the bid amount undercuts the
// lowest live bid by the minimum step, clamped to [minBidNear, upper bound]
// and rounded to 4 decimal places.
func DecideBidForJob(job market.Job, bids []market.Bid, pol policy.Policy) Decision {
	d := Decision{JobID: job.ID, Action: ActionSkip}

	if job.BudgetNear == nil || !market.IsNEAR(job.BudgetToken) {
		d.Reason = ReasonBudgetUnknown
		return d
	}
	budget := decimal.NewFromFloat(*job.BudgetNear)

	if budget.LessThan(decimal.NewFromFloat(pol.MinBudgetNear)) ||
		budget.GreaterThan(decimal.NewFromFloat(pol.MaxBudgetNear)) {
		d.Reason = ReasonBudgetOutsidePolicy
		return d
	}

	if len(bids) > pol.MaxExistingBids {
		d.Reason = ReasonTooCompetitive
		return d
	}

	amount := computeAmount(budget, bids, pol)
	if amount.Sign() <= 0 {
		d.Reason = ReasonInvalidBid
		return d
	}

	if budget.Sub(amount).LessThan(decimal.NewFromFloat(pol.MinMarginNear)) {
		d.Reason = ReasonBelowMarginFloor
		return d
	}

	if job.Type == market.JobCompetition {
		d.Action = ActionEntry
	} else {
		d.Action = ActionBid
	}
	d.Reason = ""
	v, _ := amount.Float64()
	d.BidAmountNear = &v
	d.Confidence = confidence(*job.BudgetNear, len(bids), pol)
	return d
}

// computeAmount applies discount, undercut, and clamping, rounded to 4 dp.
func computeAmount(budget decimal.Decimal, bids []market.Bid, pol policy.Policy) decimal.Decimal {
	base := budget.Mul(decimal.NewFromInt(int64(pol.BidDiscountBps))).Div(decimal.NewFromInt(10000))

	candidate := base
	if lowest, ok := lowestLiveBid(bids); ok {
		candidate = lowest.Sub(undercutStep)
	}

	upper := decimal.Min(
		decimal.NewFromFloat(pol.MaxBidNear),
		decimal.Max(decimal.Zero, budget.Sub(undercutStep)),
	)
	final := decimal.Min(upper, decimal.Max(decimal.NewFromFloat(pol.MinBidNear), candidate))
	return final.Round(4)
}

// lowestLiveBid returns the smallest positive bid amount among bids.
func lowestLiveBid(bids []market.Bid) (decimal.Decimal, bool) {
	var lowest decimal.Decimal
	found := false
	for _, b := range bids {
		if b.AmountNear == nil || *b.AmountNear <= 0 {
			continue
		}
		amt := decimal.NewFromFloat(*b.AmountNear)
		if !found || amt.LessThan(lowest) {
			lowest = amt
			found = true
		}
	}
	return lowest, found
}

// confidence scores a non-skip decision: larger budgets raise it, existing
// competition lowers it. Clamped to [0, 1], rounded to 3 dp.
func confidence(budget float64, existingBids int, pol policy.Policy) float64 {
	sizeFactor := budget / pol.MaxBudgetNear
	if sizeFactor > 1 {
		sizeFactor = 1
	}
	crowdPenalty := 0.03 * float64(existingBids)
	if crowdPenalty > 0.4 {
		crowdPenalty = 0.4
	}
	c := sizeFactor * (1 - crowdPenalty)
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	v, _ := decimal.NewFromFloat(c).Round(3).Float64()
	return v
}

// RankJobsForBidding decides every job and orders the result: actionable
// decisions first, by descending confidence, then skips in stable input
// order. Jobs are pre-sorted by id so identical inputs rank identically.
func RankJobsForBidding(jobs []market.Job, bidsByJobID map[string][]market.Bid, pol policy.Policy) []Decision {
	sorted := make([]market.Job, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	decisions := make([]Decision, 0, len(sorted))
	for _, job := range sorted {
		decisions = append(decisions, DecideBidForJob(job, bidsByJobID[job.ID], pol))
	}

	sort.SliceStable(decisions, func(i, j int) bool {
		a, b := decisions[i], decisions[j]
		if (a.Action != ActionSkip) != (b.Action != ActionSkip) {
			return a.Action != ActionSkip
		}
		if a.Action != ActionSkip && b.Action != ActionSkip {
			return a.Confidence > b.Confidence
		}
		return false
	})
	return decisions
}
