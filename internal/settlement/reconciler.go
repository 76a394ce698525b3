// Package settlement sweeps completed jobs into an auditable earnings
// report. Payout amounts resolve through fixed precedence: the awarded bid,
// then the agent's own bid, then the job budget itself.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"near-autopilot/internal/clock"
	"near-autopilot/internal/market"
)

// Record is one settled job.
type Record struct {
	SettlementID string  `json:"settlementId"`
	JobID        string  `json:"jobId"`
	JobTitle     string  `json:"jobTitle"`
	BidID        string  `json:"bidId,omitempty"`
	AmountNear   float64 `json:"amountNear"`
	AmountUsd    float64 `json:"amountUsd"`
	CompletedAt  string  `json:"completedAt"`
}

// Report is the full sweep outcome. ScannedJobs counts the input jobs, not
// just the ones that settled.
type Report struct {
	Records     []Record `json:"records"`
	TotalNear   float64  `json:"totalNear"`
	TotalUsd    float64  `json:"totalUsd"`
	ScannedJobs int      `json:"scannedJobs"`
}

// BuildReport resolves a payout for every completed job in jobs.
//
// Amount precedence, first match wins:
//  1. the bid named by awardedBidId, when it carries a positive amount;
//  2. a bid in the same list owned by agentID with a positive amount;
//  3. the job's own budget, when the token is NEAR and the amount positive.
//
// Jobs where no rule yields a positive amount are skipped.
func BuildReport(jobs []market.Job, bidsByJobID map[string][]market.Bid, agentID string, nearPriceUsd float64) Report {
	report := Report{ScannedJobs: len(jobs)}
	price := decimal.NewFromFloat(nearPriceUsd)
	totalNear := decimal.Zero
	totalUsd := decimal.Zero

	for _, job := range jobs {
		if job.Status != market.JobCompleted {
			continue
		}

		amount, bidID := resolveAmount(job, bidsByJobID[job.ID], agentID)
		if amount.Sign() <= 0 {
			continue
		}

		settlementBid := bidID
		if settlementBid == "" {
			settlementBid = "unknown"
		}

		completedAt := time.Unix(0, 0).UTC()
		if !job.UpdatedAt.IsZero() {
			completedAt = job.UpdatedAt
		}

		usd := amount.Mul(price)
		near, _ := amount.Float64()
		usdF, _ := usd.Float64()

		report.Records = append(report.Records, Record{
			SettlementID: job.ID + ":" + settlementBid,
			JobID:        job.ID,
			JobTitle:     job.Title,
			BidID:        bidID,
			AmountNear:   near,
			AmountUsd:    usdF,
			CompletedAt:  clock.ISO(completedAt),
		})
		totalNear = totalNear.Add(amount)
		totalUsd = totalUsd.Add(usd)
	}

	report.TotalNear, _ = totalNear.Float64()
	report.TotalUsd, _ = totalUsd.Float64()
	return report
}

func resolveAmount(job market.Job, bids []market.Bid, agentID string) (decimal.Decimal, string) {
	if job.AwardedBidID != "" {
		for _, b := range bids {
			if b.BidID == job.AwardedBidID && b.AmountNear != nil && *b.AmountNear > 0 {
				return decimal.NewFromFloat(*b.AmountNear), b.BidID
			}
		}
	}
	for _, b := range bids {
		if b.BidderAgentID == agentID && b.AmountNear != nil && *b.AmountNear > 0 {
			return decimal.NewFromFloat(*b.AmountNear), b.BidID
		}
	}
	if market.IsNEAR(job.BudgetToken) && job.BudgetNear != nil && *job.BudgetNear > 0 {
		return decimal.NewFromFloat(*job.BudgetNear), ""
	}
	return decimal.Zero, ""
}
