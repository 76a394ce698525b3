package settlement

import (
	"testing"
	"time"

	"near-autopilot/internal/market"
)

func fp(v float64) *float64 { return &v }

func completedJob(id string) market.Job {
	return market.Job{ID: id, Title: "title-" + id, Status: market.JobCompleted,
		UpdatedAt: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
}

func TestSettlementViaAwardedBid(t *testing.T) {
	t.Parallel()

	job := completedJob("job-1")
	job.AwardedBidID = "bid-1"
	bids := map[string][]market.Bid{
		"job-1": {{BidID: "bid-1", BidderAgentID: "agent-1", AmountNear: fp(2.5)}},
	}

	report := BuildReport([]market.Job{job}, bids, "agent-1", 4)
	if len(report.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(report.Records))
	}
	rec := report.Records[0]
	if rec.AmountNear != 2.5 {
		t.Errorf("AmountNear = %v, want 2.5", rec.AmountNear)
	}
	if report.TotalUsd != 10 {
		t.Errorf("TotalUsd = %v, want 10", report.TotalUsd)
	}
	if rec.SettlementID != "job-1:bid-1" {
		t.Errorf("SettlementID = %s, want job-1:bid-1", rec.SettlementID)
	}
}

func TestAwardedBidPreferredOverOwnBid(t *testing.T) {
	t.Parallel()

	// The awarded bid belongs to another agent; precedence still picks it.
	job := completedJob("job-1")
	job.AwardedBidID = "bid-theirs"
	bids := map[string][]market.Bid{
		"job-1": {
			{BidID: "bid-mine", BidderAgentID: "agent-1", AmountNear: fp(9)},
			{BidID: "bid-theirs", BidderAgentID: "agent-2", AmountNear: fp(3)},
		},
	}

	report := BuildReport([]market.Job{job}, bids, "agent-1", 1)
	if report.Records[0].AmountNear != 3 || report.Records[0].BidID != "bid-theirs" {
		t.Errorf("record = %+v, want awarded bid-theirs at 3", report.Records[0])
	}
}

func TestFallbackToOwnBid(t *testing.T) {
	t.Parallel()

	job := completedJob("job-1")
	job.AwardedBidID = "bid-gone" // not present in the list
	bids := map[string][]market.Bid{
		"job-1": {
			{BidID: "bid-other", BidderAgentID: "agent-2", AmountNear: fp(5)},
			{BidID: "bid-mine", BidderAgentID: "agent-1", AmountNear: fp(1.5)},
		},
	}

	report := BuildReport([]market.Job{job}, bids, "agent-1", 2)
	if report.Records[0].AmountNear != 1.5 || report.Records[0].BidID != "bid-mine" {
		t.Errorf("record = %+v, want own bid-mine at 1.5", report.Records[0])
	}
}

func TestFallbackToBudget(t *testing.T) {
	t.Parallel()

	job := completedJob("job-2")
	job.BudgetNear = fp(1.25)
	job.BudgetToken = "NEAR"

	report := BuildReport([]market.Job{job}, nil, "agent-1", 5)
	if len(report.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(report.Records))
	}
	rec := report.Records[0]
	if rec.AmountNear != 1.25 {
		t.Errorf("AmountNear = %v, want 1.25", rec.AmountNear)
	}
	if report.TotalUsd != 6.25 {
		t.Errorf("TotalUsd = %v, want 6.25", report.TotalUsd)
	}
	if rec.SettlementID != "job-2:unknown" {
		t.Errorf("SettlementID = %s, want job-2:unknown", rec.SettlementID)
	}
}

func TestNoPositiveAmountSkipsJob(t *testing.T) {
	t.Parallel()

	noBudget := completedJob("job-1")
	wrongToken := completedJob("job-2")
	wrongToken.BudgetNear = fp(2)
	wrongToken.BudgetToken = "USDC"

	report := BuildReport([]market.Job{noBudget, wrongToken}, nil, "agent-1", 3)
	if len(report.Records) != 0 {
		t.Errorf("records = %+v, want none", report.Records)
	}
	if report.ScannedJobs != 2 {
		t.Errorf("ScannedJobs = %d, want 2", report.ScannedJobs)
	}
}

func TestNonCompletedJobsIgnored(t *testing.T) {
	t.Parallel()

	open := market.Job{ID: "job-1", Status: market.JobOpen, BudgetNear: fp(3), BudgetToken: "NEAR"}
	report := BuildReport([]market.Job{open}, nil, "agent-1", 1)
	if len(report.Records) != 0 {
		t.Errorf("records = %+v, want none for non-completed job", report.Records)
	}
}

func TestMissingUpdatedAtFallsBackToEpoch(t *testing.T) {
	t.Parallel()

	job := market.Job{ID: "job-1", Title: "t", Status: market.JobCompleted,
		BudgetNear: fp(1), BudgetToken: "NEAR"}
	report := BuildReport([]market.Job{job}, nil, "agent-1", 1)
	if got := report.Records[0].CompletedAt; got != "1970-01-01T00:00:00.000Z" {
		t.Errorf("CompletedAt = %s, want Unix epoch", got)
	}
}
