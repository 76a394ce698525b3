package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"near-autopilot/internal/artifact"
	"near-autopilot/internal/market"
	"near-autopilot/internal/policy"
	"near-autopilot/internal/store"
	"near-autopilot/internal/telemetry"
)

// fakeClock is mutable so a test can advance time between ticks.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeMarket scripts the marketplace and records every mutating call.
type fakeMarket struct {
	mu sync.Mutex

	jobs      []market.Job
	jobByID   map[string]market.Job
	bidsByJob map[string][]market.Bid
	myBids    []market.TrackedBid
	completed []market.Job

	failAll     bool
	withdrawErr error
	submitErr   error

	placed     []string
	withdrawn  []string
	submits    []string // jobIDs passed to SubmitWork
	entries    []string // jobIDs passed to SubmitEntry
	listsCalls int
}

var errScripted = &market.ClientError{Status: 500, Op: "scripted", Body: "boom"}

func (f *fakeMarket) ListJobs(_ context.Context, q market.ListJobsQuery) ([]market.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listsCalls++
	if f.failAll {
		return nil, errScripted
	}
	if q.Status == string(market.JobCompleted) {
		return f.completed, nil
	}
	return f.jobs, nil
}

func (f *fakeMarket) GetJob(_ context.Context, jobID string) (market.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return market.Job{}, errScripted
	}
	job, ok := f.jobByID[jobID]
	if !ok {
		return market.Job{}, &market.ClientError{Status: 404, Op: "get job"}
	}
	return job, nil
}

func (f *fakeMarket) ListJobBids(_ context.Context, jobID string, _ market.PageQuery) ([]market.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errScripted
	}
	return f.bidsByJob[jobID], nil
}

func (f *fakeMarket) ListMyBids(_ context.Context, _ market.MyBidsQuery) ([]market.TrackedBid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errScripted
	}
	return f.myBids, nil
}

func (f *fakeMarket) PlaceBid(_ context.Context, jobID string, _ market.PlaceBidRequest) (market.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return market.Bid{}, errScripted
	}
	f.placed = append(f.placed, jobID)
	return market.Bid{BidID: "bid-" + jobID, JobID: jobID}, nil
}

func (f *fakeMarket) SubmitEntry(_ context.Context, jobID string, _ market.SubmitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.entries = append(f.entries, jobID)
	return nil
}

func (f *fakeMarket) SubmitWork(_ context.Context, jobID string, _ market.SubmitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submits = append(f.submits, jobID)
	return nil
}

func (f *fakeMarket) WithdrawBid(_ context.Context, bidID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withdrawErr != nil {
		return f.withdrawErr
	}
	f.withdrawn = append(f.withdrawn, bidID)
	return nil
}

func (f *fakeMarket) ListCompletedJobsForWorker(_ context.Context, _ string, _ int) ([]market.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errScripted
	}
	return f.completed, nil
}

func newTestEngine(t *testing.T, mkt *fakeMarket, clk *fakeClock) (*Engine, store.Store) {
	t.Helper()
	st, err := store.OpenFile(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng := New(Config{
		AgentID:      "agent-1",
		Policy:       policy.Defaults(),
		NearPriceUsd: 3.5,
	}, mkt, st, artifact.Static{Deliverable: artifact.Deliverable{
		URL:  "https://artifacts.example/out.tar.gz",
		Hash: "abc123",
	}}, clk, telemetry.NewBus(nil), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return eng, st
}

func num(v float64) *float64 { return &v }

func TestTickPlacesBidAndSetsMarker(t *testing.T) {
	t.Parallel()

	mkt := &fakeMarket{
		jobs: []market.Job{{
			ID: "job-1", Status: market.JobOpen, Type: market.JobStandard,
			BudgetNear: num(1), BudgetToken: "NEAR",
		}},
		bidsByJob: map[string][]market.Bid{
			"job-1": {{BidID: "x", AmountNear: num(0.20)}, {BidID: "y", AmountNear: num(0.15)}},
		},
	}
	clk := &fakeClock{t: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
	eng, st := newTestEngine(t, mkt, clk)

	result := eng.RunTick(context.Background())
	if result.Halted {
		t.Fatalf("halted: %v", result.Errors)
	}
	if len(mkt.placed) != 1 || mkt.placed[0] != "job-1" {
		t.Fatalf("placed = %v, want [job-1]", mkt.placed)
	}
	if len(result.BidDecisions) != 1 || result.BidDecisions[0].BidAmountNear == nil {
		t.Fatalf("decisions = %+v", result.BidDecisions)
	}
	if got := *result.BidDecisions[0].BidAmountNear; got != 0.1499 {
		t.Errorf("bid amount = %v, want 0.1499", got)
	}
	marker, ok, err := st.Get(store.BidSubmittedKey("job-1"))
	if err != nil || !ok {
		t.Fatalf("marker missing: ok=%v err=%v", ok, err)
	}
	if marker != "2026-02-28T00:00:00.000Z" {
		t.Errorf("marker = %q", marker)
	}
}

func TestSubmitIdempotentAcrossTicks(t *testing.T) {
	t.Parallel()

	job := market.Job{
		ID: "job-7", Status: market.JobInProgress, Type: market.JobStandard,
		Assignments: []market.Assignment{{ID: "asg-1", BidID: "bid-7", Status: "in_progress"}},
	}
	mkt := &fakeMarket{
		jobByID: map[string]market.Job{"job-7": job},
		myBids:  []market.TrackedBid{{BidID: "bid-7", JobID: "job-7", Status: market.BidAccepted}},
	}
	clk := &fakeClock{t: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
	eng, st := newTestEngine(t, mkt, clk)

	first := eng.RunTick(context.Background())
	if first.Halted {
		t.Fatalf("halted: %v", first.Errors)
	}
	if len(mkt.submits) != 1 || mkt.submits[0] != "job-7" {
		t.Fatalf("submits after tick 1 = %v, want [job-7]", mkt.submits)
	}

	clk.advance(10 * time.Minute)
	second := eng.RunTick(context.Background())
	if second.Halted {
		t.Fatalf("halted: %v", second.Errors)
	}
	if len(mkt.submits) != 1 {
		t.Fatalf("submits after tick 2 = %v, want exactly one", mkt.submits)
	}
	found := false
	for _, d := range second.ExecutionDecisions {
		if d.BidID == "bid-7" {
			found = true
			if d.Action != "skip" || d.Reason != "already_submitted" {
				t.Errorf("second-tick decision = %+v", d)
			}
		}
	}
	if !found {
		t.Fatalf("no decision for bid-7: %+v", second.ExecutionDecisions)
	}

	raw, ok, err := st.Get(store.SubmitAttemptKey("job-7", "bid-7"))
	if err != nil || !ok {
		t.Fatalf("submit state missing: ok=%v err=%v", ok, err)
	}
	if raw == "" {
		t.Error("empty submit state")
	}
}

func TestCompetitionJobSubmitsEntry(t *testing.T) {
	t.Parallel()

	job := market.Job{
		ID: "comp-1", Status: market.JobInProgress, Type: market.JobCompetition,
		Assignments: []market.Assignment{{ID: "asg-9", BidID: "bid-9"}},
	}
	mkt := &fakeMarket{
		jobByID: map[string]market.Job{"comp-1": job},
		myBids:  []market.TrackedBid{{BidID: "bid-9", JobID: "comp-1", Status: market.BidAccepted}},
	}
	clk := &fakeClock{t: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
	eng, _ := newTestEngine(t, mkt, clk)

	result := eng.RunTick(context.Background())
	if result.Halted {
		t.Fatalf("halted: %v", result.Errors)
	}
	if len(mkt.entries) != 1 || mkt.entries[0] != "comp-1" {
		t.Errorf("entries = %v, want [comp-1]", mkt.entries)
	}
	if len(mkt.submits) != 0 {
		t.Errorf("submits = %v, want none", mkt.submits)
	}
}

func TestSubmissionFailureAdvancesRetryState(t *testing.T) {
	t.Parallel()

	job := market.Job{
		ID: "job-3", Status: market.JobInProgress, Type: market.JobStandard,
		Assignments: []market.Assignment{{ID: "asg-3", BidID: "bid-3"}},
	}
	mkt := &fakeMarket{
		jobByID:   map[string]market.Job{"job-3": job},
		myBids:    []market.TrackedBid{{BidID: "bid-3", JobID: "job-3", Status: market.BidAccepted}},
		submitErr: &market.ClientError{Status: 502, Op: "submit work"},
	}
	clk := &fakeClock{t: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
	eng, st := newTestEngine(t, mkt, clk)

	first := eng.RunTick(context.Background())
	if first.Halted {
		t.Fatalf("halted: %v", first.Errors)
	}
	if len(first.Errors) == 0 {
		t.Error("expected a recorded submission error")
	}

	raw, ok, _ := st.Get(store.SubmitAttemptKey("job-3", "bid-3"))
	if !ok {
		t.Fatal("retry state not persisted")
	}
	if raw == "" {
		t.Fatal("empty retry state")
	}

	// Immediately after a failure the backoff window is open.
	second := eng.RunTick(context.Background())
	for _, d := range second.ExecutionDecisions {
		if d.BidID == "bid-3" && d.Reason != "backoff_pending" {
			t.Errorf("second-tick reason = %q, want backoff_pending", d.Reason)
		}
	}
}

func TestStaleBidWithdrawnAcrossTicks(t *testing.T) {
	t.Parallel()

	mkt := &fakeMarket{
		myBids: []market.TrackedBid{{BidID: "bid-1", JobID: "job-1", Status: market.BidPending}},
	}
	clk := &fakeClock{t: time.Date(2026, 2, 27, 22, 0, 0, 0, time.UTC)}
	eng, st := newTestEngine(t, mkt, clk)

	first := eng.RunTick(context.Background())
	if first.Halted {
		t.Fatalf("halted: %v", first.Errors)
	}
	if len(mkt.withdrawn) != 0 {
		t.Fatalf("withdrew on first observation: %v", mkt.withdrawn)
	}
	if _, ok, _ := st.Get(store.BidSubmittedKey("job-1")); !ok {
		t.Fatal("first-seen marker not recorded")
	}

	// Default stale window is 240 minutes.
	clk.advance(5 * time.Hour)
	second := eng.RunTick(context.Background())
	if second.Halted {
		t.Fatalf("halted: %v", second.Errors)
	}
	if len(mkt.withdrawn) != 1 || mkt.withdrawn[0] != "bid-1" {
		t.Fatalf("withdrawn = %v, want [bid-1]", mkt.withdrawn)
	}
	if _, ok, _ := st.Get(store.BidSubmittedKey("job-1")); ok {
		t.Error("marker not cleared after withdrawal")
	}
	if _, ok, _ := st.Get(store.WithdrawnBidKey("bid-1")); !ok {
		t.Error("withdrawal receipt not recorded")
	}
}

func TestWithdrawFailureKeepsMarker(t *testing.T) {
	t.Parallel()

	mkt := &fakeMarket{
		myBids:      []market.TrackedBid{{BidID: "bid-1", JobID: "job-1", Status: market.BidPending}},
		withdrawErr: &market.ClientError{Status: 502, Op: "withdraw bid"},
	}
	clk := &fakeClock{t: time.Date(2026, 2, 27, 22, 0, 0, 0, time.UTC)}
	eng, st := newTestEngine(t, mkt, clk)

	eng.RunTick(context.Background())
	clk.advance(5 * time.Hour)
	result := eng.RunTick(context.Background())

	if result.Halted {
		t.Fatalf("halted: %v", result.Errors)
	}
	if len(result.Errors) == 0 {
		t.Error("withdraw failure not recorded")
	}
	if _, ok, _ := st.Get(store.BidSubmittedKey("job-1")); !ok {
		t.Error("marker cleared despite withdraw failure")
	}
}

func TestFailClosedHaltsWithNoSideEffects(t *testing.T) {
	t.Parallel()

	mkt := &fakeMarket{failAll: true}
	clk := &fakeClock{t: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
	eng, st := newTestEngine(t, mkt, clk)

	result := eng.RunTick(context.Background())
	if !result.Halted {
		t.Fatal("expected halted tick")
	}
	if len(result.Errors) == 0 {
		t.Error("no errors recorded")
	}
	if len(mkt.placed) != 0 || len(mkt.withdrawn) != 0 || len(mkt.submits) != 0 {
		t.Errorf("side effects on halted tick: placed=%v withdrawn=%v submits=%v",
			mkt.placed, mkt.withdrawn, mkt.submits)
	}
	keys, err := st.Keys("")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("store mutated on halted tick: %v", keys)
	}
}

func TestFailOpenRecordsErrorAndContinues(t *testing.T) {
	t.Parallel()

	mkt := &fakeMarket{failAll: true}
	clk := &fakeClock{t: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
	eng, _ := newTestEngine(t, mkt, clk)
	eng.cfg.Policy.FailClosed = false

	result := eng.RunTick(context.Background())
	if result.Halted {
		t.Fatalf("halted despite failClosed=false: %v", result.Errors)
	}
	if len(result.Errors) < 3 {
		t.Errorf("errors = %v, want one per skipped phase", result.Errors)
	}
	if result.CompletedAt == "" {
		t.Error("missing completedAt")
	}
}

func TestSettlementCursorAdvancesMonotonically(t *testing.T) {
	t.Parallel()

	older := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)
	mkt := &fakeMarket{
		completed: []market.Job{
			{ID: "done-1", Status: market.JobCompleted, Title: "one",
				BudgetNear: num(2), BudgetToken: "NEAR", UpdatedAt: newer},
			{ID: "done-2", Status: market.JobCompleted, Title: "two",
				BudgetNear: num(1), BudgetToken: "NEAR", UpdatedAt: older},
		},
	}
	clk := &fakeClock{t: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
	eng, st := newTestEngine(t, mkt, clk)

	result := eng.RunTick(context.Background())
	if result.Halted {
		t.Fatalf("halted: %v", result.Errors)
	}
	if len(result.Settlements.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(result.Settlements.Records))
	}

	cursor, ok, _ := st.Get(store.SettlementCursorKey)
	if !ok || cursor != "2026-02-25T00:00:00.000Z" {
		t.Fatalf("cursor = %q ok=%v", cursor, ok)
	}

	// A later sweep with only older jobs must not move the cursor back.
	mkt.mu.Lock()
	mkt.completed = mkt.completed[1:]
	mkt.mu.Unlock()
	eng.RunTick(context.Background())
	cursor, _, _ = st.Get(store.SettlementCursorKey)
	if cursor != "2026-02-25T00:00:00.000Z" {
		t.Errorf("cursor regressed to %q", cursor)
	}
}

func TestRunLoopStopsAtMaxTicksAndReportsHalt(t *testing.T) {
	t.Parallel()

	mkt := &fakeMarket{failAll: true}
	clk := &fakeClock{t: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
	eng, _ := newTestEngine(t, mkt, clk)

	var seen int
	err := eng.RunLoop(context.Background(), LoopOptions{
		Interval: time.Millisecond,
		MaxTicks: 3,
		OnTick:   func(TickResult) { seen++ },
	})
	if !errors.Is(err, ErrHalted) {
		t.Errorf("err = %v, want ErrHalted", err)
	}
	if seen != 3 {
		t.Errorf("ticks = %d, want 3", seen)
	}
	if got := len(eng.RecentTicks()); got != 3 {
		t.Errorf("recent = %d, want 3", got)
	}
}

func TestRunLoopCooperativeCancel(t *testing.T) {
	t.Parallel()

	mkt := &fakeMarket{}
	clk := &fakeClock{t: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)}
	eng, _ := newTestEngine(t, mkt, clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := eng.RunLoop(ctx, LoopOptions{Interval: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if got := len(eng.RecentTicks()); got != 1 {
		t.Errorf("ticks = %d, want exactly the first immediate one", got)
	}
}
