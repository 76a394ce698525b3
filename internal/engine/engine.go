// Package engine is the tick orchestrator: it sequences discovery, bidding,
// stale-bid withdrawal, submission, and settlement into one cycle with
// fail-closed error handling and bounded per-job fan-out.
//
// Phase order within a tick is fixed: bids are placed before the own-bids
// list is refetched for withdrawal planning, submissions run after
// withdrawals, and settlement reconciliation runs last. The state store is
// the only durable resource; every mutation goes through atomic single-key
// writes so two consecutive ticks over identical external state produce
// identical decisions.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"near-autopilot/internal/artifact"
	"near-autopilot/internal/clock"
	"near-autopilot/internal/market"
	"near-autopilot/internal/policy"
	"near-autopilot/internal/store"
	"near-autopilot/internal/telemetry"
)

// fanOutLimit bounds concurrent marketplace requests within a phase.
const fanOutLimit = 10

// pageLimit is the page size for list calls.
const pageLimit = 100

// recentTicksCapacity bounds the in-memory tick history for the dashboard.
const recentTicksCapacity = 50

// MarketClient is the slice of the marketplace surface the orchestrator
// consumes. *market.Client satisfies it; tests substitute fakes.
type MarketClient interface {
	ListJobs(ctx context.Context, q market.ListJobsQuery) ([]market.Job, error)
	GetJob(ctx context.Context, jobID string) (market.Job, error)
	ListJobBids(ctx context.Context, jobID string, q market.PageQuery) ([]market.Bid, error)
	ListMyBids(ctx context.Context, q market.MyBidsQuery) ([]market.TrackedBid, error)
	PlaceBid(ctx context.Context, jobID string, req market.PlaceBidRequest) (market.Bid, error)
	SubmitEntry(ctx context.Context, jobID string, req market.SubmitRequest) error
	SubmitWork(ctx context.Context, jobID string, req market.SubmitRequest) error
	WithdrawBid(ctx context.Context, bidID string) error
	ListCompletedJobsForWorker(ctx context.Context, workerAgentID string, limit int) ([]market.Job, error)
}

// Config wires an Engine.
type Config struct {
	AgentID      string
	Policy       policy.Policy
	NearPriceUsd float64
	SigningKey   []byte // empty disables manifest signing
	SignerID     string
}

// Engine owns one autopilot worker. It is the sole writer of the state
// store in a single-process deployment.
type Engine struct {
	cfg      Config
	client   MarketClient
	store    store.Store
	clk      clock.Clock
	bus      *telemetry.Bus
	provider artifact.Provider
	logger   *slog.Logger

	mu     sync.Mutex
	recent []TickResult
}

// New wires the orchestrator. provider may be nil when no artifact upstream
// is configured; submission attempts then fail and advance retry state.
func New(cfg Config, client MarketClient, st store.Store, provider artifact.Provider, clk clock.Clock, bus *telemetry.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		client:   client,
		store:    st,
		clk:      clk,
		bus:      bus,
		provider: provider,
		logger:   logger.With("component", "engine"),
	}
}

// RecentTicks returns the most recent tick results, oldest first.
func (e *Engine) RecentTicks() []TickResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TickResult, len(e.recent))
	copy(out, e.recent)
	return out
}

func (e *Engine) recordTick(result TickResult) {
	e.mu.Lock()
	e.recent = append(e.recent, result)
	if len(e.recent) > recentTicksCapacity {
		e.recent = e.recent[len(e.recent)-recentTicksCapacity:]
	}
	e.mu.Unlock()
}

func (e *Engine) emit(eventType string, fields map[string]any) {
	e.bus.Emit(telemetry.Event{
		Type:   eventType,
		At:     clock.ISO(e.clk.Now()),
		Fields: fields,
	})
}
