// NEAR marketplace autopilot — an automated worker agent for a NEAR-paid
// job marketplace.
//
// Architecture:
//
//	main.go                  — entry point: go-flags subcommands (run, tick, reconcile, simulate, doctor)
//	engine/tick.go           — orchestrator: discovery → bidding → withdrawal → submission → settlement
//	bidding/engine.go        — undercut pricing with policy guardrails + confidence ranking
//	lifecycle/stale.go       — two-phase stale-bid withdrawal planner
//	lifecycle/submit.go      — submission retry/backoff/escalation state machine
//	settlement/reconciler.go — completed-job sweep → payout records
//	market/client.go         — REST client for the marketplace API (retry, normalization)
//	manifest/signer.go       — canonical hash + HMAC signing of deliverable manifests
//	store/                   — file and sqlite drivers for idempotency markers
//	sim/sim.go               — deterministic offline tick projection
//	api/                     — read-only dashboard (health, metrics, ticks, websocket)
//
// How it makes money:
//
//	The autopilot discovers open jobs, undercuts the cheapest existing bid
//	within policy bounds, delivers signed work for accepted bids, and
//	reconciles completed jobs into settlement reports. Guardrails (budget
//	bounds, margin floor, competition cap) keep it from bidding below cost.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"

	"near-autopilot/internal/api"
	"near-autopilot/internal/artifact"
	"near-autopilot/internal/clock"
	"near-autopilot/internal/config"
	"near-autopilot/internal/engine"
	"near-autopilot/internal/market"
	"near-autopilot/internal/policy"
	"near-autopilot/internal/settlement"
	"near-autopilot/internal/sim"
	"near-autopilot/internal/store"
	"near-autopilot/internal/telemetry"
	"near-autopilot/pkg/async"
)

func main() {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "run", "Run the autopilot loop", `
Run ticks on a steady cadence until SIGINT/SIGTERM. Exits 0 on cooperative
stop, non-zero when the final tick halted.
`, &cmdRun{})
	addCmd(parser, "tick", "Run exactly one tick", `
Execute one full tick and write its TickResult as JSON to stdout. Exits
non-zero when the tick halted.
`, &cmdTick{})
	addCmd(parser, "reconcile", "Build a settlement report", `
Sweep completed jobs into a settlement report and write it as JSON to
stdout. Read-only: the settlement cursor is not advanced.
`, &cmdReconcile{})
	addCmd(parser, "simulate", "Simulate a tick offline", `
Run the decision pipeline over a JSON snapshot with no marketplace I/O and
write the deterministic output (with digest) to stdout.
`, &cmdSimulate{})
	addCmd(parser, "doctor", "Check configuration and connectivity", `
Validate config and policy, probe the state store, and check marketplace
reachability. Exits non-zero when any check fails.
`, &cmdDoctor{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(parser *flags.Parser, name, short, long string, cmd interface{}) {
	if _, err := parser.AddCommand(name, short, long, cmd); err != nil {
		panic(err)
	}
}

// runtime is everything a connected command needs, wired once from config.
type runtime struct {
	cfg    *config.Config
	pol    policy.Policy
	logger *slog.Logger
	store  store.Store
	client *market.Client
	eng    *engine.Engine
	bus    *telemetry.Bus
	reg    *prometheus.Registry
}

func setup(cfgPath string) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pol, err := policy.Resolve(cfg.Policy)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging)

	st, err := store.Open(cfg.StateDriver(), cfg.State.Path)
	if err != nil {
		return nil, err
	}

	client := market.NewClient(market.Config{
		BaseURL:        cfg.Market.BaseURL,
		APIKey:         cfg.Market.APIKey,
		AuthHeader:     cfg.Market.AuthHeader,
		TimeoutMs:      cfg.Market.TimeoutMs,
		RetryAttempts:  cfg.Market.Retry.Attempts,
		RetryBackoffMs: cfg.Market.Retry.BackoffMs,
	}, logger)

	var provider artifact.Provider
	if cfg.Artifact.BaseURL != "" {
		provider = artifact.NewHTTPProvider(cfg.Artifact.BaseURL, cfg.Artifact.TimeoutMs, logger)
	}

	reg := prometheus.NewRegistry()
	bus := telemetry.NewBus(reg)

	eng := engine.New(engine.Config{
		AgentID:      cfg.AgentID,
		Policy:       pol,
		NearPriceUsd: cfg.NearPriceUsd,
		SigningKey:   []byte(cfg.SubmitSigningKey),
		SignerID:     cfg.SubmitSignerID,
	}, client, st, provider, clock.System{}, bus, logger)

	return &runtime{
		cfg:    cfg,
		pol:    pol,
		logger: logger,
		store:  st,
		client: client,
		eng:    eng,
		bus:    bus,
		reg:    reg,
	}, nil
}

func (rt *runtime) close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("failed to close store", "error", err)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}

type cmdRun struct {
	Config     string `long:"config" default:"configs/config.json" description:"path to config file"`
	IntervalMs int    `long:"interval-ms" description:"tick cadence in milliseconds (overrides tickIntervalMs)"`
}

func (c *cmdRun) Execute([]string) error {
	rt, err := setup(c.Config)
	if err != nil {
		return err
	}
	defer rt.close()

	interval := time.Minute
	if rt.cfg.TickIntervalMs > 0 {
		interval = time.Duration(rt.cfg.TickIntervalMs) * time.Millisecond
	}
	if c.IntervalMs > 0 {
		interval = time.Duration(c.IntervalMs) * time.Millisecond
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var apiServer *api.Server
	if rt.cfg.Dashboard.Enabled {
		apiServer = api.NewServer(rt.cfg.Dashboard, rt.eng, rt.bus, rt.reg, rt.logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				rt.logger.Error("dashboard server failed", "error", err)
			}
		}()
		rt.logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", rt.cfg.Dashboard.Port))
	}

	rt.logger.Info("autopilot started",
		"agent_id", rt.cfg.AgentID,
		"interval", interval.String(),
		"fail_closed", rt.pol.FailClosed,
	)

	err = rt.eng.RunLoop(ctx, engine.LoopOptions{
		Interval: interval,
		OnTick: func(result engine.TickResult) {
			if err := printJSON(result); err != nil {
				rt.logger.Error("failed to write tick result", "error", err)
			}
		},
	})

	if apiServer != nil {
		if stopErr := apiServer.Stop(); stopErr != nil {
			rt.logger.Error("failed to stop dashboard", "error", stopErr)
		}
	}

	if errors.Is(err, engine.ErrHalted) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		rt.logger.Info("stopped")
		return nil
	}
	return err
}

type cmdTick struct {
	Config string `long:"config" default:"configs/config.json" description:"path to config file"`
}

func (c *cmdTick) Execute([]string) error {
	rt, err := setup(c.Config)
	if err != nil {
		return err
	}
	defer rt.close()

	result := rt.eng.RunTick(context.Background())
	if err := printJSON(result); err != nil {
		return err
	}
	if result.Halted {
		return fmt.Errorf("tick %s halted with %d errors", result.TickID, len(result.Errors))
	}
	return nil
}

type cmdReconcile struct {
	Config string `long:"config" default:"configs/config.json" description:"path to config file"`
	Limit  int    `long:"limit" default:"100" description:"max completed jobs to sweep"`
}

func (c *cmdReconcile) Execute([]string) error {
	rt, err := setup(c.Config)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()
	jobs, err := rt.client.ListCompletedJobsForWorker(ctx, rt.cfg.AgentID, c.Limit)
	if err != nil {
		return fmt.Errorf("list completed jobs: %w", err)
	}

	type jobBids struct {
		jobID string
		bids  []market.Bid
	}
	fetched, err := async.MapLimit(ctx, 10, jobs, func(ctx context.Context, job market.Job) (jobBids, error) {
		bids, err := rt.client.ListJobBids(ctx, job.ID, market.PageQuery{Limit: 100})
		if err != nil {
			return jobBids{}, fmt.Errorf("fetch bids for %s: %w", job.ID, err)
		}
		return jobBids{jobID: job.ID, bids: bids}, nil
	})
	if err != nil {
		return err
	}
	bidsByJob := make(map[string][]market.Bid, len(fetched))
	for _, jb := range fetched {
		bidsByJob[jb.jobID] = jb.bids
	}

	report := settlement.BuildReport(jobs, bidsByJob, rt.cfg.AgentID, rt.cfg.NearPriceUsd)
	return printJSON(report)
}

type cmdSimulate struct {
	Input  string `long:"input" required:"true" description:"path to tick snapshot JSON"`
	Policy string `long:"policy" description:"path to policy overrides JSON (replaces snapshot policy)"`
}

func (c *cmdSimulate) Execute([]string) error {
	raw, err := os.ReadFile(c.Input)
	if err != nil {
		return err
	}
	var input sim.Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("parse input: %w", err)
	}

	if c.Policy != "" {
		raw, err := os.ReadFile(c.Policy)
		if err != nil {
			return err
		}
		var overrides policy.Overrides
		if err := json.Unmarshal(raw, &overrides); err != nil {
			return fmt.Errorf("parse policy: %w", err)
		}
		input.Policy = &overrides
	}

	output, err := sim.SimulateTick(input)
	if err != nil {
		return err
	}
	return printJSON(output)
}

type cmdDoctor struct {
	Config string `long:"config" default:"configs/config.json" description:"path to config file"`
}

func (c *cmdDoctor) Execute([]string) error {
	type check struct {
		Name   string `json:"name"`
		OK     bool   `json:"ok"`
		Detail string `json:"detail,omitempty"`
	}
	var checks []check
	record := func(name string, err error, okDetail string) {
		if err != nil {
			checks = append(checks, check{Name: name, Detail: err.Error()})
			return
		}
		checks = append(checks, check{Name: name, OK: true, Detail: okDetail})
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		record("config", err, "")
		printJSON(checks)
		return err
	}
	record("config", cfg.Validate(), c.Config)

	_, polErr := policy.Resolve(cfg.Policy)
	record("policy", polErr, "resolved against defaults")

	st, storeErr := store.Open(cfg.StateDriver(), cfg.State.Path)
	if storeErr == nil {
		probe := "near_market_doctor_probe:" + uuid.NewString()
		storeErr = st.Set(probe, "ok")
		if storeErr == nil {
			storeErr = st.Del(probe)
		}
		st.Close()
	}
	record("state store", storeErr, cfg.StateDriver()+" "+cfg.State.Path)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	req, reqErr := http.NewRequest(http.MethodHead, cfg.Market.BaseURL, nil)
	if reqErr == nil {
		var resp *http.Response
		resp, reqErr = httpClient.Do(req)
		if reqErr == nil {
			resp.Body.Close()
		}
	}
	record("marketplace", reqErr, cfg.Market.BaseURL)

	if cfg.SubmitSigningKey != "" {
		record("signer", nil, "hmac-sha256 as "+cfg.SubmitSignerID)
	} else {
		record("signer", nil, "disabled (no submitSigningKey)")
	}
	if cfg.Artifact.BaseURL == "" {
		record("artifact provider", nil, "not configured; submissions will fail until injected")
	} else {
		record("artifact provider", nil, cfg.Artifact.BaseURL)
	}

	if err := printJSON(checks); err != nil {
		return err
	}
	for _, ck := range checks {
		if !ck.OK {
			return fmt.Errorf("doctor: %s failed: %s", ck.Name, ck.Detail)
		}
	}
	return nil
}
