// Package market implements the typed client for the remote job
// marketplace: a JSON REST API with bearer-token auth. Transport faults and
// 5xx responses are retried with linear backoff; 4xx responses surface
// immediately. Raw rows are translated into normalized records with closed
// enums so nothing downstream handles open-ended marketplace JSON.
package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config holds client wiring. Zero values select the documented defaults.
type Config struct {
	BaseURL        string
	APIKey         string
	AuthHeader     string // default "authorization"
	TimeoutMs      int    // per-attempt deadline, default 10000
	RetryAttempts  int    // total attempts, default 3
	RetryBackoffMs int    // linear backoff unit, default 500
}

// Client is the marketplace REST client.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a client with retry, timeout, and bearer auth.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	authHeader := cfg.AuthHeader
	if authHeader == "" {
		authHeader = "authorization"
	}
	token := cfg.APIKey
	if token != "" && !strings.HasPrefix(token, "Bearer ") {
		token = "Bearer " + token
	}
	timeout := 10 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := 500 * time.Millisecond
	if cfg.RetryBackoffMs > 0 {
		backoff = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(attempts-1).
		SetRetryAfter(func(_ *resty.Client, r *resty.Response) (time.Duration, error) {
			// Linear backoff: backoffMs * attempt.
			return backoff * time.Duration(r.Request.Attempt), nil
		}).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader(authHeader, token)

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "market"),
	}
}

// ListJobsQuery filters GET /v1/jobs.
type ListJobsQuery struct {
	Status        string
	Sort          string
	Order         string
	WorkerAgentID string
	JobType       string
	Limit         int
	Offset        int
}

// PageQuery is plain limit/offset pagination.
type PageQuery struct {
	Limit  int
	Offset int
}

// MyBidsQuery filters GET /v1/agents/me/bids.
type MyBidsQuery struct {
	Statuses []string
	Limit    int
	Offset   int
}

// PlaceBidRequest is the body of POST /v1/jobs/{id}/bids.
type PlaceBidRequest struct {
	AmountNear float64
	ETASeconds int
	Proposal   string
}

// SubmitRequest is the body of POST /v1/jobs/{id}/submit and /entries.
type SubmitRequest struct {
	Deliverable     string
	DeliverableHash string
}

// ListJobs lists jobs matching q.
func (c *Client) ListJobs(ctx context.Context, q ListJobsQuery) ([]Job, error) {
	params := map[string]string{}
	if q.Status != "" {
		params["status"] = q.Status
	}
	if q.Sort != "" {
		params["sort"] = q.Sort
	}
	if q.Order != "" {
		params["order"] = q.Order
	}
	if q.WorkerAgentID != "" {
		params["worker_agent_id"] = q.WorkerAgentID
	}
	if q.JobType != "" {
		params["job_type"] = q.JobType
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		params["offset"] = strconv.Itoa(q.Offset)
	}

	resp, err := c.http.R().SetContext(ctx).SetQueryParams(params).Get("/v1/jobs")
	if err := classify("list jobs", resp, err); err != nil {
		return nil, err
	}
	var rows []jobRow
	if err := decodeRows("list jobs", resp.Body(), &rows); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, normalizeJob(r))
	}
	return jobs, nil
}

// GetJob fetches one job with its my_assignments detail.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/v1/jobs/" + jobID)
	if err := classify("get job", resp, err); err != nil {
		return Job{}, err
	}
	var row jobRow
	if err := decodeRow("get job", resp.Body(), &row); err != nil {
		return Job{}, err
	}
	return normalizeJob(row), nil
}

// ListJobBids lists the public bids on a job.
func (c *Client) ListJobBids(ctx context.Context, jobID string, q PageQuery) ([]Bid, error) {
	params := map[string]string{}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		params["offset"] = strconv.Itoa(q.Offset)
	}
	resp, err := c.http.R().SetContext(ctx).SetQueryParams(params).Get("/v1/jobs/" + jobID + "/bids")
	if err := classify("list job bids", resp, err); err != nil {
		return nil, err
	}
	var rows []bidRow
	if err := decodeRows("list job bids", resp.Body(), &rows); err != nil {
		return nil, err
	}
	bids := make([]Bid, 0, len(rows))
	for _, r := range rows {
		bids = append(bids, normalizeBid(r))
	}
	return bids, nil
}

// ListMyBids lists the autopilot's own bids. Rows without a job id are
// dropped; they cannot be tracked.
func (c *Client) ListMyBids(ctx context.Context, q MyBidsQuery) ([]TrackedBid, error) {
	params := map[string]string{}
	if len(q.Statuses) > 0 {
		params["statuses"] = strings.Join(q.Statuses, ",")
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		params["offset"] = strconv.Itoa(q.Offset)
	}
	resp, err := c.http.R().SetContext(ctx).SetQueryParams(params).Get("/v1/agents/me/bids")
	if err := classify("list my bids", resp, err); err != nil {
		return nil, err
	}
	var rows []bidRow
	if err := decodeRows("list my bids", resp.Body(), &rows); err != nil {
		return nil, err
	}
	bids := make([]TrackedBid, 0, len(rows))
	for _, r := range rows {
		tb := normalizeTracked(r)
		if tb.JobID == "" {
			continue
		}
		bids = append(bids, tb)
	}
	return bids, nil
}

// PlaceBid places a bid on a standard job.
func (c *Client) PlaceBid(ctx context.Context, jobID string, req PlaceBidRequest) (Bid, error) {
	body := map[string]any{
		"amount":      req.AmountNear,
		"eta_seconds": req.ETASeconds,
		"proposal":    req.Proposal,
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post("/v1/jobs/" + jobID + "/bids")
	if err := classify("place bid", resp, err); err != nil {
		return Bid{}, err
	}
	var row bidRow
	if err := decodeRow("place bid", resp.Body(), &row); err != nil {
		return Bid{}, err
	}
	c.logger.Info("bid placed", "job_id", jobID, "amount", req.AmountNear)
	return normalizeBid(row), nil
}

// SubmitEntry submits a competition entry.
func (c *Client) SubmitEntry(ctx context.Context, jobID string, req SubmitRequest) error {
	body := map[string]any{
		"deliverable":      req.Deliverable,
		"deliverable_hash": req.DeliverableHash,
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post("/v1/jobs/" + jobID + "/entries")
	return classify("submit entry", resp, err)
}

// SubmitWork submits the deliverable for a standard job.
func (c *Client) SubmitWork(ctx context.Context, jobID string, req SubmitRequest) error {
	body := map[string]any{
		"deliverable":      req.Deliverable,
		"deliverable_hash": req.DeliverableHash,
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post("/v1/jobs/" + jobID + "/submit")
	return classify("submit work", resp, err)
}

// RequestChanges asks the reviewer for changes on a job.
func (c *Client) RequestChanges(ctx context.Context, jobID, message string) error {
	body := map[string]any{"message": message}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post("/v1/jobs/" + jobID + "/request-changes")
	return classify("request changes", resp, err)
}

// WithdrawBid withdraws a pending bid.
func (c *Client) WithdrawBid(ctx context.Context, bidID string) error {
	resp, err := c.http.R().SetContext(ctx).Post("/v1/bids/" + bidID + "/withdraw")
	return classify("withdraw bid", resp, err)
}

// ListCompletedJobsForWorker lists jobs the worker completed, most recent
// first.
func (c *Client) ListCompletedJobsForWorker(ctx context.Context, workerAgentID string, limit int) ([]Job, error) {
	return c.ListJobs(ctx, ListJobsQuery{
		Status:        string(JobCompleted),
		WorkerAgentID: workerAgentID,
		Sort:          "updated_at",
		Order:         "desc",
		Limit:         limit,
	})
}

// classify maps a resty result onto the error taxonomy.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if resp.IsError() {
		return &ClientError{Status: resp.StatusCode(), Op: op, Body: truncate(resp.String(), 256)}
	}
	return nil
}

// decodeRows accepts either a bare JSON array or a {"data": [...]} envelope.
func decodeRows(op string, body []byte, out any) error {
	if json.Unmarshal(body, out) == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err == nil {
			return nil
		}
	}
	return &ClientError{Status: 200, Op: op, Body: "unparseable response: " + truncate(string(body), 128)}
}

// decodeRow accepts either a bare object or a {"data": {...}} envelope.
// The envelope is tried first: a bare decode of an envelope would silently
// succeed with zero values.
func decodeRow(op string, body []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		body = envelope.Data
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ClientError{Status: 200, Op: op, Body: "unparseable response: " + truncate(string(body), 128)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
