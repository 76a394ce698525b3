// Package artifact defines the contract with the upstream that produces
// deliverable content. The autopilot never generates deliverables itself;
// it asks the provider and treats any failure as a submission failure so
// the retry state machine advances.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Deliverable is what the upstream produced for one assignment.
type Deliverable struct {
	URL      string         `json:"url"`
	Hash     string         `json:"hash"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider produces the deliverable for an assignment.
type Provider interface {
	Produce(ctx context.Context, jobID, assignmentID string) (*Deliverable, error)
}

// ProviderError classifies any upstream failure, including a nil result.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("artifact provider: %v", e.Err) }
func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPProvider asks a remote artifact service for deliverables.
type HTTPProvider struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewHTTPProvider points a provider at baseURL. timeoutMs 0 selects 15s.
func NewHTTPProvider(baseURL string, timeoutMs int, logger *slog.Logger) *HTTPProvider {
	timeout := 15 * time.Second
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPProvider{http: client, logger: logger.With("component", "artifact")}
}

func (p *HTTPProvider) Produce(ctx context.Context, jobID, assignmentID string) (*Deliverable, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"job_id": jobID, "assignment_id": assignmentID}).
		Post("/artifacts")
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	if resp.IsError() {
		return nil, &ProviderError{Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	// Decoded by hand: upstreams are not trusted to set a JSON Content-Type.
	var result Deliverable
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, &ProviderError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if result.URL == "" {
		return nil, &ProviderError{Err: fmt.Errorf("upstream returned no deliverable for job %s", jobID)}
	}
	return &result, nil
}

// Static always returns the same deliverable. Test and dry-run helper.
type Static struct {
	Deliverable Deliverable
}

func (s Static) Produce(context.Context, string, string) (*Deliverable, error) {
	d := s.Deliverable
	return &d, nil
}
