package stagegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stagegate HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	// CorrelationID, when set, is sent as X-Correlation-Id on every request
	// so server-side events can be traced back to this client session.
	CorrelationID string
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Integrity is the seal attached to compiled documents.
type Integrity struct {
	Signed     bool   `json:"signed"`
	Hash       string `json:"hash"`
	HashAlg    string `json:"hash_alg"`
	CompiledAt string `json:"compiled_at"`
}

// Package represents a compiled policy package (partial).
type Package struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Environment   string         `json:"environment"`
	Stage         string         `json:"stage"`
	Tier          string         `json:"tier"`
	SchemaVersion string         `json:"schema_version"`
	Policy        map[string]any `json:"policy"`
	Integrity     Integrity      `json:"integrity"`
	Superseded    bool           `json:"superseded"`
	CreatedAt     string         `json:"created_at"`
}

// Job represents a background job.
type Job struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	ResultRef     *string `json:"result_ref,omitempty"`
	CorrelationID string  `json:"correlation_id"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	FinishedAt    *string `json:"finished_at,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts"`
	Type          string         `json:"type"`
	OrgID         string         `json:"org_id"`
	EntityKind    string         `json:"entity_kind"`
	EntityID      string         `json:"entity_id"`
	ActorID       string         `json:"actor_id"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload"`
}

// Signal represents a risk signal.
type Signal struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Severity  string `json:"severity"`
	Category  string `json:"category"`
	Context   string `json:"context,omitempty"`
	CreatedAt string `json:"created_at"`
}

// VerifyResult reports an integrity check.
type VerifyResult struct {
	PackageID string `json:"package_id"`
	Verified  bool   `json:"verified"`
	Hash      string `json:"hash"`
	HashAlg   string `json:"hash_alg"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Compile compiles and seals a package for the environment. The optional
// idempotencyKey lets retried calls replay the original response instead of
// compiling twice.
func (c *Client) Compile(ctx context.Context, environment, idempotencyKey string) (Package, error) {
	body := map[string]any{"environment": environment}
	var resp Package
	err := c.do(ctx, http.MethodPost, c.projectPath("compile"), body, &resp, idempotencyKey)
	return resp, err
}

// Packages lists the project's live packages.
func (c *Client) Packages(ctx context.Context) ([]Package, error) {
	var resp struct {
		Items []Package `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("packages"), nil, &resp, "")
	return resp.Items, err
}

// GetPackage fetches a package by id.
func (c *Client) GetPackage(ctx context.Context, id string) (Package, error) {
	var resp Package
	endpoint := fmt.Sprintf("v1/packages/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, "")
	return resp, err
}

// Verify recomputes the package hash server-side and reports drift.
func (c *Client) Verify(ctx context.Context, id string) (VerifyResult, error) {
	var resp VerifyResult
	endpoint := fmt.Sprintf("v1/packages/%s/verify", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, "")
	return resp, err
}

// Promote moves a package to a ladder stage. Approval fields may be empty for
// stages that do not require them; demotions never need approval.
func (c *Client) Promote(ctx context.Context, packageID, toStage, approvalType, approver, useCaseRef string) (Package, error) {
	body := map[string]any{
		"to_stage":      toStage,
		"approval_type": approvalType,
		"approver":      approver,
		"use_case_ref":  useCaseRef,
	}
	var resp Package
	endpoint := fmt.Sprintf("v1/packages/%s/promote", url.PathEscape(packageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp, "")
	return resp, err
}

// SubmitPacket enqueues a task packet and returns the queued job.
func (c *Client) SubmitPacket(ctx context.Context, kind, environment string, data map[string]any, idempotencyKey string) (Job, error) {
	body := map[string]any{
		"kind":        kind,
		"environment": environment,
		"data":        data,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.projectPath("packets"), body, &resp, idempotencyKey)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v1/jobs/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, "")
	return resp, err
}

// CancelJob requests cooperative cancellation of a queued or running job.
func (c *Client) CancelJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v1/jobs/%s/cancel", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp, "")
	return resp, err
}

// WaitJob polls until the job reaches a terminal state or ctx expires.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		switch job.Status {
		case "succeeded", "failed", "cancelled":
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-tick.C:
		}
	}
}

// IngestSignal records a risk signal against the project.
func (c *Client) IngestSignal(ctx context.Context, severity, category, signalContext string) (Signal, error) {
	body := map[string]any{
		"severity": severity,
		"category": category,
		"context":  signalContext,
	}
	var resp Signal
	err := c.do(ctx, http.MethodPost, c.projectPath("signals"), body, &resp, "")
	return resp, err
}

// Events returns recent events, optionally filtered by correlation id.
func (c *Client) Events(ctx context.Context, correlationID string, limit int) ([]Event, error) {
	endpoint := "v1/events"
	params := url.Values{}
	if correlationID != "" {
		params.Set("correlation_id", correlationID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, "")
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any, idempotencyKey string) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", c.CorrelationID)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
