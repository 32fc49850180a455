// Package worker implements a claw-side client for the spine API and a
// poll/claim/heartbeat worker loop around it.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/garnizeh/spine/internal/job"
)

// APIError represents a non-2xx response from the spine API, carrying
// the machine-readable discriminator from the error body.
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Code)
}

// Conflict reports whether the error is a retriable 409 (lock
// contention or a lost claim race).
func (e *APIError) Conflict() bool {
	return e.StatusCode == http.StatusConflict
}

// Client is a small HTTP client for the spine API used by claws.
type Client struct {
	rc *resty.Client
}

// NewClient builds a client for the given base URL authenticating with
// the bearer token.
func NewClient(baseURL, token string) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(30 * time.Second)
	return &Client{rc: rc}
}

// do performs a request, decoding a success body into out and turning
// non-2xx responses into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.rc.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body(), &apiErr)
		return &APIError{StatusCode: resp.StatusCode(), Code: apiErr.Error}
	}
	return nil
}

// ListJobs returns jobs visible to the caller, optionally filtered by
// status and target.
func (c *Client) ListJobs(ctx context.Context, status job.Status, target job.Target) ([]job.Job, error) {
	req := c.rc.R().SetContext(ctx)
	if status != "" {
		req.SetQueryParam("status", string(status))
	}
	if target != "" {
		req.SetQueryParam("target", string(target))
	}
	var out struct {
		Jobs []job.Job `json:"jobs"`
	}
	resp, err := req.SetResult(&out).Get("/jobs")
	if err != nil {
		return nil, fmt.Errorf("GET /jobs: %w", err)
	}
	if resp.IsError() {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body(), &apiErr)
		return nil, &APIError{StatusCode: resp.StatusCode(), Code: apiErr.Error}
	}
	return out.Jobs, nil
}

// Get fetches a single job record.
func (c *Client) Get(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Claim attempts to take ownership of the job.
func (c *Client) Claim(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+id+"/claim", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Heartbeat extends the lease, optionally reporting progress.
func (c *Client) Heartbeat(ctx context.Context, id string, progress any) (*job.Job, error) {
	var j job.Job
	body := map[string]any{}
	if progress != nil {
		body["progress"] = progress
	}
	if err := c.do(ctx, http.MethodPost, "/jobs/"+id+"/heartbeat", body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Complete marks the job done with the given result.
func (c *Client) Complete(ctx context.Context, id string, result any) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+id+"/complete", map[string]any{"result": result}, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Fail reports a failed run. requeue=false asks the server to finalize
// the job instead of returning it to the queue.
func (c *Client) Fail(ctx context.Context, id, errMsg string, requeue bool) (*job.Job, error) {
	var j job.Job
	body := map[string]any{"error": errMsg, "requeue": requeue}
	if err := c.do(ctx, http.MethodPost, "/jobs/"+id+"/fail", body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Release returns the job to the queue without consuming an attempt.
func (c *Client) Release(ctx context.Context, id, reason string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+id+"/release", map[string]any{"reason": reason}, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Comment appends a comment to the job's trail.
func (c *Client) Comment(ctx context.Context, id, text string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+id+"/comment", map[string]any{"text": text}, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
