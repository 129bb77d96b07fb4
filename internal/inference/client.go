// Package inference is a thin HTTP client for the external inference
// service's status and result endpoints.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxelpipe/internal/config"
)

// StatusResponse is the raw status report for an external job. The status
// vocabulary is the service's own; mapping to canonical states happens in the
// reconciler.
type StatusResponse struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ResultState is the explicit outcome of a result fetch. "Not ready" is a
// normal pre-terminal answer, not an error.
type ResultState int

const (
	ResultReady ResultState = iota
	ResultNotReady
	ResultFailed
)

// ResultOutcome pairs the state with a failure reason when present.
type ResultOutcome struct {
	State  ResultState
	Reason string
}

// Client talks to the inference service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client, or nil when no base URL is configured (the
// reconciler then falls back to the job directory's status marker).
func NewClient(cfg *config.Config) *Client {
	if cfg.Inference.BaseURL == "" {
		return nil
	}
	timeout := time.Duration(cfg.Inference.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.Inference.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = url.PathEscape(part)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

// GetStatus queries the external status of a job.
func (c *Client) GetStatus(ctx context.Context, externalJobID string) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("jobs", externalJobID, "status"), nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query status for %s: %w", externalJobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &StatusResponse{Status: "pending"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status query for %s returned %d: %s", externalJobID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status for %s: %w", externalJobID, err)
	}
	return &status, nil
}

// GetResults downloads the result payload to destPath. A 404 or an
// empty/pending body reports NotReady rather than an error so callers can
// poll.
func (c *Client) GetResults(ctx context.Context, externalJobID, destPath string) (*ResultOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("jobs", externalJobID, "results"), nil)
	if err != nil {
		return nil, fmt.Errorf("build results request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch results for %s: %w", externalJobID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &ResultOutcome{State: ResultNotReady}, nil
	case resp.StatusCode == http.StatusAccepted:
		return &ResultOutcome{State: ResultNotReady}, nil
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ResultOutcome{State: ResultFailed, Reason: strings.TrimSpace(string(body))}, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("results fetch for %s returned %d: %s", externalJobID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", destPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".result-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("download results for %s: %w", externalJobID, err)
	}
	if written == 0 {
		_ = os.Remove(tmpName)
		return &ResultOutcome{State: ResultNotReady}, nil
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("store results for %s: %w", externalJobID, err)
	}
	return &ResultOutcome{State: ResultReady}, nil
}
