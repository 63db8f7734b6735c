// Package coordination implements the controller's HTTP client for
// the central coordination server: fetching active JobRequests and
// posting back Job snapshots.
package coordination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensafely-core/job-runner/internal/types"
)

// JobSnapshot is the trimmed Job view posted back to the coordination
// server.
type JobSnapshot struct {
	ID            string            `json:"id"`
	JobRequestID  string            `json:"job_request_id"`
	Action        string            `json:"action"`
	State         types.State       `json:"state"`
	StatusCode    types.StatusCode  `json:"status_code"`
	StatusMessage string            `json:"status_message,omitempty"`
	CreatedAt     int64             `json:"created_at"`
	UpdatedAt     int64             `json:"updated_at"`
	StartedAt     int64             `json:"started_at,omitempty"`
	CompletedAt   int64             `json:"completed_at,omitempty"`
	Outputs       map[string]string `json:"outputs,omitempty"`
}

// ToSnapshot projects a full Job onto the trimmed wire shape.
func ToSnapshot(j *types.Job) JobSnapshot {
	return JobSnapshot{
		ID:            j.ID,
		JobRequestID:  j.JobRequestID,
		Action:        j.Action,
		State:         j.State,
		StatusCode:    j.StatusCode,
		StatusMessage: j.StatusMessage,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		Outputs:       j.Outputs,
	}
}

// FlagsHeader supplies the `Flags:` request header value; implemented
// by internal/flags.Flags.HeaderJSON.
type FlagsHeader func(backend string) (string, error)

// Client talks to the coordination server named by endpoint, sending
// token verbatim (no "Bearer " prefix) as the Authorization header.
type Client struct {
	endpoint    string
	token       string
	backend     string
	flagsHeader FlagsHeader
	httpClient  *http.Client
}

func New(endpoint, token, backend string, flagsHeader FlagsHeader) *Client {
	return &Client{
		endpoint:    endpoint,
		token:       token,
		backend:     backend,
		flagsHeader: flagsHeader,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ActiveJobRequests fetches `GET {endpoint}/job-requests?backend=<B>&active=true`.
func (c *Client) ActiveJobRequests(ctx context.Context) ([]*types.JobRequest, error) {
	url := fmt.Sprintf("%s/job-requests?backend=%s&active=true", c.endpoint, c.backend)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if err := c.setHeaders(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET job-requests: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GET job-requests: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var requests []*types.JobRequest
	if err := json.NewDecoder(resp.Body).Decode(&requests); err != nil {
		return nil, fmt.Errorf("decode job-requests: %w", err)
	}
	return requests, nil
}

// PostJobs posts a trimmed snapshot of every given Job to
// `POST {endpoint}/jobs`.
func (c *Client) PostJobs(ctx context.Context, jobs []*types.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	snapshots := make([]JobSnapshot, len(jobs))
	for i, j := range jobs {
		snapshots[i] = ToSnapshot(j)
	}
	body, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/jobs", c.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.setHeaders(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST jobs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST jobs: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) error {
	req.Header.Set("Authorization", c.token)
	if c.flagsHeader != nil {
		flagsJSON, err := c.flagsHeader(c.backend)
		if err != nil {
			return err
		}
		req.Header.Set("Flags", flagsJSON)
	}
	return nil
}
