// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

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

// Job lifecycle states reported by the orchestration API.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// TerminalJobState reports whether a job state is final.
func TerminalJobState(state string) bool {
	switch state {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CreateJobRequest asks the orchestration API to run an uploaded script.
type CreateJobRequest struct {
	ScriptPath  string `json:"scriptPath"`
	DocumentID  string `json:"documentId"`
	BlockID     string `json:"blockId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

// CreateJobResponse returns the generated job id.
type CreateJobResponse struct {
	JobID string `json:"jobId"`
}

// JobStatus is one entry of a batch status poll.
type JobStatus struct {
	JobID string `json:"jobId"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// StatusResponse is the batch poll response.
type StatusResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

// PushSuccessRequest marks a job completed with its result path.
type PushSuccessRequest struct {
	ResultPath string `json:"resultPath"`
}

// PushFailureRequest marks a job failed with the remote error text.
type PushFailureRequest struct {
	Error string `json:"error"`
}

// JobClient talks to the job-orchestration HTTP API.
//
// Every failure is wrapped and surfaced to the caller; the client never
// retries on its own.
type JobClient struct {
	baseURL string
	http    *http.Client
}

// NewJobClient creates a client for the API at baseURL (e.g.
// "http://localhost:12300").
func NewJobClient(baseURL string) *JobClient {
	return &JobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Create registers a new job for an uploaded script and returns its id.
func (c *JobClient) Create(ctx context.Context, req CreateJobRequest) (string, error) {
	var resp CreateJobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &resp); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return resp.JobID, nil
}

// Status polls the state of the given jobs in one call.
func (c *JobClient) Status(ctx context.Context, jobIDs []string) ([]JobStatus, error) {
	path := "/v1/jobs/status?ids=" + url.QueryEscape(strings.Join(jobIDs, ","))
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("poll job status: %w", err)
	}
	return resp.Jobs, nil
}

// Cancel asks the orchestrator to stop a job. Best effort: cancelling an
// already-terminal job is not an error.
func (c *JobClient) Cancel(ctx context.Context, jobID string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

// PushSuccess marks a job completed and records where its result landed.
// Called by the runner on behalf of the compute host.
func (c *JobClient) PushSuccess(ctx context.Context, jobID, resultPath string) error {
	req := PushSuccessRequest{ResultPath: resultPath}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/success", req, nil); err != nil {
		return fmt.Errorf("push job success %s: %w", jobID, err)
	}
	return nil
}

// PushFailure marks a job failed with the remote error text.
func (c *JobClient) PushFailure(ctx context.Context, jobID, errText string) error {
	req := PushFailureRequest{Error: errText}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/failure", req, nil); err != nil {
		return fmt.Errorf("push job failure %s: %w", jobID, err)
	}
	return nil
}

func (c *JobClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
