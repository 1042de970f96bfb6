// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge hands a converted script to the remote compute host and
// brings its outputs back.
//
// One execution is: serialize + upload the script, create a job through the
// orchestration API, poll until the job is terminal, then fetch and decode
// the result payload from the result store. HTTP failures are wrapped into
// RemoteError and surfaced to the scheduler, which records them as a
// block-level error result rather than retrying.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/sitka/services/notebook/convert"
	"github.com/AleutianAI/sitka/services/notebook/document"
)

// ExecContext carries the identifiers an execution runs under.
type ExecContext struct {
	DocumentID  string
	BlockID     string
	WorkspaceID string
	UserID      string
}

// ResultStore fetches result payloads by composite execution key.
type ResultStore interface {
	// Get returns the payload for key, or nil when absent.
	Get(ctx context.Context, key string) ([]byte, error)
}

// RemoteError wraps a failure reported by, or while talking to, the remote
// execution machinery.
type RemoteError struct {
	Stage string // "upload", "create", "poll", "remote", "fetch", "decode"
	Err   error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote execution failed (%s): %v", e.Stage, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// resultRecord is one decoded entry of the remote result payload.
type resultRecord struct {
	Kind string `json:"kind"`
	Data string `json:"data"`
	MIME string `json:"mime,omitempty"`
}

// Config holds bridge tuning knobs.
type Config struct {
	// PollInterval is the fixed delay between job status polls.
	PollInterval time.Duration
}

// Bridge assembles executions.
//
// Thread Safety: safe for concurrent use; each Start returns an
// independent Execution.
type Bridge struct {
	objects ObjectStore
	jobs    *JobClient
	results ResultStore
	config  Config
}

// New creates a bridge.
func New(objects ObjectStore, jobs *JobClient, results ResultStore, config Config) *Bridge {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Bridge{objects: objects, jobs: jobs, results: results, config: config}
}

// Execution is one in-flight remote run.
type Execution struct {
	bridge  *Bridge
	execID  string
	jobID   string
	execCtx ExecContext
}

// JobID returns the orchestration job id backing this execution.
func (e *Execution) JobID() string { return e.jobID }

// Start uploads the cut script and creates its job.
//
// Description:
//
//	The script is serialized to the external representation and uploaded
//	at a path derived from the document and block ids, together with the
//	self-contained runner script the compute host executes. On success the
//	returned Execution exposes Wait and Cancel.
//
// Outputs:
//
//	*Execution - Handle for polling and cancellation.
//	error - A *RemoteError when upload or job creation fails.
func (b *Bridge) Start(ctx context.Context, script convert.Script, execCtx ExecContext) (*Execution, error) {
	execID := uuid.NewString()
	scriptPath := ScriptPath(execCtx, execID)

	payload, err := json.Marshal(script)
	if err != nil {
		return nil, &RemoteError{Stage: "upload", Err: err}
	}
	if err := b.objects.Upload(ctx, scriptPath, payload); err != nil {
		return nil, &RemoteError{Stage: "upload", Err: err}
	}
	runner := BuildRunnerScript(b.jobs.baseURL, scriptPath, execCtx, b.config.PollInterval)
	if err := b.objects.Upload(ctx, scriptPath+".runner.py", []byte(runner)); err != nil {
		return nil, &RemoteError{Stage: "upload", Err: err}
	}

	jobID, err := b.jobs.Create(ctx, CreateJobRequest{
		ScriptPath:  scriptPath,
		DocumentID:  execCtx.DocumentID,
		BlockID:     execCtx.BlockID,
		WorkspaceID: execCtx.WorkspaceID,
		UserID:      execCtx.UserID,
	})
	if err != nil {
		return nil, &RemoteError{Stage: "create", Err: err}
	}

	return &Execution{bridge: b, execID: execID, jobID: jobID, execCtx: execCtx}, nil
}

// Wait polls until the job is terminal and returns the decoded outputs.
//
// Context cancellation aborts the poll loop and returns ctx.Err() so the
// scheduler can distinguish cancellation from remote failure.
func (e *Execution) Wait(ctx context.Context) ([]document.Output, error) {
	ticker := time.NewTicker(e.bridge.config.PollInterval)
	defer ticker.Stop()

	for {
		statuses, err := e.bridge.jobs.Status(ctx, []string{e.jobID})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &RemoteError{Stage: "poll", Err: err}
		}
		var status *JobStatus
		for i := range statuses {
			if statuses[i].JobID == e.jobID {
				status = &statuses[i]
				break
			}
		}
		if status == nil {
			return nil, &RemoteError{Stage: "poll", Err: fmt.Errorf("job %s missing from status response", e.jobID)}
		}

		switch status.State {
		case JobCompleted:
			return e.fetchResult(ctx)
		case JobFailed:
			return nil, &RemoteError{Stage: "remote", Err: errors.New(status.Error)}
		case JobCancelled:
			return nil, context.Canceled
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel best-effort stops the remote job. Used as the scheduler's cancel
// hook; it owns its own timeout.
func (e *Execution) Cancel(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.bridge.jobs.Cancel(ctx, e.jobID)
}

func (e *Execution) fetchResult(ctx context.Context) ([]document.Output, error) {
	key := ResultKey(e.execCtx.DocumentID, e.jobID, e.execCtx.BlockID)
	payload, err := e.bridge.results.Get(ctx, key)
	if err != nil {
		return nil, &RemoteError{Stage: "fetch", Err: err}
	}
	if payload == nil {
		return nil, &RemoteError{Stage: "fetch", Err: fmt.Errorf("no result payload at %s", key)}
	}
	var records []resultRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, &RemoteError{Stage: "decode", Err: err}
	}
	outputs := make([]document.Output, 0, len(records))
	for _, r := range records {
		outputs = append(outputs, document.Output{
			ID:   uuid.NewString(),
			Kind: r.Kind,
			Data: r.Data,
			MIME: r.MIME,
		})
	}
	return outputs, nil
}

// ScriptPath derives the upload path for an execution's script.
func ScriptPath(execCtx ExecContext, execID string) string {
	return fmt.Sprintf("scripts/%s/%s/%s.json", execCtx.DocumentID, execCtx.BlockID, execID)
}

// ResultKey derives the result-store key for an execution.
func ResultKey(documentID, jobID, blockID string) string {
	return fmt.Sprintf("results/%s/%s/%s", documentID, jobID, blockID)
}

// BuildRunnerScript renders the self-contained script the compute host
// runs: it fetches the uploaded script, executes it, stores the result
// payload, and reports success back to the orchestration API.
func BuildRunnerScript(apiBase, scriptPath string, execCtx ExecContext, pollInterval time.Duration) string {
	return fmt.Sprintf(`import json, time, urllib.request

API_BASE = %q
SCRIPT_PATH = %q
DOCUMENT_ID = %q
BLOCK_ID = %q
POLL_SECONDS = %g


def post(path, body):
    req = urllib.request.Request(
        API_BASE + path,
        data=json.dumps(body).encode(),
        headers={"Content-Type": "application/json"},
        method="POST",
    )
    with urllib.request.urlopen(req) as resp:
        return json.load(resp)


def get(path):
    with urllib.request.urlopen(API_BASE + path) as resp:
        return json.load(resp)


def main():
    job = post("/v1/jobs", {
        "scriptPath": SCRIPT_PATH,
        "documentId": DOCUMENT_ID,
        "blockId": BLOCK_ID,
        "workspaceId": %q,
        "userId": %q,
    })
    job_id = job["jobId"]
    while True:
        status = get("/v1/jobs/status?ids=" + job_id)["jobs"][0]
        if status["state"] in ("completed", "failed", "cancelled"):
            break
        time.sleep(POLL_SECONDS)
    if status["state"] == "completed":
        print(get("/v1/jobs/" + job_id + "/result"))


if __name__ == "__main__":
    main()
`, apiBase, scriptPath, execCtx.DocumentID, execCtx.BlockID,
		pollInterval.Seconds(), execCtx.WorkspaceID, execCtx.UserID)
}
