// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sitka/services/notebook/bridge"
	storage "github.com/AleutianAI/sitka/services/notebook/storage/badger"
)

func newJobsRouter(t *testing.T) (*gin.Engine, *JobService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := NewJobService(db, nil)
	router := gin.New()
	jobs := router.Group("/v1/jobs")
	jobs.POST("", CreateJob(svc))
	jobs.GET("/status", JobStatuses(svc))
	jobs.POST("/claim", ClaimJob(svc))
	jobs.POST("/:id/cancel", CancelJob(svc))
	jobs.POST("/:id/success", PushSuccess(svc))
	jobs.POST("/:id/failure", PushFailure(svc))
	jobs.POST("/:id/result", PushResult(svc))
	return router, svc
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createJob(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/jobs", bridge.CreateJobRequest{
		ScriptPath: "scripts/d/b/e.json",
		DocumentID: "d",
		BlockID:    "b",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp bridge.CreateJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	return resp.JobID
}

func jobState(t *testing.T, router *gin.Engine, id string) bridge.JobStatus {
	t.Helper()
	w := doJSON(t, router, http.MethodGet, "/v1/jobs/status?ids="+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp bridge.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	return resp.Jobs[0]
}

func TestJobs_LifecycleSuccess(t *testing.T) {
	router, svc := newJobsRouter(t)

	id := createJob(t, router)
	assert.Equal(t, bridge.JobPending, jobState(t, router, id).State)

	// A compute host claims the job.
	w := doJSON(t, router, http.MethodPost, "/v1/jobs/claim", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var claimed jobRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claimed))
	assert.Equal(t, id, claimed.JobID)
	assert.Equal(t, bridge.JobRunning, jobState(t, router, id).State)

	// It pushes the result payload, then reports success.
	payload := []byte(`[{"kind":"stdout","data":"1\n"}]`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+id+"/result", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/jobs/"+id+"/success", bridge.PushSuccessRequest{ResultPath: "results/d/" + id + "/b"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bridge.JobCompleted, jobState(t, router, id).State)

	// The stored payload is readable through the result store.
	stored, err := svc.Get(context.Background(), bridge.ResultKey("d", id, "b"))
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestJobs_Failure(t *testing.T) {
	router, _ := newJobsRouter(t)
	id := createJob(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/jobs/"+id+"/failure", bridge.PushFailureRequest{Error: "exit 1"})
	require.Equal(t, http.StatusOK, w.Code)

	status := jobState(t, router, id)
	assert.Equal(t, bridge.JobFailed, status.State)
	assert.Equal(t, "exit 1", status.Error)
}

func TestJobs_CancelIsSticky(t *testing.T) {
	router, _ := newJobsRouter(t)
	id := createJob(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bridge.JobCancelled, jobState(t, router, id).State)

	// Terminal states never regress: a late success report is ignored.
	w = doJSON(t, router, http.MethodPost, "/v1/jobs/"+id+"/success", bridge.PushSuccessRequest{ResultPath: "p"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bridge.JobCancelled, jobState(t, router, id).State)

	// Cancelling an unknown job is best effort and succeeds.
	w = doJSON(t, router, http.MethodPost, "/v1/jobs/nope/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJobs_ClaimOldestFirst(t *testing.T) {
	router, _ := newJobsRouter(t)
	first := createJob(t, router)
	_ = createJob(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/jobs/claim", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var claimed jobRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claimed))
	assert.Equal(t, first, claimed.JobID)
}

func TestJobs_ClaimEmptyQueue(t *testing.T) {
	router, _ := newJobsRouter(t)
	w := doJSON(t, router, http.MethodPost, "/v1/jobs/claim", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestJobs_ValidationErrors(t *testing.T) {
	router, _ := newJobsRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/jobs", map[string]string{"documentId": "d"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/jobs/nope/success", bridge.PushSuccessRequest{ResultPath: "p"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Unknown ids are omitted from status responses.
	w = doJSON(t, router, http.MethodGet, "/v1/jobs/status?ids=ghost", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp bridge.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Jobs)
}
