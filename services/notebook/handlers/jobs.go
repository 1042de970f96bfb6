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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/sitka/services/notebook/bridge"
	storage "github.com/AleutianAI/sitka/services/notebook/storage/badger"
)

// jobRow is the persisted form of one orchestration job.
type jobRow struct {
	JobID       string `json:"jobId"`
	State       string `json:"state"`
	ScriptPath  string `json:"scriptPath"`
	DocumentID  string `json:"documentId"`
	BlockID     string `json:"blockId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Error       string `json:"error,omitempty"`
	ResultPath  string `json:"resultPath,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func jobKey(id string) []byte { return []byte("job/" + id) }

func resultKey(key string) []byte { return []byte("result/" + key) }

// JobService hosts the job-orchestration API the runner script and the
// execution bridge talk to. Job rows and result payloads live in Badger.
type JobService struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewJobService creates the service over db.
func NewJobService(db *storage.DB, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{db: db, logger: logger}
}

// =============================================================================
// Storage
// =============================================================================

func (s *JobService) putJob(ctx context.Context, row *jobRow) error {
	row.UpdatedAt = time.Now().UnixMilli()
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(jobKey(row.JobID), data)
	})
}

func (s *JobService) getJob(ctx context.Context, id string) (*jobRow, error) {
	var row jobRow
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return &row, nil
}

// transition moves a job into state if it is not already terminal.
func (s *JobService) transition(ctx context.Context, id, state string, mutate func(*jobRow)) (*jobRow, error) {
	row, err := s.getJob(ctx, id)
	if err != nil || row == nil {
		return row, err
	}
	if bridge.TerminalJobState(row.State) {
		return row, nil
	}
	row.State = state
	if mutate != nil {
		mutate(row)
	}
	if err := s.putJob(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// PutResult stores a result payload under its composite execution key.
func (s *JobService) PutResult(ctx context.Context, key string, payload []byte) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(resultKey(key), payload)
	})
}

// Get returns the payload for key, or nil when absent. Implements
// the result store the execution bridge reads from.
func (s *JobService) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", key, err)
	}
	return payload, nil
}

// =============================================================================
// Handlers
// =============================================================================

// CreateJob registers a pending job for an uploaded script.
func CreateJob(s *JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bridge.CreateJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job request"})
			return
		}
		if req.ScriptPath == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "scriptPath is required"})
			return
		}
		row := &jobRow{
			JobID:       uuid.NewString(),
			State:       bridge.JobPending,
			ScriptPath:  req.ScriptPath,
			DocumentID:  req.DocumentID,
			BlockID:     req.BlockID,
			WorkspaceID: req.WorkspaceID,
			UserID:      req.UserID,
			// Nanosecond precision keeps claim ordering stable for jobs
			// created back to back.
			CreatedAt: time.Now().UnixNano(),
		}
		if err := s.putJob(c.Request.Context(), row); err != nil {
			s.logger.Error("create job failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
			return
		}
		c.JSON(http.StatusCreated, bridge.CreateJobResponse{JobID: row.JobID})
	}
}

// JobStatuses returns the state of every job named in the ids query
// parameter (comma-separated). Unknown ids are omitted from the response.
func JobStatuses(s *JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids := strings.Split(c.Query("ids"), ",")
		statuses := make([]bridge.JobStatus, 0, len(ids))
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			row, err := s.getJob(c.Request.Context(), id)
			if err != nil {
				s.logger.Error("job status lookup failed", "job_id", id, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job status"})
				return
			}
			if row == nil {
				continue
			}
			statuses = append(statuses, bridge.JobStatus{
				JobID: row.JobID,
				State: row.State,
				Error: row.Error,
			})
		}
		c.JSON(http.StatusOK, bridge.StatusResponse{Jobs: statuses})
	}
}

// ClaimJob hands the oldest pending job to a polling compute host and
// marks it running.
func ClaimJob(s *JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var claimed *jobRow
		err := s.db.WithTxn(c.Request.Context(), func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("job/")})
			defer it.Close()
			var oldest *jobRow
			for it.Rewind(); it.Valid(); it.Next() {
				var row jobRow
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &row)
				})
				if err != nil {
					return err
				}
				if row.State != bridge.JobPending {
					continue
				}
				if oldest == nil || row.CreatedAt < oldest.CreatedAt {
					r := row
					oldest = &r
				}
			}
			if oldest == nil {
				return nil
			}
			oldest.State = bridge.JobRunning
			oldest.UpdatedAt = time.Now().UnixMilli()
			data, err := json.Marshal(oldest)
			if err != nil {
				return err
			}
			if err := txn.Set(jobKey(oldest.JobID), data); err != nil {
				return err
			}
			claimed = oldest
			return nil
		})
		if err != nil {
			s.logger.Error("claim job failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim job"})
			return
		}
		if claimed == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, claimed)
	}
}

// CancelJob requests cancellation. Cancelling an unknown or terminal job
// succeeds so the bridge's best-effort hook never fails spuriously.
func CancelJob(s *JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, err := s.transition(c.Request.Context(), id, bridge.JobCancelled, nil); err != nil {
			s.logger.Error("cancel job failed", "job_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	}
}

// PushSuccess marks a job completed with its result path.
func PushSuccess(s *JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var req bridge.PushSuccessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid success report"})
			return
		}
		row, err := s.transition(c.Request.Context(), id, bridge.JobCompleted, func(r *jobRow) {
			r.ResultPath = req.ResultPath
		})
		if err != nil {
			s.logger.Error("push success failed", "job_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record success"})
			return
		}
		if row == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	}
}

// PushFailure marks a job failed with the remote error text.
func PushFailure(s *JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var req bridge.PushFailureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid failure report"})
			return
		}
		row, err := s.transition(c.Request.Context(), id, bridge.JobFailed, func(r *jobRow) {
			r.Error = req.Error
		})
		if err != nil {
			s.logger.Error("push failure failed", "job_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record failure"})
			return
		}
		if row == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "failed"})
	}
}

// PushResult stores the raw result payload for an execution key and is
// called by the compute host before it reports success.
func PushResult(s *JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		row, err := s.getJob(c.Request.Context(), id)
		if err != nil {
			s.logger.Error("push result failed", "job_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
			return
		}
		if row == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
			return
		}
		payload, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
			return
		}
		key := bridge.ResultKey(row.DocumentID, row.JobID, row.BlockID)
		if err := s.PutResult(c.Request.Context(), key, payload); err != nil {
			s.logger.Error("store result failed", "job_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store result"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "stored", "resultKey": key})
	}
}
