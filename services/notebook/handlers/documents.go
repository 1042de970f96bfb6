// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers of the notebook service. Handlers
// validate and delegate; document, scheduler, and relay logic stays in
// their own packages.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/sitka/services/notebook/ai"
	"github.com/AleutianAI/sitka/services/notebook/document"
	"github.com/AleutianAI/sitka/services/notebook/events"
	"github.com/AleutianAI/sitka/services/notebook/registry"
	"github.com/AleutianAI/sitka/services/notebook/scheduler"
)

// DocumentView is the materialized document returned to clients.
type DocumentView struct {
	DocumentID string                        `json:"documentId"`
	Title      string                        `json:"title"`
	Layout     []document.TabGroup           `json:"layout"`
	Blocks     []document.Block              `json:"blocks"`
	Dataframes map[string]document.Dataframe `json:"dataframes"`
	UpdatedAt  int64                         `json:"updatedAt"`
}

func docKey(c *gin.Context) document.Key {
	revision, _ := strconv.Atoi(c.Query("revision"))
	return document.Key{
		DocumentID: c.Param("id"),
		Variant:    c.Query("variant"),
		Revision:   revision,
	}
}

// GetDocument returns the materialized view of a document, hydrating it
// into the registry if needed.
func GetDocument(reg *registry.Registry, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := docKey(c)
		doc, err := reg.Acquire(c.Request.Context(), key)
		if err != nil {
			logger.Error("acquire document failed", "document_id", key.DocumentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
			return
		}
		c.JSON(http.StatusOK, DocumentView{
			DocumentID: key.DocumentID,
			Title:      doc.Title(),
			Layout:     doc.Layout(),
			Blocks:     doc.OrderedBlocks(),
			Dataframes: doc.Dataframes(),
			UpdatedAt:  doc.UpdatedAt(),
		})
	}
}

type titleRequest struct {
	Title string `json:"title" binding:"required"`
}

// SetTitle renames a document. The rename replicates like any other CRDT
// mutation and is announced on the event bus.
func SetTitle(reg *registry.Registry, emitter *events.Emitter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := docKey(c)

		var req titleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
			return
		}

		doc, err := reg.Acquire(c.Request.Context(), key)
		if err != nil {
			logger.Error("acquire document failed", "document_id", key.DocumentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
			return
		}
		if _, err := doc.SetTitle(req.Title); err != nil {
			logger.Error("set title failed", "document_id", key.DocumentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update title"})
			return
		}
		if emitter != nil {
			emitter.Emit(events.TypeTitleUpdated, events.TitleData{
				DocumentID: key.DocumentID,
				Title:      req.Title,
			})
		}
		c.JSON(http.StatusOK, gin.H{"title": req.Title})
	}
}

type runRequest struct {
	Suggestion bool `json:"suggestion"`
}

// RunBlock executes the block sequence up to and including the named
// block. The request resolves when the execution settles; cancellation is
// a success.
func RunBlock(reg *registry.Registry, arena *scheduler.Arena, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := docKey(c)
		blockID := c.Param("blockId")

		var req runRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run request"})
				return
			}
		}

		doc, err := reg.Acquire(c.Request.Context(), key)
		if err != nil {
			logger.Error("acquire document failed", "document_id", key.DocumentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
			return
		}

		err = arena.For(doc).Run(c.Request.Context(), blockID, req.Suggestion)
		switch {
		case errors.Is(err, scheduler.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": "block is not part of this document"})
		case errors.Is(err, scheduler.ErrBlockBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "block already has a tracked execution"})
		case err != nil:
			logger.Error("run block failed", "document_id", key.DocumentID, "block_id", blockID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to run block"})
		default:
			blk, _ := doc.Block(blockID)
			c.JSON(http.StatusOK, gin.H{"status": string(blk.Status)})
		}
	}
}

// AbortBlock cancels the tracked execution for the block, or idempotently
// resets its status to idle.
func AbortBlock(reg *registry.Registry, arena *scheduler.Arena, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := docKey(c)
		blockID := c.Param("blockId")

		doc, err := reg.Acquire(c.Request.Context(), key)
		if err != nil {
			logger.Error("acquire document failed", "document_id", key.DocumentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
			return
		}
		if err := arena.For(doc).Abort(c.Request.Context(), blockID); err != nil {
			logger.Error("abort block failed", "document_id", key.DocumentID, "block_id", blockID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to abort block"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "aborted"})
	}
}

type editRequest struct {
	Instructions string `json:"instructions" binding:"required"`
}

// EditBlock streams an AI rewrite of the block's source following the
// caller's instructions.
func EditBlock(reg *registry.Registry, assistant *ai.Assistant, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := docKey(c)
		blockID := c.Param("blockId")

		var req editRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "instructions are required"})
			return
		}

		doc, err := reg.Acquire(c.Request.Context(), key)
		if err != nil {
			logger.Error("acquire document failed", "document_id", key.DocumentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
			return
		}
		err = assistant.EditBlock(c.Request.Context(), doc, blockID, req.Instructions)
		respondSuggestion(c, doc, blockID, err, logger)
	}
}

// FixBlock streams an AI rewrite of the block's source that addresses its
// last error output.
func FixBlock(reg *registry.Registry, assistant *ai.Assistant, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := docKey(c)
		blockID := c.Param("blockId")

		doc, err := reg.Acquire(c.Request.Context(), key)
		if err != nil {
			logger.Error("acquire document failed", "document_id", key.DocumentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
			return
		}
		err = assistant.FixBlock(c.Request.Context(), doc, blockID)
		respondSuggestion(c, doc, blockID, err, logger)
	}
}

func respondSuggestion(c *gin.Context, doc *document.Document, blockID string, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, ai.ErrUnknownBlock):
		c.JSON(http.StatusConflict, gin.H{"error": "block is not part of this document"})
	case err != nil:
		logger.Error("suggestion flow failed", "block_id", blockID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "suggestion failed"})
	default:
		blk, _ := doc.Block(blockID)
		c.JSON(http.StatusOK, gin.H{"source": blk.Source})
	}
}
