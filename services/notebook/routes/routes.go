// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/sitka/services/notebook/ai"
	"github.com/AleutianAI/sitka/services/notebook/events"
	"github.com/AleutianAI/sitka/services/notebook/handlers"
	"github.com/AleutianAI/sitka/services/notebook/registry"
	"github.com/AleutianAI/sitka/services/notebook/scheduler"
	"github.com/AleutianAI/sitka/services/notebook/transport"
)

// Deps carries the collaborators the HTTP surface delegates to. Assistant
// and Hub may be nil; their routes are skipped.
type Deps struct {
	Registry  *registry.Registry
	Arena     *scheduler.Arena
	Assistant *ai.Assistant
	Jobs      *handlers.JobService
	Hub       *transport.Hub
	Emitter   *events.Emitter
	Logger    *slog.Logger
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		documents := v1.Group("/documents")
		{
			documents.GET("/:id", handlers.GetDocument(deps.Registry, logger))
			documents.PUT("/:id/title", handlers.SetTitle(deps.Registry, deps.Emitter, logger))
			documents.POST("/:id/blocks/:blockId/run", handlers.RunBlock(deps.Registry, deps.Arena, logger))
			documents.POST("/:id/blocks/:blockId/abort", handlers.AbortBlock(deps.Registry, deps.Arena, logger))
			if deps.Assistant != nil {
				documents.POST("/:id/blocks/:blockId/edit", handlers.EditBlock(deps.Registry, deps.Assistant, logger))
				documents.POST("/:id/blocks/:blockId/fix", handlers.FixBlock(deps.Registry, deps.Assistant, logger))
			}
		}

		jobs := v1.Group("/jobs")
		{
			jobs.POST("", handlers.CreateJob(deps.Jobs))
			jobs.GET("/status", handlers.JobStatuses(deps.Jobs))
			jobs.POST("/claim", handlers.ClaimJob(deps.Jobs))
			jobs.POST("/:id/cancel", handlers.CancelJob(deps.Jobs))
			jobs.POST("/:id/success", handlers.PushSuccess(deps.Jobs))
			jobs.POST("/:id/failure", handlers.PushFailure(deps.Jobs))
			jobs.POST("/:id/result", handlers.PushResult(deps.Jobs))
		}

		if deps.Hub != nil {
			v1.GET("/relay/ws", handlers.RelayPeer(deps.Hub, logger))
		}
	}
}
