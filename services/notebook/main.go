// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The notebook service: a stateless collaboration instance that relays
// CRDT document updates between peers, schedules block executions on the
// remote compute host, and serves the document HTTP API.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/sitka/pkg/logging"
	"github.com/AleutianAI/sitka/services/notebook/ai"
	"github.com/AleutianAI/sitka/services/notebook/bridge"
	"github.com/AleutianAI/sitka/services/notebook/config"
	"github.com/AleutianAI/sitka/services/notebook/document"
	"github.com/AleutianAI/sitka/services/notebook/events"
	"github.com/AleutianAI/sitka/services/notebook/handlers"
	"github.com/AleutianAI/sitka/services/notebook/payload"
	"github.com/AleutianAI/sitka/services/notebook/registry"
	"github.com/AleutianAI/sitka/services/notebook/relay"
	"github.com/AleutianAI/sitka/services/notebook/routes"
	"github.com/AleutianAI/sitka/services/notebook/scheduler"
	storage "github.com/AleutianAI/sitka/services/notebook/storage/badger"
	"github.com/AleutianAI/sitka/services/notebook/telemetry"
	"github.com/AleutianAI/sitka/services/notebook/transport"
)

const serviceName = "notebook-service"

func main() {
	configPath := os.Getenv("NOTEBOOK_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("FATAL: could not load configuration: %v", err)
	}

	logger, lvl, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		LogDir:  cfg.LogDir,
		Service: "notebook",
	})
	if err != nil {
		log.Fatalf("FATAL: could not initialize logging: %v", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.WatchLogLevel(ctx, configPath, lvl, logger.Logger); err != nil {
		logger.Warn("config watch disabled", "error", err)
	}

	// --- Tracing ---
	if cfg.Telemetry.OTLPEndpoint != "" {
		cleanup, err := telemetry.InitTracer(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Fatalf("FATAL: could not set up the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	// --- Durable state ---
	dbCfg := storage.DefaultConfig()
	dbCfg.Path = cfg.DataDir
	dbCfg.Logger = logger.Logger
	db, err := storage.Open(dbCfg)
	if err != nil {
		log.Fatalf("FATAL: could not open the data directory: %v", err)
	}
	defer db.Close()

	// --- Update relay ---
	// One instance hosts the websocket hub; the others dial it. Either
	// way the relay sees the same Channel interface.
	var bus transport.Channel
	var hub *transport.Hub
	var peer *transport.Client
	if cfg.Relay.PeerURL == "" {
		hub = transport.NewHub()
		bus = hub
		logger.Info("hosting the relay hub", "instance_id", cfg.InstanceID)
	} else {
		peer, err = transport.Dial(ctx, cfg.Relay.PeerURL)
		if err != nil {
			log.Fatalf("FATAL: could not reach the relay hub: %v", err)
		}
		defer peer.Close()
		logger.Info("joined the relay hub", "peer_url", cfg.Relay.PeerURL, "instance_id", cfg.InstanceID)
	}

	payloads := payload.NewStore(db)
	rel := relay.New(payloads, bus, cfg.InstanceID)

	sweeper := relay.NewSweeper(payloads, relay.SweeperConfig{
		Interval:  cfg.Relay.GCInterval,
		TTL:       cfg.Relay.PayloadTTL,
		BatchSize: cfg.Relay.GCBatchSize,
	})
	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("FATAL: could not start the payload sweeper: %v", err)
	}
	defer sweeper.Stop()

	// --- Execution pipeline ---
	jobs := handlers.NewJobService(db, logger.Logger)

	var objects bridge.ObjectStore
	if cfg.Execution.ScriptBucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			log.Fatalf("FATAL: could not create the GCS client: %v", err)
		}
		defer client.Close()
		objects = bridge.NewGCSStore(client, cfg.Execution.ScriptBucket)
	} else {
		objects = bridge.NewFSStore(cfg.Execution.ScriptDir)
	}

	jobsURL := cfg.Execution.JobAPIURL
	if jobsURL == "" {
		// Default to the jobs API this instance hosts itself.
		jobsURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	}
	br := bridge.New(objects, bridge.NewJobClient(jobsURL), jobs, bridge.Config{
		PollInterval: cfg.Execution.PollInterval,
	})

	emitter := events.NewEmitter()
	arena := scheduler.NewArena(&scheduler.BridgeRunner{
		Bridge:      br,
		WorkspaceID: cfg.Execution.WorkspaceID,
	}, emitter, logger.Logger)

	// --- Document registry ---
	reg := registry.New(registry.NewSnapshotStore(db), cfg.InstanceID, logger.Logger,
		registry.WithCapacity(cfg.Registry.Capacity),
		registry.WithEmitter(emitter),
		registry.WithBindHook(func(doc *document.Document) (func(), error) {
			return relay.Bind(rel, doc, logger.Logger)
		}),
		registry.WithEvictionGuard(func(documentID string) bool {
			s, ok := arena.Get(documentID)
			return !ok || s.IsIdle()
		}),
		registry.WithEvictionHook(arena.Teardown),
	)

	// --- AI suggestions ---
	var assistant *ai.Assistant
	if cfg.AI.APIKey != "" {
		completer := ai.NewOpenAICompleter(openai.NewClient(cfg.AI.APIKey), cfg.AI.Model)
		assistant = ai.NewAssistant(completer, logger.Logger)
	} else {
		logger.Info("OPENAI_API_KEY not set, edit and fix routes are disabled")
	}

	// --- HTTP surface ---
	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, routes.Deps{
		Registry:  reg,
		Arena:     arena,
		Assistant: assistant,
		Jobs:      jobs,
		Hub:       hub,
		Emitter:   emitter,
		Logger:    logger.Logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("notebook service listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	arena.Close()
	if err := reg.Close(shutdownCtx); err != nil {
		logger.Error("snapshot flush on shutdown failed", "error", err)
	}
}
