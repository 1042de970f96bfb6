// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the service's Prometheus collectors and the OTLP
// trace bootstrap.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Relay metrics.
var (
	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_published_total",
		Help: "Update messages published through the relay.",
	})
	RelayDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivered_total",
		Help: "Update messages delivered to a subscriber handler.",
	})
	RelayChannelMismatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_channel_mismatch_total",
		Help: "Notifications discarded because the logical channel did not match (truncation aliasing).",
	})
	RelayPayloadMissing = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_payload_missing_total",
		Help: "Notifications dropped because the payload record was already gone.",
	})
	PayloadGCDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_payload_gc_deleted_total",
		Help: "Payload records deleted by the TTL sweeper.",
	})
)

// Execution metrics.
var (
	ExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executions_started_total",
		Help: "Block executions admitted to a document's run queue.",
	})
	ExecutionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executions_failed_total",
		Help: "Block executions that ended in a block-level error result.",
	})
	ExecutionsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executions_cancelled_total",
		Help: "Block executions aborted before or during their run.",
	})
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "execution_duration_seconds",
		Help:    "Wall time of block executions, admission to completion.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})
)

// Registry metrics.
var (
	DocumentsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_documents_evicted_total",
		Help: "Document replicas evicted from the in-memory registry.",
	})
	DocumentsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_documents_open",
		Help: "Document replicas currently held in memory.",
	})
)

// InitTracer wires the OTLP gRPC trace exporter and returns a shutdown
// function. Call once at startup.
func InitTracer(ctx context.Context, serviceName, endpoint string) (func(context.Context), error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect OTLP collector: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}, nil
}
