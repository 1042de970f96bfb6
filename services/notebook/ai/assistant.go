// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ai streams model-generated source suggestions into blocks.
//
// Edit and fix flows live outside the execution queue's concurrency
// domain: they mutate only the block's editable source, through a debounced
// sink, and never touch status or results.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/sitka/services/notebook/document"
)

// ErrUnknownBlock is returned when a suggestion targets a block that is not
// in the document.
var ErrUnknownBlock = errors.New("block is not part of this document")

const systemPrompt = "You are a data notebook assistant. You rewrite the " +
	"source of a single notebook cell. Reply with the full replacement " +
	"source only, no prose and no code fences."

// TokenStream yields suggestion text fragments until io.EOF.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Completer starts streaming completions. Satisfied by the OpenAI-backed
// implementation and by fakes in tests.
type Completer interface {
	StreamCompletion(ctx context.Context, messages []openai.ChatCompletionMessage) (TokenStream, error)
}

// =============================================================================
// OpenAI-backed completer
// =============================================================================

// OpenAICompleter streams completions from the OpenAI chat API.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter wraps an OpenAI client with the model to use.
func NewOpenAICompleter(client *openai.Client, model string) *OpenAICompleter {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAICompleter{client: client, model: model}
}

func (c *OpenAICompleter) StreamCompletion(ctx context.Context, messages []openai.ChatCompletionMessage) (TokenStream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("start completion stream: %w", err)
	}
	return &openaiStream{stream: stream}, nil
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *openaiStream) Close() error { return s.stream.Close() }

// =============================================================================
// Assistant
// =============================================================================

// Assistant runs the edit and fix suggestion flows.
//
// Thread Safety: safe for concurrent use; concurrent flows on distinct
// blocks are independent.
type Assistant struct {
	completer    Completer
	limiter      *rate.Limiter
	sinkInterval time.Duration
	logger       *slog.Logger
}

// AssistantOption configures an Assistant.
type AssistantOption func(*Assistant)

// WithSinkInterval overrides the debounce interval of the suggestion sink.
func WithSinkInterval(d time.Duration) AssistantOption {
	return func(a *Assistant) { a.sinkInterval = d }
}

// WithRateLimit bounds how often suggestion flows may start.
func WithRateLimit(limiter *rate.Limiter) AssistantOption {
	return func(a *Assistant) { a.limiter = limiter }
}

// NewAssistant creates an assistant over completer.
func NewAssistant(completer Completer, logger *slog.Logger, opts ...AssistantOption) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assistant{
		completer:    completer,
		limiter:      rate.NewLimiter(rate.Every(time.Second), 4),
		sinkInterval: DefaultSinkInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EditBlock streams a rewrite of the block's source following the user's
// instructions.
func (a *Assistant) EditBlock(ctx context.Context, doc *document.Document, blockID, instructions string) error {
	blk, ok := doc.Block(blockID)
	if !ok {
		return ErrUnknownBlock
	}
	if _, err := doc.SetInstructions(blockID, instructions); err != nil {
		return err
	}
	prompt := fmt.Sprintf("Current cell source:\n%s\n\nInstructions:\n%s", blk.Source, instructions)
	return a.stream(ctx, doc, blockID, prompt)
}

// FixBlock streams a rewrite of the block's source that addresses its last
// error output.
func (a *Assistant) FixBlock(ctx context.Context, doc *document.Document, blockID string) error {
	blk, ok := doc.Block(blockID)
	if !ok {
		return ErrUnknownBlock
	}
	prompt := fmt.Sprintf("Current cell source:\n%s\n\nThe cell failed with:\n%s\n\nFix the source so it runs.",
		blk.Source, lastError(blk))
	return a.stream(ctx, doc, blockID, prompt)
}

// lastError returns the most recent error output of the block, if any.
func lastError(blk document.Block) string {
	for i := len(blk.Result) - 1; i >= 0; i-- {
		if blk.Result[i].Kind == "error" {
			return blk.Result[i].Data
		}
	}
	return "(no error output recorded)"
}

func (a *Assistant) stream(ctx context.Context, doc *document.Document, blockID, prompt string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	stream, err := a.completer.StreamCompletion(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			a.logger.Debug("close suggestion stream", "error", cerr)
		}
	}()

	sink := NewSink(a.sinkInterval, func(source string) {
		if _, serr := doc.SetSource(blockID, source); serr != nil {
			a.logger.Warn("apply suggestion failed",
				"block_id", blockID,
				"error", serr,
			)
		}
	})
	defer sink.Flush()

	var sb strings.Builder
	for {
		if ctx.Err() != nil {
			// Cancellation keeps whatever was applied so far.
			return nil
		}
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("suggestion stream: %w", err)
		}
		if fragment == "" {
			continue
		}
		sb.WriteString(fragment)
		sink.Write(sb.String())
	}
}
