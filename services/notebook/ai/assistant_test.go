// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ai

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/sitka/services/notebook/document"
)

type fakeStream struct {
	fragments []string
	pos       int
	err       error
	closed    atomic.Bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.pos >= len(s.fragments) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeCompleter struct {
	mu       sync.Mutex
	stream   *fakeStream
	startErr error
	messages []openai.ChatCompletionMessage
}

func (c *fakeCompleter) StreamCompletion(_ context.Context, messages []openai.ChatCompletionMessage) (TokenStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = messages
	if c.startErr != nil {
		return nil, c.startErr
	}
	return c.stream, nil
}

func newEditableDoc(t *testing.T) *document.Document {
	t.Helper()
	doc := document.New(document.Key{DocumentID: "d1"}, "actor")
	_, err := doc.AddBlock(document.Block{ID: "a", Variant: document.VariantCode, Source: "x = 1"}, "g1")
	require.NoError(t, err)
	return doc
}

func newTestAssistant(completer Completer) *Assistant {
	return NewAssistant(completer, nil,
		WithSinkInterval(time.Millisecond),
		WithRateLimit(rate.NewLimiter(rate.Inf, 1)),
	)
}

func TestEditBlock_StreamsFullSource(t *testing.T) {
	doc := newEditableDoc(t)
	stream := &fakeStream{fragments: []string{"x = ", "1\n", "y = x ", "* 2\n"}}
	completer := &fakeCompleter{stream: stream}
	a := newTestAssistant(completer)

	err := a.EditBlock(context.Background(), doc, "a", "double it")
	require.NoError(t, err)

	blk, _ := doc.Block("a")
	assert.Equal(t, "x = 1\ny = x * 2\n", blk.Source)
	assert.Equal(t, "double it", blk.Instructions)
	assert.True(t, stream.closed.Load())

	// Prompt carries the original source and the instructions.
	require.Len(t, completer.messages, 2)
	assert.Contains(t, completer.messages[1].Content, "x = 1")
	assert.Contains(t, completer.messages[1].Content, "double it")
}

func TestEditBlock_UnknownBlock(t *testing.T) {
	a := newTestAssistant(&fakeCompleter{stream: &fakeStream{}})
	err := a.EditBlock(context.Background(), newEditableDoc(t), "nope", "anything")
	require.ErrorIs(t, err, ErrUnknownBlock)
}

func TestFixBlock_FeedsLastErrorIntoPrompt(t *testing.T) {
	doc := newEditableDoc(t)
	_, err := doc.AppendResult("a", document.Output{Kind: "stdout", Data: "partial"})
	require.NoError(t, err)
	_, err = doc.AppendResult("a", document.Output{Kind: "error", Data: "NameError: y is not defined"})
	require.NoError(t, err)

	completer := &fakeCompleter{stream: &fakeStream{fragments: []string{"y = 0\nx = 1"}}}
	a := newTestAssistant(completer)

	require.NoError(t, a.FixBlock(context.Background(), doc, "a"))

	require.Len(t, completer.messages, 2)
	assert.Contains(t, completer.messages[1].Content, "NameError: y is not defined")

	blk, _ := doc.Block("a")
	assert.Equal(t, "y = 0\nx = 1", blk.Source)
}

func TestStream_ErrorMidStreamKeepsAppliedPrefix(t *testing.T) {
	doc := newEditableDoc(t)
	stream := &fakeStream{fragments: []string{"x = 2\n"}, err: errors.New("connection reset")}
	a := newTestAssistant(&fakeCompleter{stream: stream})

	err := a.EditBlock(context.Background(), doc, "a", "bump")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	// The flushed prefix survives the failure.
	blk, _ := doc.Block("a")
	assert.Equal(t, "x = 2\n", blk.Source)
}

func TestSink_CoalescesBursts(t *testing.T) {
	var mu sync.Mutex
	var applied []string
	sink := NewSink(50*time.Millisecond, func(s string) {
		mu.Lock()
		applied = append(applied, s)
		mu.Unlock()
	})

	// A burst well inside one interval: leading application plus one
	// trailing coalesced application at most.
	for i := 0; i < 20; i++ {
		sink.Write(string(rune('a' + i)))
	}
	sink.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(applied), 1)
	assert.LessOrEqual(t, len(applied), 3)
	assert.Equal(t, "t", applied[len(applied)-1])
}

func TestSink_FlushWithoutWritesIsNoop(t *testing.T) {
	var count int
	sink := NewSink(time.Millisecond, func(string) { count++ })
	sink.Flush()
	assert.Zero(t, count)
}
