// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sitka/services/notebook/document"
	"github.com/AleutianAI/sitka/services/notebook/transport"
)

func TestDocumentChannel(t *testing.T) {
	assert.Equal(t, "doc:d1::0", DocumentChannel(document.Key{DocumentID: "d1"}))
	assert.Equal(t, "doc:d1:dashboard:3", DocumentChannel(document.Key{
		DocumentID: "d1", Variant: "dashboard", Revision: 3,
	}))
}

func TestBind_ReplicasConverge(t *testing.T) {
	bus := transport.NewMemoryBus()
	store := testPayloadStore(t)
	key := document.Key{DocumentID: "d1"}

	docA := document.New(key, "actor-a")
	docB := document.New(key, "actor-b")

	unbindA, err := Bind(New(store, bus, "instance-a"), docA, nil)
	require.NoError(t, err)
	defer unbindA()
	unbindB, err := Bind(New(store, bus, "instance-b"), docB, nil)
	require.NoError(t, err)
	defer unbindB()

	_, err = docA.AddBlock(document.Block{ID: "a", Variant: document.VariantCode, Source: "x = 1"}, "g1")
	require.NoError(t, err)
	_, err = docB.SetTitle("Shared Report")
	require.NoError(t, err)

	// Both replicas see both mutations.
	blk, ok := docB.Block("a")
	require.True(t, ok)
	assert.Equal(t, "x = 1", blk.Source)
	assert.Equal(t, "Shared Report", docA.Title())
}

func TestBind_NoEchoLoop(t *testing.T) {
	bus := transport.NewMemoryBus()
	store := testPayloadStore(t)
	key := document.Key{DocumentID: "d1"}

	docA := document.New(key, "actor-a")
	docB := document.New(key, "actor-b")

	unbindA, err := Bind(New(store, bus, "instance-a"), docA, nil)
	require.NoError(t, err)
	defer unbindA()
	unbindB, err := Bind(New(store, bus, "instance-b"), docB, nil)
	require.NoError(t, err)
	defer unbindB()

	// A third instance counts every message that crosses the channel.
	published := 0
	unsub, err := New(store, bus, "instance-observer").Subscribe(DocumentChannel(key), func(Message) {
		published++
	})
	require.NoError(t, err)
	defer unsub()

	_, err = docA.SetTitle("Once")
	require.NoError(t, err)

	// Remote merges do not re-publish: one mutation, one message, no echo
	// from the receiving replica.
	assert.Equal(t, "Once", docB.Title())
	assert.Equal(t, 1, published)
}

func TestBind_UnbindStopsPropagation(t *testing.T) {
	bus := transport.NewMemoryBus()
	store := testPayloadStore(t)
	key := document.Key{DocumentID: "d1"}

	docA := document.New(key, "actor-a")
	docB := document.New(key, "actor-b")

	unbindA, err := Bind(New(store, bus, "instance-a"), docA, nil)
	require.NoError(t, err)
	defer unbindA()
	unbindB, err := Bind(New(store, bus, "instance-b"), docB, nil)
	require.NoError(t, err)

	unbindB()

	_, err = docA.SetTitle("After Unbind")
	require.NoError(t, err)
	assert.Empty(t, docB.Title())
}

func TestBind_VariantsAreIsolated(t *testing.T) {
	bus := transport.NewMemoryBus()
	store := testPayloadStore(t)

	notebook := document.New(document.Key{DocumentID: "d1"}, "actor-a")
	dashboard := document.New(document.Key{DocumentID: "d1", Variant: "dashboard"}, "actor-b")

	unbind1, err := Bind(New(store, bus, "instance-a"), notebook, nil)
	require.NoError(t, err)
	defer unbind1()
	unbind2, err := Bind(New(store, bus, "instance-b"), dashboard, nil)
	require.NoError(t, err)
	defer unbind2()

	_, err = notebook.SetTitle("Notebook Only")
	require.NoError(t, err)
	assert.Empty(t, dashboard.Title())
}
