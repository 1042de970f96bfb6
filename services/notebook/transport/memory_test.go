// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"strings"
	"testing"
)

func TestTruncateChannelName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short name unchanged", "doc-updates", "doc-updates"},
		{"exact limit unchanged", strings.Repeat("a", MaxChannelNameLen), strings.Repeat("a", MaxChannelNameLen)},
		{"long name truncated", strings.Repeat("b", 100), strings.Repeat("b", MaxChannelNameLen)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateChannelName(tt.in); got != tt.want {
				t.Errorf("TruncateChannelName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	var got [][]byte
	unsub, err := bus.Subscribe("ch", func(data []byte) {
		got = append(got, data)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "ch", []byte("one")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(context.Background(), "other", []byte("two")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "one" {
		t.Fatalf("expected one delivery of %q, got %v", "one", got)
	}

	unsub()
	if err := bus.Publish(context.Background(), "ch", []byte("three")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(got) != 1 {
		t.Error("delivery after unsubscribe")
	}
}

// Two logical channels that share a truncated prefix land on the same wire
// channel; the bus itself does not disambiguate.
func TestMemoryBus_TruncationAliasing(t *testing.T) {
	bus := NewMemoryBus()
	long1 := strings.Repeat("x", MaxChannelNameLen) + "-doc-1"
	long2 := strings.Repeat("x", MaxChannelNameLen) + "-doc-2"

	var deliveries int
	if _, err := bus.Subscribe(long1, func([]byte) { deliveries++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), long2, []byte("aliased")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if deliveries != 1 {
		t.Fatalf("aliased wire channels must collide at the transport layer, got %d deliveries", deliveries)
	}
}
