// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay propagates CRDT document updates between stateless
// application instances.
//
// The transport channel caps both channel-name length and message size, so
// the relay stores each update body in the payload store and sends only a
// small notification referencing it. Receivers look the body back up and
// hand the reconstructed message to the document layer. Delivery is
// at-least-once and unordered; CRDT merge makes duplication and reordering
// harmless.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/AleutianAI/sitka/services/notebook/payload"
	"github.com/AleutianAI/sitka/services/notebook/telemetry"
	"github.com/AleutianAI/sitka/services/notebook/transport"
)

// Message is the logical unit the relay transports.
type Message struct {
	// ID uniquely identifies the message.
	ID string

	// SenderID is the instance that produced the update.
	SenderID string

	// TargetID optionally addresses the message to one instance. Empty
	// means broadcast.
	TargetID string

	// Clock is a monotonically non-decreasing per-sender counter. The
	// receiving CRDT merge uses it to detect redundant updates; the relay
	// itself does not interpret it.
	Clock uint64

	// Data is the opaque CRDT update body.
	Data []byte
}

// notification is the wire envelope actually sent over the transport. The
// full logical channel travels in the body because the wire channel name
// may be truncated.
type notification struct {
	Channel   string `json:"channel"`
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	TargetID  string `json:"targetId,omitempty"`
	Clock     uint64 `json:"clock"`
	PayloadID string `json:"payloadId"`
}

// Relay converts logical document-update messages to payload-backed
// notifications and back.
//
// Thread Safety: safe for concurrent use.
type Relay struct {
	store      *payload.Store
	bus        transport.Channel
	instanceID string
}

// New creates a relay for this instance.
//
// Inputs:
//
//	store - Durable payload store for message bodies.
//	bus - The narrow pub/sub transport.
//	instanceID - Stable id of this instance; used to skip self-deliveries
//	  and honor targeted messages.
func New(store *payload.Store, bus transport.Channel, instanceID string) *Relay {
	return &Relay{store: store, bus: bus, instanceID: instanceID}
}

// InstanceID returns the id this relay publishes under.
func (r *Relay) InstanceID() string { return r.instanceID }

// Publish stores the message body and sends a notification on the logical
// channel.
//
// Description:
//
//	One durable payload row is created per publish. A store or transport
//	error propagates to the caller; the relay never fails silently, and it
//	does not retry — the publisher decides whether to.
func (r *Relay) Publish(ctx context.Context, channel string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SenderID == "" {
		msg.SenderID = r.instanceID
	}

	payloadID, err := r.store.Save(ctx, msg.Data)
	if err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	n := notification{
		Channel:   channel,
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		TargetID:  msg.TargetID,
		Clock:     msg.Clock,
		PayloadID: payloadID,
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("relay publish: encode notification: %w", err)
	}
	if err := r.bus.Publish(ctx, transport.TruncateChannelName(channel), data); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	telemetry.RelayPublished.Inc()
	return nil
}

// Subscribe registers onMessage for updates on the logical channel and
// returns an unsubscribe function.
//
// Description:
//
//	The wire channel is the truncated logical channel, so notifications
//	from aliased logical channels can arrive here. The handler re-checks
//	the notification's logical channel field and silently discards
//	mismatches — aliasing is expected, not an error. Missing payload
//	records are logged and dropped: the record may already have been
//	garbage collected, and CRDT convergence tolerates a lost update.
func (r *Relay) Subscribe(channel string, onMessage func(Message)) (func(), error) {
	wire := transport.TruncateChannelName(channel)
	return r.bus.Subscribe(wire, func(data []byte) {
		var n notification
		if err := json.Unmarshal(data, &n); err != nil {
			slog.Warn("relay: undecodable notification dropped", "channel", wire, "error", err)
			return
		}
		if n.Channel != channel {
			// Wire-channel aliasing from name truncation.
			telemetry.RelayChannelMismatch.Inc()
			return
		}
		if n.SenderID == r.instanceID {
			return // our own broadcast
		}
		if n.TargetID != "" && n.TargetID != r.instanceID {
			return
		}

		body, err := r.store.Load(context.Background(), n.PayloadID)
		if err != nil {
			if errors.Is(err, payload.ErrNotFound) {
				telemetry.RelayPayloadMissing.Inc()
				slog.Info("relay: payload already gone, message dropped",
					"channel", channel, "payload_id", n.PayloadID, "sender", n.SenderID)
				return
			}
			slog.Error("relay: payload load failed", "payload_id", n.PayloadID, "error", err)
			return
		}

		telemetry.RelayDelivered.Inc()
		onMessage(Message{
			ID:       n.ID,
			SenderID: n.SenderID,
			TargetID: n.TargetID,
			Clock:    n.Clock,
			Data:     body,
		})
	})
}
