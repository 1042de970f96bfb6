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
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/sitka/services/notebook/document"
)

// DocumentChannel derives the logical relay channel for a document key.
// The name is not length-limited here; the relay truncates it on the
// wire and carries the full name in the notification body.
func DocumentChannel(key document.Key) string {
	return fmt.Sprintf("doc:%s:%s:%d", key.DocumentID, key.Variant, key.Revision)
}

// Bind connects a document replica to the relay in both directions:
// local mutations publish to the document's channel, and incoming
// messages merge into the replica.
//
// Description:
//
//	Remote merges do not re-notify local subscribers, so a bound replica
//	never echoes a received update back out. Publish failures are logged
//	and dropped; the CRDT tolerates a lost update and the next local
//	mutation carries the full field state forward.
//
// Outputs:
//
//	func() - Unbinds both directions. Safe to call once.
//	error - Non-nil when the relay subscription cannot be established.
func Bind(r *Relay, doc *document.Document, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	channel := DocumentChannel(doc.Key())

	unsubscribe, err := r.Subscribe(channel, func(m Message) {
		if err := doc.ApplyUpdate(m.Data); err != nil {
			logger.Warn("undecodable document update dropped",
				"channel", channel, "sender", m.SenderID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bind document %s: %w", doc.Key().DocumentID, err)
	}

	unregister := doc.OnUpdate(func(update []byte) {
		msg := Message{Clock: doc.Clock(), Data: update}
		if err := r.Publish(context.Background(), channel, msg); err != nil {
			logger.Error("document update publish failed",
				"channel", channel, "error", err)
		}
	})

	return func() {
		unregister()
		unsubscribe()
	}, nil
}
