// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport provides the narrow publish/subscribe channel the
// update relay rides on.
//
// The channel is deliberately weak: best-effort, at-least-once delivery
// with no ordering across channels, and a hard cap on channel-name length.
// Fully-qualified per-document channel names routinely exceed the cap, so
// names are truncated before use and distinct logical channels can alias to
// the same wire channel. Disambiguation is the relay's job.
package transport

import "context"

// MaxChannelNameLen is the hard upper bound on wire channel names. The
// limit matches the Postgres NOTIFY identifier length the original
// deployment was constrained by.
const MaxChannelNameLen = 63

// TruncateChannelName shortens name to fit the wire limit.
func TruncateChannelName(name string) string {
	if len(name) <= MaxChannelNameLen {
		return name
	}
	return name[:MaxChannelNameLen]
}

// Handler receives the raw bytes of one delivered message.
type Handler func(data []byte)

// Channel is the pub/sub primitive.
//
// Implementations deliver each published message to every current
// subscriber of the same wire channel, at least once, in no guaranteed
// order. Callers must pass already-truncated names or accept that
// implementations truncate on their behalf.
type Channel interface {
	// Publish sends data on the named channel.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe registers a handler and returns an unsubscribe function.
	Subscribe(channel string, h Handler) (func(), error)
}
