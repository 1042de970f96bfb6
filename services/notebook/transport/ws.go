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
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// frame is the wire envelope exchanged between instances.
type frame struct {
	Channel string `json:"channel"`
	Data    []byte `json:"data"`
}

// Hub is the server half of the websocket transport.
//
// One instance hosts the hub; every instance (including the host) attaches a
// Channel to it. A frame published anywhere is delivered to local
// subscribers and fanned out to every connected peer.
//
// Thread Safety: safe for concurrent use.
type Hub struct {
	local *MemoryBus

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

type hubConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *hubConn) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		local: NewMemoryBus(),
		conns: make(map[*hubConn]struct{}),
	}
}

// Publish delivers to local subscribers and all connected peers.
func (h *Hub) Publish(ctx context.Context, channel string, data []byte) error {
	channel = TruncateChannelName(channel)
	if err := h.local.Publish(ctx, channel, data); err != nil {
		return err
	}
	h.fanOut(frame{Channel: channel, Data: data}, nil)
	return nil
}

// Subscribe registers a local handler.
func (h *Hub) Subscribe(channel string, fn Handler) (func(), error) {
	return h.local.Subscribe(channel, fn)
}

// HandleConn serves one peer connection until it closes.
//
// Description:
//
//	Registers the connection, then reads frames until error. Each frame is
//	delivered to local subscribers and forwarded to the other peers, never
//	echoed back to its sender. Blocks for the life of the connection; call
//	from the HTTP handler goroutine after the upgrade.
func (h *Hub) HandleConn(ws *websocket.Conn) {
	conn := &hubConn{ws: ws}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("relay peer connection failed", "error", err)
			}
			return
		}
		f.Channel = TruncateChannelName(f.Channel)
		if err := h.local.Publish(context.Background(), f.Channel, f.Data); err != nil {
			slog.Warn("local relay delivery failed", "channel", f.Channel, "error", err)
		}
		h.fanOut(f, conn)
	}
}

// fanOut forwards a frame to every peer except the sender.
func (h *Hub) fanOut(f frame, from *hubConn) {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		if c != from {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.writeFrame(f); err != nil {
			slog.Warn("relay fan-out write failed", "channel", f.Channel, "error", err)
		}
	}
}

// Client is the peer half of the websocket transport: a Channel backed by a
// single connection to a Hub.
type Client struct {
	local *MemoryBus

	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

// Dial connects to a hub's relay endpoint (ws:// or wss:// URL).
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay hub %s: %w", url, err)
	}
	c := &Client{
		local: NewMemoryBus(),
		ws:    ws,
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Publish sends data to the hub, which delivers it to every other instance.
func (c *Client) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(frame{Channel: TruncateChannelName(channel), Data: data}); err != nil {
		return fmt.Errorf("publish to relay hub: %w", err)
	}
	return nil
}

// Subscribe registers a handler for frames arriving from the hub.
func (c *Client) Subscribe(channel string, fn Handler) (func(), error) {
	return c.local.Subscribe(channel, fn)
}

// Close tears down the connection and stops the read loop.
func (c *Client) Close() error {
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("relay hub connection lost", "error", err)
			}
			return
		}
		if err := c.local.Publish(context.Background(), f.Channel, f.Data); err != nil {
			slog.Warn("local relay delivery failed", "channel", f.Channel, "error", err)
		}
	}
}
