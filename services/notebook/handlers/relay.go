// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/sitka/services/notebook/transport"
)

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are other notebook instances, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// RelayPeer upgrades the connection and serves relay frames to a peer
// instance for the life of the socket.
func RelayPeer(hub *transport.Hub, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := relayUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("relay peer upgrade failed", "error", err)
			return
		}
		hub.HandleConn(ws)
	}
}
