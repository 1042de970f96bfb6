// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"

	"github.com/AleutianAI/sitka/services/notebook/bridge"
	"github.com/AleutianAI/sitka/services/notebook/convert"
)

// BridgeRunner adapts the execution bridge to the Runner interface,
// carrying the workspace and user identifiers executions run under.
type BridgeRunner struct {
	Bridge      *bridge.Bridge
	WorkspaceID string
	UserID      string
}

func (r *BridgeRunner) Start(ctx context.Context, script convert.Script, documentID, blockID string) (Handle, error) {
	exec, err := r.Bridge.Start(ctx, script, bridge.ExecContext{
		DocumentID:  documentID,
		BlockID:     blockID,
		WorkspaceID: r.WorkspaceID,
		UserID:      r.UserID,
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}
