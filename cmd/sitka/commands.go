// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sitka/services/notebook/document"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	docJSONOutput    bool   // Print the raw document JSON
	runAsSuggestion  bool   // Execute against the suggested source
	editInstructions string // Instructions for the edit command
)

// =============================================================================
// HTTP CLIENT
// =============================================================================

var httpClient = &http.Client{Timeout: 10 * time.Minute}

// call performs one request against the service and decodes the JSON
// response into out (when out is non-nil). Non-2xx responses become
// errors carrying the service's error field.
func call(method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, serverURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected response (HTTP %d)", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// documentView mirrors the service's materialized document response.
type documentView struct {
	DocumentID string                        `json:"documentId"`
	Title      string                        `json:"title"`
	Blocks     []document.Block              `json:"blocks"`
	Dataframes map[string]document.Dataframe `json:"dataframes"`
	UpdatedAt  int64                         `json:"updatedAt"`
}

// =============================================================================
// COMMANDS
// =============================================================================

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the notebook service is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status struct {
			Status string `json:"status"`
		}
		if err := call(http.MethodGet, "/health", nil, &status); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", serverURL, status.Status)
		return nil
	},
}

var docCmd = &cobra.Command{
	Use:   "doc <document-id>",
	Short: "Show a document's blocks and dataframes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view documentView
		if err := call(http.MethodGet, "/v1/documents/"+args[0], nil, &view); err != nil {
			return err
		}
		if docJSONOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		}

		fmt.Printf("%s  (%s)\n", view.Title, view.DocumentID)
		for _, blk := range view.Blocks {
			fmt.Printf("  [%s] %-10s %s\n", blk.Status, blk.Variant, blk.ID)
			for _, out := range blk.Result {
				if out.Kind == "error" {
					fmt.Printf("      ! %s\n", out.Data)
				}
			}
		}
		if len(view.Dataframes) > 0 {
			fmt.Println("dataframes:")
			for name, df := range view.Dataframes {
				fmt.Printf("  %s  (from block %s, %d rows)\n", name, df.BlockID, df.RowCount)
			}
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <document-id> <block-id>",
	Short: "Execute a block and wait for it to settle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Status string `json:"status"`
		}
		path := fmt.Sprintf("/v1/documents/%s/blocks/%s/run", args[0], args[1])
		body := map[string]bool{"suggestion": runAsSuggestion}
		if err := call(http.MethodPost, path, body, &result); err != nil {
			return err
		}
		fmt.Printf("block %s settled: %s\n", args[1], result.Status)
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <document-id> <block-id>",
	Short: "Cancel a block's tracked execution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/v1/documents/%s/blocks/%s/abort", args[0], args[1])
		if err := call(http.MethodPost, path, nil, nil); err != nil {
			return err
		}
		fmt.Printf("block %s aborted\n", args[1])
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <document-id> <block-id>",
	Short: "Ask the AI assistant to rewrite a block's source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if editInstructions == "" {
			return fmt.Errorf("instructions are required (use -m)")
		}
		var result struct {
			Source string `json:"source"`
		}
		path := fmt.Sprintf("/v1/documents/%s/blocks/%s/edit", args[0], args[1])
		body := map[string]string{"instructions": editInstructions}
		if err := call(http.MethodPost, path, body, &result); err != nil {
			return err
		}
		fmt.Println(result.Source)
		return nil
	},
}

var fixCmd = &cobra.Command{
	Use:   "fix <document-id> <block-id>",
	Short: "Ask the AI assistant to fix a block's last error",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Source string `json:"source"`
		}
		path := fmt.Sprintf("/v1/documents/%s/blocks/%s/fix", args[0], args[1])
		if err := call(http.MethodPost, path, nil, &result); err != nil {
			return err
		}
		fmt.Println(result.Source)
		return nil
	},
}

func init() {
	docCmd.Flags().BoolVar(&docJSONOutput, "json", false,
		"Output the full document as JSON")
	runCmd.Flags().BoolVar(&runAsSuggestion, "suggestion", false,
		"Run the AI-suggested source instead of the saved source")
	editCmd.Flags().StringVarP(&editInstructions, "message", "m", "",
		"Instructions for the rewrite")
}
