// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// sitka is the command-line client for the notebook service.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "sitka",
	Short: "Client for the Sitka notebook service",
	Long: `Inspect and drive a running notebook service instance.

Examples:
  sitka health                      # Check the instance is up
  sitka doc report-2026q3           # Show a document's blocks
  sitka run report-2026q3 blk-sales # Execute one block
  sitka abort report-2026q3 blk-sales
  sitka edit report-2026q3 blk-sales -m "use a left join"
  sitka fix report-2026q3 blk-sales`,
}

func init() {
	server := os.Getenv("NOTEBOOK_SERVER_URL")
	if server == "" {
		server = "http://localhost:12400"
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", server,
		"Base URL of the notebook service")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(docCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(fixCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
