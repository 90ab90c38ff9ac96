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
	"fmt"
	"log"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sentinel/pkg/logging"
	"github.com/AleutianAI/sentinel/services/orchestrator"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "sentinel",
		Short: "Sentinel signal triage control plane",
		Long: `Sentinel admits signals from Gmail, Slack, and Sheets, batches
related ones into shared reasoning calls, and publishes every decision
through an auditable approval flow.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the triage control plane and HTTP API",
		Run:   runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the sentinel version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml",
		"path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	fc, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(fc.Logging.Level),
		LogDir:  fc.Logging.Dir,
		Service: "orchestrator",
		JSON:    fc.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := fc.ServiceConfig()
	slog.Info("configuration loaded",
		"config_path", configPath,
		"oracle_backend", cfg.OracleBackend,
		"data_dir", cfg.DataDir,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("Error initializing service: %v", err)
	}
	if err := svc.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
