// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sentinel starts the Sentinel triage control plane.
//
// Configuration is read from a YAML file (default: config.yaml), with
// environment variables covering secrets:
//
//   - OPENAI_API_KEY: OpenAI API key when the openai backend is selected
//   - OLLAMA_BASE_URL, OLLAMA_MODEL: Ollama settings for the ollama backend
//
// # Usage
//
//	# Build
//	go build -o sentinel ./cmd/sentinel
//
//	# Run with the default config.yaml
//	./sentinel serve
//
//	# Run with an explicit config
//	./sentinel serve --config /etc/sentinel/config.yaml
package main

import (
	"log"
	"log/slog"

	"github.com/AleutianAI/sentinel/pkg/logging"
)

func main() {
	slog.SetDefault(logging.Default().Slog())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
