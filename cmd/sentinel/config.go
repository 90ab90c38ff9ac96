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
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/sentinel/services/admission"
	"github.com/AleutianAI/sentinel/services/approval"
	"github.com/AleutianAI/sentinel/services/batch"
	"github.com/AleutianAI/sentinel/services/orchestrator"
)

// FileConfig is the YAML configuration shape. Every field is optional;
// omitted values fall back to the service defaults.
type FileConfig struct {
	Server struct {
		Port      int    `yaml:"port"`
		Workers   int    `yaml:"workers"`
		AuthToken string `yaml:"auth_token"`
		GinMode   string `yaml:"gin_mode"`
	} `yaml:"server"`

	Oracle struct {
		Backend           string  `yaml:"backend"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"oracle"`

	Storage struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`

	Telemetry struct {
		OTelEndpoint   string `yaml:"otel_endpoint"`
		DisableTracing bool   `yaml:"disable_tracing"`
	} `yaml:"telemetry"`

	Admission struct {
		MaxQueueSize        int `yaml:"max_queue_size"`
		MaxSignalsPerMinute int `yaml:"max_signals_per_minute"`
	} `yaml:"admission"`

	Batch struct {
		MaxBatchSize        int     `yaml:"max_batch_size"`
		WaitSeconds         int     `yaml:"wait_seconds"`
		MaxConcurrent       int64   `yaml:"max_concurrent"`
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
	} `yaml:"batch"`

	Approval struct {
		ReviewTimeoutMinutes int    `yaml:"review_timeout_minutes"`
		TimeoutAction        string `yaml:"timeout_action"`
	} `yaml:"approval"`
}

// LoadConfig reads the YAML file at path. A missing file is not an error;
// the service runs on defaults.
func LoadConfig(path string) (FileConfig, error) {
	var fc FileConfig

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// ServiceConfig maps the file shape onto the orchestrator configuration.
func (fc FileConfig) ServiceConfig() orchestrator.Config {
	cfg := orchestrator.Config{
		Port:                    fc.Server.Port,
		Workers:                 fc.Server.Workers,
		AuthToken:               fc.Server.AuthToken,
		GinMode:                 fc.Server.GinMode,
		OracleBackend:           fc.Oracle.Backend,
		OracleRequestsPerSecond: fc.Oracle.RequestsPerSecond,
		DataDir:                 fc.Storage.DataDir,
		OTelEndpoint:            fc.Telemetry.OTelEndpoint,
		DisableTracing:          fc.Telemetry.DisableTracing,
		Admission: admission.Config{
			MaxQueueSize:        fc.Admission.MaxQueueSize,
			MaxSignalsPerMinute: fc.Admission.MaxSignalsPerMinute,
		},
		Batch: batch.Config{
			MaxBatchSize:         fc.Batch.MaxBatchSize,
			BatchWaitTime:        time.Duration(fc.Batch.WaitSeconds) * time.Second,
			MaxConcurrentBatches: fc.Batch.MaxConcurrent,
			SimilarityThreshold:  fc.Batch.SimilarityThreshold,
		},
	}

	if fc.Approval.ReviewTimeoutMinutes > 0 {
		cfg.Approval.ReviewTimeout = time.Duration(fc.Approval.ReviewTimeoutMinutes) * time.Minute
	}
	if fc.Approval.TimeoutAction != "" {
		cfg.Approval.DefaultTimeoutAction = approval.TimeoutAction(fc.Approval.TimeoutAction)
	}
	return cfg
}
