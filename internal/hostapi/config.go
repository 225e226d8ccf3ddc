// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package hostapi reads the process-level environment variables the core
// observes once at startup into a typed, immutable Config, passed down
// explicitly to the components that need it — no global mutable config.
package hostapi

import (
	"encoding/json"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kb-labs/plugin-runtime/internal/runtimeshim"
)

// Config is the process-level configuration assembled once at entrypoint
// construction.
type Config struct {
	LogLevel           hclog.Level
	Debug              bool
	SandboxMode        runtimeshim.SandboxMode
	SandboxTrace       bool
	WorkflowServiceURL string
	RawPlatformConfig  map[string]any

	// Pool/degradation tuning knobs. FromEnv does not set them; when left
	// zero, each component's own withDefaults fills them in.
	WorkerPoolMin                int
	WorkerPoolMax                int
	WorkerPoolMaxQueueSize       int
	WorkerPoolAcquireTimeout     time.Duration
	DegradationSampleInterval   time.Duration
	DegradationDebounceInterval time.Duration
}

// FromEnv reads the six core env vars (spec §6). It reads no pool or
// degradation knobs from the environment; those fields stay zero.
func FromEnv() (Config, error) {
	cfg := Config{
		Debug:              os.Getenv("DEBUG") != "",
		SandboxMode:        runtimeshim.ModeFromEnv(),
		SandboxTrace:       runtimeshim.TraceEnabled(),
		WorkflowServiceURL: os.Getenv("KB_WORKFLOW_SERVICE_URL"),
	}

	cfg.LogLevel = parseLogLevel(os.Getenv("KB_LOG_LEVEL"), cfg.Debug)

	if raw := os.Getenv("KB_RAW_CONFIG_JSON"); raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return Config{}, err
		}
		cfg.RawPlatformConfig = m
	}

	return cfg, nil
}

func parseLogLevel(raw string, debug bool) hclog.Level {
	if raw != "" {
		return hclog.LevelFromString(raw)
	}
	if debug {
		return hclog.Debug
	}
	return hclog.Info
}

// Logger constructs the one root logger the process should share, per the
// AMBIENT STACK convention in SPEC_FULL.md: named per subsystem and
// field-bound per invocation by the context factory (C3), never
// constructed a second time.
func (c Config) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: c.LogLevel,
	})
}
