// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package subprocess implements the one-shot subprocess runner (C6): spawn a
// bootstrap process, hand it an execute request over the IPC transport, and
// guarantee it is reaped within a bounded grace period regardless of how the
// execution finished (spec §4.6, scenario S4).
package subprocess

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultKillGrace is how long the runner waits after SIGTERM before
// escalating to SIGKILL.
const DefaultKillGrace = 5 * time.Second

// DefaultOutputCap bounds how much of a child's stdout/stderr is retained
// for diagnostics.
const DefaultOutputCap = 64 * 1024

// Config parameterizes one Runner.
type Config struct {
	BootstrapPath string
	BaseArgs      []string
	BaseEnv       []string
	KillGrace     time.Duration
	OutputCap     int64
	Logger        hclog.Logger
}

func (c Config) withDefaults() Config {
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.OutputCap <= 0 {
		c.OutputCap = DefaultOutputCap
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}
