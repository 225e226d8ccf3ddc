// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package workerpool implements the long-lived worker pool (C7): a bounded
// set of subprocess workers that each execute one request at a time over a
// persistent IPC connection, with acquire-timeout queueing, recycling,
// health checks, and crash replacement (spec §4.7).
package workerpool

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kb-labs/plugin-runtime/internal/ipc"
)

// AdapterRegistrar wires adapter handlers onto the pool's shared IPC server.
type AdapterRegistrar func(*ipc.Server)

// Config holds the pool's tunables; zero values are replaced by spec
// defaults in withDefaults.
type Config struct {
	BootstrapPath string
	BaseArgs      []string
	BaseEnv       []string

	Min                   int
	Max                   int
	MaxRequestsPerWorker  int64
	MaxUptimePerWorker    time.Duration
	MaxQueueSize          int
	AcquireTimeout        time.Duration
	MaxConcurrentPerPlugin int // 0 = unlimited
	HealthCheckInterval   time.Duration
	HealthCheckTimeout    time.Duration
	ShutdownGrace         time.Duration

	RegisterAdapters AdapterRegistrar
	Logger           hclog.Logger
}

func (c Config) withDefaults() Config {
	if c.Min <= 0 {
		c.Min = 2
	}
	if c.Max <= 0 {
		c.Max = 10
	}
	if c.MaxRequestsPerWorker <= 0 {
		c.MaxRequestsPerWorker = 1000
	}
	if c.MaxUptimePerWorker <= 0 {
		c.MaxUptimePerWorker = 30 * time.Minute
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 3 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}
