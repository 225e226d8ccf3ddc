// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package facade

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/kb-labs/plugin-runtime/internal/ctxfactory"
	"github.com/kb-labs/plugin-runtime/internal/handlerrunner"
	"github.com/kb-labs/plugin-runtime/internal/permission"
	"github.com/kb-labs/plugin-runtime/internal/platform"
	"github.com/kb-labs/plugin-runtime/internal/runtimeshim"
	"github.com/kb-labs/plugin-runtime/internal/structs"
	"github.com/kb-labs/plugin-runtime/internal/subprocess"
	"github.com/kb-labs/plugin-runtime/internal/workerpool"
)

// InProcessBackend runs a handler in the caller's own process: it builds a
// PluginContext via the context factory (C3) and invokes the resolved
// handler through the in-process runner (C5). It is the Backend used when
// no subprocess isolation is required (spec §4.10, §9 "in-process" shape).
type InProcessBackend struct {
	Registry     *handlerrunner.Registry
	Runner       *handlerrunner.Runner
	Platform     platform.Services
	UI           platform.UI
	HTTPClient   runtimeshim.HTTPDoer
	Logger       hclog.Logger
	PatternCache permission.SharedCache
	WorkflowsAPI platform.WorkflowsAPI
	JobsAPI      platform.JobsAPI
	CronAPI      platform.CronAPI
	SnapshotAPI  platform.SnapshotAPI
	ExecutionAPI platform.ExecutionAPI
	Config       map[string]any

	mu      sync.RWMutex
	invoker structs.Invoker
}

// SetInvoker wires the cross-plugin invoke broker (C8) in after both it and
// the backend have been constructed, breaking the facade<->invoke
// construction cycle (the broker needs a structs.Executor that is this
// backend's own facade).
func (b *InProcessBackend) SetInvoker(inv structs.Invoker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invoker = inv
}

func (b *InProcessBackend) currentInvoker() structs.Invoker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.invoker
}

// Execute builds a fresh PluginContext for req and runs it through the C5
// runner.
func (b *InProcessBackend) Execute(ctx context.Context, req structs.ExecutionRequest, lease *structs.WorkspaceLease) (structs.ExecutionResult, error) {
	assembled := ctxfactory.New(ctxfactory.Inputs{
		Descriptor:    req.Descriptor,
		Platform:      b.Platform,
		UI:            b.UI,
		Signal:        ctx,
		Cwd:           lease.Cwd,
		HTTPClient:    b.HTTPClient,
		Logger:        b.Logger,
		PatternCache:  b.PatternCache,
		PluginInvoker: b.currentInvoker(),
		WorkflowsAPI:  b.WorkflowsAPI,
		JobsAPI:       b.JobsAPI,
		CronAPI:       b.CronAPI,
		SnapshotAPI:   b.SnapshotAPI,
		ExecutionAPI:  b.ExecutionAPI,
		Config:        b.Config,
	})
	return b.Runner.Invoke(assembled.Context, req.HandlerRef, req.Input), nil
}

// SubprocessBackend runs a handler in a fresh, one-shot subprocess via the
// C6 runner.
type SubprocessBackend struct {
	Runner           *subprocess.Runner
	RegisterAdapters subprocess.AdapterRegistrar
}

// Execute delegates to the subprocess runner, using the lease's cwd as the
// child's working directory.
func (b *SubprocessBackend) Execute(ctx context.Context, req structs.ExecutionRequest, lease *structs.WorkspaceLease) (structs.ExecutionResult, error) {
	return b.Runner.Run(ctx, req, lease.Cwd, b.RegisterAdapters)
}

// WorkerPoolBackend runs a handler against the long-lived C7 worker pool.
type WorkerPoolBackend struct {
	Pool *workerpool.Pool
}

// Execute submits req to the pool's acceptance protocol.
func (b *WorkerPoolBackend) Execute(ctx context.Context, req structs.ExecutionRequest, _ *structs.WorkspaceLease) (structs.ExecutionResult, error) {
	return b.Pool.Submit(ctx, req)
}
