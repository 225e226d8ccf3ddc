// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package facade implements the execution façade (C10): the single
// entrypoint host adapters (and the invoke broker, C8) call to run a
// handler, orchestrating workspace leasing, degradation advisories, the
// configured backend, and result-envelope assembly (spec §4.10).
package facade

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kb-labs/plugin-runtime/internal/degradation"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// Backend is the strategy a Facade runs a handler through: in-process,
// one-off subprocess, or pooled worker (spec §4.10 step 3). Exactly one is
// injected at construction time per spec's own wording.
type Backend interface {
	Execute(ctx context.Context, req structs.ExecutionRequest, lease *structs.WorkspaceLease) (structs.ExecutionResult, error)
}

// WorkspaceManager resolves a WorkspaceRef into a scoped, releasable lease
// (spec §3 WorkspaceLease, §4.10 step 2).
type WorkspaceManager interface {
	Acquire(ctx context.Context, ref structs.WorkspaceRef) (*structs.WorkspaceLease, error)
}

// TargetResolver implements façade step 1: normalize target.namespace when
// a target is specified and verify the referenced environment/workspace
// are in an acceptable state (spec §4.10 step 1).
type TargetResolver interface {
	Resolve(ctx context.Context, req structs.ExecutionRequest) error
}

// TraceFlusher persists the spans accumulated for a root call's traceId
// once that call completes (spec §4.8 "all spans … persisted when the
// root call completes"). Kept as a narrow interface so this package never
// needs to import internal/invoke.
type TraceFlusher interface {
	PersistTrace(traceID string) error
}

// Config holds a Facade's constructor-time collaborators.
type Config struct {
	Backend     Backend
	BackendName string
	Workspaces  WorkspaceManager
	Resolver    TargetResolver // nil uses a permissive default

	Degradation *degradation.Controller // nil disables advisory throttling
	Traces      TraceFlusher             // nil disables trace persistence

	DefaultTimeout time.Duration
	Logger         hclog.Logger
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Resolver == nil {
		c.Resolver = defaultResolver{}
	}
	return c
}

// Facade is the execution entrypoint (C10). It implements structs.Executor
// so the invoke broker (C8) can hand resolved cross-plugin calls back
// through the same entrypoint a host adapter uses.
type Facade struct {
	cfg Config
}

// New constructs a Facade.
func New(cfg Config) *Facade {
	return &Facade{cfg: cfg.withDefaults()}
}

// Execute runs req end to end per spec §4.10's seven steps, never
// retrying: step 3-5 handler/backend failures are returned as-is, since
// retries are an upstream (C8/workflow) responsibility.
func (f *Facade) Execute(ctx context.Context, req structs.ExecutionRequest) (result structs.ExecutionResult, _ error) {
	start := time.Now()

	if err := f.cfg.Resolver.Resolve(ctx, req); err != nil {
		return failResult(structs.WrapError(err, structs.ErrTargetInvalid), start), nil
	}

	lease, err := f.cfg.Workspaces.Acquire(ctx, req.Workspace)
	if err != nil {
		return failResult(structs.WrapError(err, structs.ErrWorkspaceError), start), nil
	}
	defer func() {
		if releaseErr := lease.Release(); releaseErr != nil {
			f.cfg.Logger.Warn("facade: workspace release failed", "error", releaseErr, "workspaceId", lease.WorkspaceID)
		}
	}()

	if f.cfg.Degradation != nil {
		advisory := f.cfg.Degradation.Advise()
		if advisory.Reject {
			return failResult(structs.NewPluginError(structs.ErrQueueFull,
				"rejected under critical degradation", map[string]any{"state": string(advisory.State)}), start), nil
		}
		if err := f.cfg.Degradation.Wait(ctx); err != nil {
			return failResult(structs.NewPluginError(structs.ErrAbort, "aborted during degradation delay", nil), start), nil
		}
	}

	execCtx, cancel := f.withTimeout(ctx, req.TimeoutMs)
	defer cancel()

	backendResult, backendErr := f.cfg.Backend.Execute(execCtx, req, lease)
	elapsed := structs.Elapsed(start)

	if backendErr != nil {
		code := structs.ErrInternal
		if execCtx.Err() == context.DeadlineExceeded {
			code = structs.ErrTimeout
		} else if execCtx.Err() == context.Canceled {
			code = structs.ErrAbort
		}
		perr := structs.WrapError(backendErr, code)
		if code == structs.ErrTimeout {
			retry := int64(0)
			perr = perr.WithDetail("retryAfterMs", retry)
		}
		result = structs.ExecutionResult{
			OK:              false,
			Error:           perr,
			ExecutionTimeMs: elapsed,
			Metadata:        structs.ExecutionMetadata{Backend: f.cfg.BackendName, WorkspaceID: lease.WorkspaceID, Target: req.Target},
		}
	} else {
		result = backendResult
		result.ExecutionTimeMs = elapsed
		result.Metadata.WorkspaceID = lease.WorkspaceID
		if result.Metadata.Backend == "" {
			result.Metadata.Backend = f.cfg.BackendName
		}
		result.Metadata.Target = req.Target
	}

	if f.cfg.Traces != nil && req.Descriptor.Depth == 0 && req.Descriptor.TraceID != "" {
		if err := f.cfg.Traces.PersistTrace(req.Descriptor.TraceID); err != nil {
			f.cfg.Logger.Warn("facade: trace persistence failed", "error", err, "traceId", req.Descriptor.TraceID)
		}
	}

	return result, nil
}

func (f *Facade) withTimeout(ctx context.Context, timeoutMs *int64) (context.Context, context.CancelFunc) {
	timeout := f.cfg.DefaultTimeout
	if timeoutMs != nil && *timeoutMs > 0 {
		timeout = time.Duration(*timeoutMs) * time.Millisecond
	}
	return context.WithTimeout(ctx, timeout)
}

func failResult(e *structs.PluginError, start time.Time) structs.ExecutionResult {
	return structs.ExecutionResult{OK: false, Error: e, ExecutionTimeMs: structs.Elapsed(start)}
}

// defaultResolver is permissive except for the one check spec §4.10 step 1
// names explicitly: a namespace is required whenever a cross-plugin target
// is present.
type defaultResolver struct{}

func (defaultResolver) Resolve(_ context.Context, req structs.ExecutionRequest) error {
	if req.Target != nil && req.Workspace.Namespace == "" {
		return structs.NewPluginError(structs.ErrTargetInvalid,
			"workspace namespace is required when target is specified", map[string]any{"target": req.Target.Raw})
	}
	return nil
}
