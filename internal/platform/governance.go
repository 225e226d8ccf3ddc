// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package platform

import (
	"context"

	"github.com/kb-labs/plugin-runtime/internal/permission"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// Gate pre-checks an operation against a platform.* permission gate before
// invoking fn, implementing the "governance proxy" described in spec §4.3:
// "each adapter call is pre-checked against permissions.platform.*; the
// adapter is invoked only if the check passes."
func Gate[T any](gate structs.PlatformGate, operation string, fn func() (T, error)) (T, error) {
	var zero T
	if !permission.CheckPlatform(gate, operation) {
		return zero, structs.NewPluginError(structs.ErrPermissionDenied,
			"platform API denied: "+operation, map[string]any{"operation": operation})
	}
	return fn()
}

// GateErr is the no-return-value form of Gate.
func GateErr(gate structs.PlatformGate, operation string, fn func() error) error {
	if !permission.CheckPlatform(gate, operation) {
		return structs.NewPluginError(structs.ErrPermissionDenied,
			"platform API denied: "+operation, map[string]any{"operation": operation})
	}
	return fn()
}

// WorkflowsAPI is the plugin-facing workflows surface (platform.workflows
// gate).
type WorkflowsAPI interface {
	Start(ctx context.Context, workflowID string, input any) (string, error)
	Status(ctx context.Context, runID string) (string, error)
}

// JobsAPI is the plugin-facing jobs surface (platform.jobs gate).
type JobsAPI interface {
	Enqueue(ctx context.Context, jobID string, payload any) (string, error)
}

// CronAPI is the plugin-facing cron surface; cron scheduling itself is out
// of scope (spec §1), so this only exposes read access to the trigger that
// invoked the current handler, when host is "cron".
type CronAPI interface {
	CurrentSchedule(ctx context.Context) (string, bool)
}

// SnapshotAPI is the plugin-facing debug-snapshot surface (platform.snapshot
// gate); see internal/snapshotstore for the rotation mechanics.
type SnapshotAPI interface {
	Save(ctx context.Context, id string, data any) error
}

// ExecutionAPI exposes read-only introspection of the current execution
// (platform.execution gate) — e.g. remaining time budget, used by
// long-running handlers that want to self-throttle.
type ExecutionAPI interface {
	RemainingBudgetMs(ctx context.Context) int64
}

// GatedWorkflows wraps inner so every call is checked against gate first.
func GatedWorkflows(inner WorkflowsAPI, gate structs.PlatformGate) WorkflowsAPI {
	return gatedWorkflows{inner: inner, gate: gate}
}

type gatedWorkflows struct {
	inner WorkflowsAPI
	gate  structs.PlatformGate
}

func (g gatedWorkflows) Start(ctx context.Context, workflowID string, input any) (string, error) {
	return Gate(g.gate, "workflows:start", func() (string, error) { return g.inner.Start(ctx, workflowID, input) })
}

func (g gatedWorkflows) Status(ctx context.Context, runID string) (string, error) {
	return Gate(g.gate, "workflows:status", func() (string, error) { return g.inner.Status(ctx, runID) })
}

// GatedJobs wraps inner so every call is checked against gate first.
func GatedJobs(inner JobsAPI, gate structs.PlatformGate) JobsAPI {
	return gatedJobs{inner: inner, gate: gate}
}

type gatedJobs struct {
	inner JobsAPI
	gate  structs.PlatformGate
}

func (g gatedJobs) Enqueue(ctx context.Context, jobID string, payload any) (string, error) {
	return Gate(g.gate, "jobs:enqueue", func() (string, error) { return g.inner.Enqueue(ctx, jobID, payload) })
}

// GatedSnapshot wraps inner so every call is checked against gate first.
func GatedSnapshot(inner SnapshotAPI, gate structs.PlatformGate) SnapshotAPI {
	return gatedSnapshot{inner: inner, gate: gate}
}

type gatedSnapshot struct {
	inner SnapshotAPI
	gate  structs.PlatformGate
}

func (g gatedSnapshot) Save(ctx context.Context, id string, data any) error {
	return GateErr(g.gate, "snapshot:save", func() error { return g.inner.Save(ctx, id, data) })
}

// NoOpWorkflows, NoOpJobs, NoOpCron, NoOpSnapshot, NoOpExecution are safe
// defaults usable in tests.
type NoOpWorkflows struct{}

func (NoOpWorkflows) Start(context.Context, string, any) (string, error) { return "", nil }
func (NoOpWorkflows) Status(context.Context, string) (string, error)    { return "", nil }

type NoOpJobs struct{}

func (NoOpJobs) Enqueue(context.Context, string, any) (string, error) { return "", nil }

type NoOpCron struct{}

func (NoOpCron) CurrentSchedule(context.Context) (string, bool) { return "", false }

type NoOpSnapshot struct{}

func (NoOpSnapshot) Save(context.Context, string, any) error { return nil }

type NoOpExecution struct{ Budget int64 }

func (n NoOpExecution) RemainingBudgetMs(context.Context) int64 { return n.Budget }
