// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// InvokeTarget is the parsed form of a cross-plugin invocation target
// string, e.g. "@kb-labs/search@1.2.3:GET /v1/query" (spec §4.8).
type InvokeTarget struct {
	PluginID string
	Version  string // semver, or "latest"
	Method   string
	Path     string
	Raw      string
}

// ExecutionRequest is submitted by a host adapter (or the invoke broker) to
// the execution façade (C10).
type ExecutionRequest struct {
	ExecutionID string
	Descriptor  PluginContextDescriptor
	PluginRoot  string
	HandlerRef  HandlerRef
	Input       any
	Workspace   WorkspaceRef
	TimeoutMs   *int64
	Target      *InvokeTarget
	ExportName  string
}

// WorkspaceRef identifies which workspace an execution should run against;
// resolution into a live WorkspaceLease is a façade responsibility.
type WorkspaceRef struct {
	WorkspaceID string
	Namespace   string
}

// WorkspaceLease is a scoped claim on a workspace, released exactly once on
// every exit path.
type WorkspaceLease struct {
	WorkspaceID string
	Cwd         string
	PluginRoot  string
	release     func() error
	released    bool
}

// NewWorkspaceLease constructs a lease with its release function.
func NewWorkspaceLease(workspaceID, cwd, pluginRoot string, release func() error) *WorkspaceLease {
	return &WorkspaceLease{WorkspaceID: workspaceID, Cwd: cwd, PluginRoot: pluginRoot, release: release}
}

// Release invokes the underlying release function exactly once; subsequent
// calls are no-ops returning nil, matching the guaranteed-release-scope
// invariant (spec §3).
func (l *WorkspaceLease) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if l.release == nil {
		return nil
	}
	return l.release()
}

// ExecutionMetadata is the backend-reported metadata attached to a result.
type ExecutionMetadata struct {
	Backend       string        `json:"backend"`
	WorkspaceID   string        `json:"workspaceId"`
	ExecutionMeta any           `json:"executionMeta,omitempty"`
	Target        *InvokeTarget `json:"target,omitempty"`
}

// ExecutionResult is the outcome of running a handler (spec §3).
type ExecutionResult struct {
	OK              bool
	Data            any
	Error           *PluginError
	ExecutionTimeMs int64
	Metadata        ExecutionMetadata
}

// Elapsed is a small helper for computing ExecutionTimeMs consistently.
func Elapsed(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

// HandlerOutput is what a handler's execute() returns: {exitCode?, data?,
// meta?} or nothing, which the runner treats as {exitCode: 0}.
type HandlerOutput struct {
	ExitCode *int
	Data     any
	Meta     map[string]any
}

// StandardMeta is the metadata the in-process runner (C5) always appends,
// overwriting any conflicting handler-supplied keys (spec §4.5).
type StandardMeta struct {
	ExecutedAt    string `json:"executedAt"`
	DurationMs    int64  `json:"duration"`
	PluginID      string `json:"pluginId"`
	PluginVersion string `json:"pluginVersion"`
	CommandID     string `json:"commandId,omitempty"`
	Host          string `json:"host"`
	TenantID      string `json:"tenantId,omitempty"`
	RequestID     string `json:"requestId"`
}
