// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ctxfactory implements the context factory (C3): assembling the
// per-invocation PluginContext from a descriptor, platform services, a
// workspace lease, a cleanup stack, and tracing identifiers.
package ctxfactory

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/kb-labs/plugin-runtime/helper/uuid"
	"github.com/kb-labs/plugin-runtime/internal/permission"
	"github.com/kb-labs/plugin-runtime/internal/platform"
	"github.com/kb-labs/plugin-runtime/internal/runtimeshim"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// APIModules bundles the artifacts/state/shell/invoke/events/lifecycle/
// workflows/jobs/cron/snapshot modules a handler sees on context.api
// (spec §3 PluginContext invariant (d)).
type APIModules struct {
	Workflows platform.WorkflowsAPI
	Jobs      platform.JobsAPI
	Cron      platform.CronAPI
	Snapshot  platform.SnapshotAPI
	Execution platform.ExecutionAPI
	Invoke    structs.Invoker
	Events    platform.EventBus
	Lifecycle *CleanupStack // exposes Push() as the plugin-facing "register cleanup" hook
}

// PluginContext is the live, in-process value handed to a plugin handler.
// Every field is either a primitive copy of a descriptor field, a facade
// wired through the permission evaluator, a platform adapter, or an API
// module — it never holds mutable global state (spec §3 invariant).
type PluginContext struct {
	Host          structs.HostType
	RequestID     string
	PluginID      string
	PluginVersion string
	TenantID      string
	CommandID     string
	Cwd           string
	Outdir        string
	Signal        context.Context
	TraceID       string
	SpanID        string
	HostContext   structs.HostContext

	UI       platform.UI
	Platform platform.Services
	Runtime  *runtimeshim.Shim
	API      APIModules
	Logger   hclog.Logger

	Config map[string]any
}

// Inputs are the construction parameters for New (spec §4.3).
type Inputs struct {
	Descriptor    structs.PluginContextDescriptor
	Platform      platform.Services
	UI            platform.UI
	Signal        context.Context
	Cwd           string
	Outdir        string
	HTTPClient    runtimeshim.HTTPDoer
	Logger        hclog.Logger
	PatternCache  permission.SharedCache
	PluginInvoker structs.Invoker
	WorkflowsAPI  platform.WorkflowsAPI
	JobsAPI       platform.JobsAPI
	CronAPI       platform.CronAPI
	SnapshotAPI   platform.SnapshotAPI
	ExecutionAPI  platform.ExecutionAPI
	Config        map[string]any
}

// Result is New's output: the assembled context plus the cleanup stack and
// the three identifiers it resolved.
type Result struct {
	Context      *PluginContext
	CleanupStack *CleanupStack
	RequestID    string
	TraceID      string
	SpanID       string
}

// New assembles a PluginContext per the rules in spec §4.3.
func New(in Inputs) *Result {
	logger := in.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	requestID := in.Descriptor.RequestID
	if requestID == "" {
		requestID = uuid.Generate()
	}

	traceID := firstNonEmpty(
		in.Descriptor.TraceID,
		hostCarriedTraceID(in.Descriptor.HostContext),
		requestID,
	)

	spanID := in.Descriptor.SpanID
	if spanID == "" {
		spanID = uuid.Generate()
	}

	outdir := in.Outdir
	if outdir == "" {
		outdir = in.Cwd + "/.kb/output"
	}

	if in.Cwd == "" {
		panic("ctxfactory: Cwd is required")
	}

	eval := permission.NewEvaluator(in.Descriptor.Permissions, in.Cwd, outdir, in.PatternCache, logger)
	runtime := runtimeshim.New(eval, in.Cwd, outdir, in.HTTPClient)

	boundLogger := logger.With(
		"reqId", requestID,
		"traceId", traceID,
		"spanId", spanID,
		"invocationId", in.Descriptor.InvocationID,
		"pluginId", in.Descriptor.PluginID,
		"handlerId", in.Descriptor.HandlerID,
	)
	pluginLogger := newGuardedLogger(boundLogger)

	cleanup := NewCleanupStack(boundLogger)

	gate := in.Descriptor.Permissions.Platform
	api := APIModules{
		Workflows: workflowsOrNoOp(in.WorkflowsAPI, gate.Workflows),
		Jobs:      jobsOrNoOp(in.JobsAPI, gate.Jobs),
		Cron:      cronOrNoOp(in.CronAPI),
		Snapshot:  snapshotOrNoOp(in.SnapshotAPI, gate.Snapshot),
		Execution: executionOrNoOp(in.ExecutionAPI),
		Invoke:    in.PluginInvoker,
		Events:    in.Platform.EventBus,
		Lifecycle: cleanup,
	}

	ui := in.UI
	if ui == nil {
		ui = platform.NoOp().UI
	}

	ctx := &PluginContext{
		Host:          in.Descriptor.HostType,
		RequestID:     requestID,
		PluginID:      in.Descriptor.PluginID,
		PluginVersion: in.Descriptor.PluginVersion,
		TenantID:      in.Descriptor.TenantID,
		CommandID:     in.Descriptor.CommandID,
		Cwd:           in.Cwd,
		Outdir:        outdir,
		Signal:        in.Signal,
		TraceID:       traceID,
		SpanID:        spanID,
		HostContext:   in.Descriptor.HostContext,
		UI:            ui,
		Platform:      in.Platform,
		Runtime:       runtime,
		API:           api,
		Logger:        pluginLogger,
		Config:        in.Config,
	}

	return &Result{Context: ctx, CleanupStack: cleanup, RequestID: requestID, TraceID: traceID, SpanID: spanID}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func hostCarriedTraceID(hc structs.HostContext) string {
	if hc.RES != nil {
		if v, ok := hc.RES.Headers["traceparent"]; ok && v != "" {
			return v
		}
		if v, ok := hc.RES.Headers["x-trace-id"]; ok && v != "" {
			return v
		}
	}
	return ""
}

func workflowsOrNoOp(in platform.WorkflowsAPI, gate structs.PlatformGate) platform.WorkflowsAPI {
	if in == nil {
		return platform.NoOpWorkflows{}
	}
	return platform.GatedWorkflows(in, gate)
}

func jobsOrNoOp(in platform.JobsAPI, gate structs.PlatformGate) platform.JobsAPI {
	if in == nil {
		return platform.NoOpJobs{}
	}
	return platform.GatedJobs(in, gate)
}

func snapshotOrNoOp(in platform.SnapshotAPI, gate structs.PlatformGate) platform.SnapshotAPI {
	if in == nil {
		return platform.NoOpSnapshot{}
	}
	return platform.GatedSnapshot(in, gate)
}

func cronOrNoOp(in platform.CronAPI) platform.CronAPI {
	if in == nil {
		return platform.NoOpCron{}
	}
	return in
}

func executionOrNoOp(in platform.ExecutionAPI) platform.ExecutionAPI {
	if in == nil {
		return platform.NoOpExecution{}
	}
	return in
}
