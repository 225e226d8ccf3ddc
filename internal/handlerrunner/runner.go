// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlerrunner

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mitchellh/copystructure"

	"github.com/kb-labs/plugin-runtime/internal/ctxfactory"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// Runner resolves and invokes handlers, assembling the ExecutionResult every
// backend (in-process, subprocess, worker) converges on.
type Runner struct {
	registry *Registry
}

// NewRunner builds a Runner backed by registry.
func NewRunner(registry *Registry) *Runner {
	return &Runner{registry: registry}
}

// Invoke looks up ref, calls it with input, and returns the assembled
// ExecutionResult. The PluginContext's cleanup stack is drained on every exit
// path (spec §3 guaranteed-cleanup invariant) regardless of whether the
// handler succeeded, panicked, or returned an error; draining failures are
// logged and never alter the returned result (spec §4.5/§7).
func (r *Runner) Invoke(pctx *ctxfactory.PluginContext, ref structs.HandlerRef, input any) (result structs.ExecutionResult) {
	start := time.Now()
	defer func() {
		if pctx.API.Lifecycle != nil {
			if err := pctx.API.Lifecycle.Drain(); err != nil {
				pctx.Logger.Warn("handlerrunner: cleanup stack reported errors", "error", err)
			}
		}
	}()

	fn, err := r.registry.Lookup(ref)
	if err != nil {
		return errorResult(pctx, start, structs.WrapError(err, structs.ErrHandlerNotFound))
	}

	out, err := r.call(pctx, fn, input)
	if err != nil {
		return errorResult(pctx, start, structs.WrapError(err, structs.ErrInternal))
	}

	return structs.ExecutionResult{
		OK:              true,
		Data:            out.Data,
		ExecutionTimeMs: structs.Elapsed(start),
		Metadata: structs.ExecutionMetadata{
			Backend:       "inprocess",
			ExecutionMeta: mergeMeta(pctx, start, out.Meta),
		},
	}
}

// call invokes fn, converting a panic into an error so one misbehaving
// handler can never take down the caller's goroutine.
func (r *Runner) call(pctx *ctxfactory.PluginContext, fn HandlerFunc, input any) (out structs.HandlerOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pctx.Logger.Error("handlerrunner: handler panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn(pctx, input)
}

func errorResult(pctx *ctxfactory.PluginContext, start time.Time, perr *structs.PluginError) structs.ExecutionResult {
	return structs.ExecutionResult{
		OK:              false,
		Error:           perr,
		ExecutionTimeMs: structs.Elapsed(start),
		Metadata: structs.ExecutionMetadata{
			Backend: "inprocess",
		},
	}
}

// mergeMeta merges the handler-supplied meta with the standard keys the
// runner always injects, overwriting any handler-supplied key that collides
// with a standard one (spec §4.5 "standard metadata is added to the result,
// overwriting any conflicting handler-supplied keys").
func mergeMeta(pctx *ctxfactory.PluginContext, start time.Time, handlerMeta map[string]any) map[string]any {
	merged := map[string]any{}
	if handlerMeta != nil {
		// Defensive copy: the handler may retain a reference to its own meta
		// map and mutate it after returning.
		if copied, err := copystructure.Copy(handlerMeta); err == nil {
			if m, ok := copied.(map[string]any); ok {
				merged = m
			}
		}
	}

	std := structs.StandardMeta{
		ExecutedAt:    start.UTC().Format(time.RFC3339Nano),
		DurationMs:    structs.Elapsed(start),
		PluginID:      pctx.PluginID,
		PluginVersion: pctx.PluginVersion,
		CommandID:     pctx.CommandID,
		Host:          string(pctx.Host),
		TenantID:      pctx.TenantID,
		RequestID:     pctx.RequestID,
	}

	merged["executedAt"] = std.ExecutedAt
	merged["duration"] = std.DurationMs
	merged["pluginId"] = std.PluginID
	merged["pluginVersion"] = std.PluginVersion
	merged["host"] = std.Host
	merged["requestId"] = std.RequestID
	if std.CommandID != "" {
		merged["commandId"] = std.CommandID
	}
	if std.TenantID != "" {
		merged["tenantId"] = std.TenantID
	}
	return merged
}
