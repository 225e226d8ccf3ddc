// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package invoke implements the cross-plugin invoke broker (C8): the gate a
// handler's "invoke" API module calls through to reach another plugin,
// enforcing permission, chain depth/fan-out/time caps, and cycle detection
// before handing off to the execution façade (spec §4.8).
package invoke

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/go-version"
	"github.com/mitchellh/copystructure"
	"golang.org/x/sync/semaphore"

	"github.com/kb-labs/plugin-runtime/helper/uuid"
	"github.com/kb-labs/plugin-runtime/internal/permission"
	"github.com/kb-labs/plugin-runtime/internal/snapshotstore"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// targetPattern parses "@pluginId@version:METHOD /path" (spec §4.8).
var targetPattern = regexp.MustCompile(`^@([^@]+)@(latest|[^:]+):([A-Za-z]+)\s+(/.*)$`)

// ParseTarget parses a cross-plugin invocation target string.
func ParseTarget(raw string) (structs.InvokeTarget, error) {
	m := targetPattern.FindStringSubmatch(raw)
	if m == nil {
		return structs.InvokeTarget{}, structs.NewPluginError(structs.ErrTargetInvalid,
			"malformed invoke target", map[string]any{"target": raw})
	}
	if m[2] != "latest" {
		if _, err := version.NewVersion(m[2]); err != nil {
			return structs.InvokeTarget{}, structs.NewPluginError(structs.ErrTargetInvalid,
				"invalid semver in invoke target", map[string]any{"target": raw, "version": m[2]})
		}
	}
	return structs.InvokeTarget{PluginID: m[1], Version: m[2], Method: m[3], Path: m[4], Raw: raw}, nil
}

// Registry resolves a plugin id/version to its manifest and on-disk root.
// Manifest parsing itself is out of scope (spec §1); the broker only needs
// a populated structs.Manifest and a plugin root to build the child request.
type Registry interface {
	Resolve(pluginID, version string) (manifest structs.Manifest, pluginRoot string, ok bool)
}

// Config parameterizes one Broker.
type Config struct {
	Registry Registry
	Executor structs.Executor

	MaxDepth      int
	MaxFanOut     int64
	MaxChainTime  time.Duration

	Traces    *snapshotstore.Store
	TraceKeep int

	Logger hclog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 8
	}
	if c.MaxFanOut <= 0 {
		c.MaxFanOut = 1 << 20 // effectively unlimited unless configured
	}
	if c.MaxChainTime <= 0 {
		c.MaxChainTime = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}

// traceHeaderWhitelist is merged into a child call's REST-shaped host
// context unless the child already carries the same header (spec §4.8
// "Header propagation").
var traceHeaderWhitelist = []string{"traceparent", "tracestate", "x-request-id", "x-trace-id"}

// frameLimiter bounds one calling frame's concurrent children and tracks how
// many are outstanding so the owning Broker can drop the entry once the
// frame goes idle, instead of growing frames without bound.
type frameLimiter struct {
	sem         *semaphore.Weighted
	outstanding int64
}

// Broker is the invoke gate (C8).
type Broker struct {
	cfg Config

	frameMu sync.Mutex
	frames  map[string]*frameLimiter // keyed by caller spanId

	spanMu sync.Mutex
	spans  map[string][]structs.Span // keyed by traceId, accumulated until PersistTrace
}

// New constructs a Broker.
func New(cfg Config) *Broker {
	cfg = cfg.withDefaults()
	return &Broker{
		cfg:    cfg,
		frames: make(map[string]*frameLimiter),
		spans:  make(map[string][]structs.Span),
	}
}

// Invoke is the structs.Invoker implementation exposed on
// PluginContext.API.Invoke (spec §3 invariant (d)).
func (b *Broker) Invoke(ctx context.Context, caller structs.PluginContextDescriptor, target string, input any) (structs.ExecutionResult, error) {
	start := time.Now()

	parsed, err := ParseTarget(target)
	if err != nil {
		return b.denyResult(err.(*structs.PluginError)), nil
	}

	eval := permission.NewEvaluator(caller.Permissions, "", "", nil, b.cfg.Logger)
	decision := eval.CheckInvoke(parsed.PluginID, parsed.Raw)
	if !decision.Allowed {
		return b.denyResult(structs.NewPluginError(structs.ErrPermissionDenied,
			"cross-plugin invocation denied", map[string]any{"reason": decision.Reason, "target": parsed.Raw})), nil
	}

	if caller.Depth+1 > b.cfg.MaxDepth {
		return b.denyResult(structs.NewPluginError(structs.ErrChainDepthExceeded,
			"invoke chain depth exceeded", map[string]any{"depth": caller.Depth + 1, "maxDepth": b.cfg.MaxDepth})), nil
	}

	activeChain := append(append([]string{}, caller.Visited...), caller.PluginID)
	if set.From(activeChain).Contains(parsed.PluginID) {
		return b.denyResult(structs.NewPluginError(structs.ErrCycleDetected,
			"cycle detected in invoke chain", map[string]any{
				"visited":       activeChain,
				"currentPlugin": parsed.PluginID,
			})), nil
	}

	chainStart := caller.ChainStart
	if chainStart == 0 {
		chainStart = start.UnixMilli()
	}
	remaining := b.cfg.MaxChainTime - time.Duration(start.UnixMilli()-chainStart)*time.Millisecond
	if remaining <= 0 {
		return b.denyResult(structs.NewPluginError(structs.ErrChainTimeExceeded,
			"invoke chain time budget exhausted", map[string]any{"remainingMs": int64(0)})), nil
	}

	release, err := b.acquireFanOut(ctx, caller.SpanID)
	if err != nil {
		return b.denyResult(structs.NewPluginError(structs.ErrChainFanOutExceeded,
			"invoke fan-out limit exceeded", map[string]any{"maxFanOut": b.cfg.MaxFanOut})), nil
	}
	defer release()

	manifest, pluginRoot, ok := b.cfg.Registry.Resolve(parsed.PluginID, parsed.Version)
	if !ok {
		return b.denyResult(structs.NewPluginError(structs.ErrPluginNotFound,
			"target plugin not found", map[string]any{"pluginId": parsed.PluginID, "version": parsed.Version})), nil
	}

	route, ok := resolveRoute(manifest, parsed.Method, parsed.Path)
	if !ok {
		return b.denyResult(structs.NewPluginError(structs.ErrHandlerNotFound,
			"target route not found", map[string]any{"pluginId": parsed.PluginID, "method": parsed.Method, "path": parsed.Path})), nil
	}

	childDescriptor, err := forkDescriptor(caller, manifest, parsed, chainStart)
	if err != nil {
		return structs.ExecutionResult{}, err
	}

	req := structs.ExecutionRequest{
		ExecutionID: uuid.Generate(),
		Descriptor:  childDescriptor,
		PluginRoot:  pluginRoot,
		HandlerRef:  route.Handler,
		Input:       input,
		Target:      &parsed,
	}

	result, err := b.cfg.Executor.Execute(ctx, req)

	span := structs.Span{
		ID:             uuid.Generate(),
		ParentSpanID:   caller.SpanID,
		PluginID:       parsed.PluginID,
		PluginVersion:  manifest.Version,
		RouteOrCommand: route.ID,
		Method:         parsed.Method,
		Path:           parsed.Path,
		StartTime:      start,
		EndTime:        time.Now(),
	}
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = "error"
		norm := structs.Normalize(structs.WrapError(err, structs.ErrInternal))
		span.Error = &norm
	} else if !result.OK {
		span.Status = "error"
		norm := structs.Normalize(result.Error)
		span.Error = &norm
	} else {
		span.Status = "ok"
	}
	b.recordSpan(caller.TraceID, span)

	return result, err
}

func (b *Broker) denyResult(e *structs.PluginError) structs.ExecutionResult {
	return structs.ExecutionResult{OK: false, Error: e}
}

// acquireFanOut bounds concurrent children issued from a single calling
// frame (identified by the caller's spanId), per spec §4.8 maxFanOut. The
// frame's entry is pruned from b.frames once its outstanding count returns
// to zero, so frames doesn't grow without bound across the process's
// lifetime as fresh span ids come and go.
func (b *Broker) acquireFanOut(ctx context.Context, callerSpanID string) (func(), error) {
	b.frameMu.Lock()
	fl, ok := b.frames[callerSpanID]
	if !ok {
		fl = &frameLimiter{sem: semaphore.NewWeighted(b.cfg.MaxFanOut)}
		b.frames[callerSpanID] = fl
	}
	fl.outstanding++
	b.frameMu.Unlock()

	if !fl.sem.TryAcquire(1) {
		b.releaseFrame(callerSpanID, fl)
		return nil, fmt.Errorf("fan-out limit exceeded for frame %s", callerSpanID)
	}
	return func() {
		fl.sem.Release(1)
		b.releaseFrame(callerSpanID, fl)
	}, nil
}

// releaseFrame decrements fl's outstanding count and drops it from
// b.frames once no callers remain interested in this frame.
func (b *Broker) releaseFrame(callerSpanID string, fl *frameLimiter) {
	b.frameMu.Lock()
	defer b.frameMu.Unlock()
	fl.outstanding--
	if fl.outstanding == 0 && b.frames[callerSpanID] == fl {
		delete(b.frames, callerSpanID)
	}
}

func resolveRoute(m structs.Manifest, method, path string) (structs.RouteRef, bool) {
	for _, r := range m.REST {
		if r.Method == method && r.Path == path {
			return r, true
		}
	}
	return structs.RouteRef{}, false
}

// forkDescriptor builds the child invocation's descriptor: same traceId,
// depth+1, visited append, chain start carried forward, and trace-header
// propagation into a REST-shaped host context (spec §4.8).
func forkDescriptor(caller structs.PluginContextDescriptor, manifest structs.Manifest, target structs.InvokeTarget, chainStart int64) (structs.PluginContextDescriptor, error) {
	copied, err := copystructure.Copy(caller)
	if err != nil {
		return structs.PluginContextDescriptor{}, fmt.Errorf("invoke: fork descriptor: %w", err)
	}
	child := copied.(structs.PluginContextDescriptor)

	child.PluginID = target.PluginID
	child.PluginVersion = manifest.Version
	child.HandlerID = target.Method + " " + target.Path
	child.SpanID = uuid.Generate()
	child.InvocationID = uuid.Generate()
	child.Depth = caller.Depth + 1
	child.ChainStart = chainStart
	child.Visited = append(append([]string{}, caller.Visited...), caller.PluginID)
	child.HostType = structs.HostREST
	child.HostContext = structs.HostContext{RES: &structs.RESTHostContext{
		Method:  target.Method,
		Path:    target.Path,
		Headers: mergeTraceHeaders(caller.HostContext),
	}}
	return child, nil
}

func mergeTraceHeaders(callerHC structs.HostContext) map[string]string {
	out := map[string]string{}
	if callerHC.RES == nil {
		return out
	}
	for _, h := range traceHeaderWhitelist {
		if v, ok := callerHC.RES.Headers[h]; ok && v != "" {
			if _, already := out[h]; !already {
				out[h] = v
			}
		}
	}
	return out
}

func (b *Broker) recordSpan(traceID string, span structs.Span) {
	b.spanMu.Lock()
	defer b.spanMu.Unlock()
	b.spans[traceID] = append(b.spans[traceID], span)
}

// SpansFor returns the spans accumulated so far for traceID.
func (b *Broker) SpansFor(traceID string) []structs.Span {
	b.spanMu.Lock()
	defer b.spanMu.Unlock()
	out := make([]structs.Span, len(b.spans[traceID]))
	copy(out, b.spans[traceID])
	return out
}

// PersistTrace writes the accumulated spans for traceID to the trace store
// and clears the in-memory accumulation, called by the execution façade
// once the root call completes (spec §4.8 "all spans … persisted when the
// root call completes; traces are rotated").
func (b *Broker) PersistTrace(traceID string) error {
	b.spanMu.Lock()
	spans := b.spans[traceID]
	delete(b.spans, traceID)
	b.spanMu.Unlock()

	if len(spans) == 0 || b.cfg.Traces == nil {
		return nil
	}
	return b.cfg.Traces.Save(traceID, spans)
}
