// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package invoke

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/plugin-runtime/helper/testlog"
	"github.com/kb-labs/plugin-runtime/internal/snapshotstore"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

type fakeRegistry struct {
	manifests map[string]structs.Manifest
	root      string
}

func (r *fakeRegistry) Resolve(pluginID, _ string) (structs.Manifest, string, bool) {
	m, ok := r.manifests[pluginID]
	return m, r.root, ok
}

type fakeExecutor struct {
	result structs.ExecutionResult
	err    error
	calls  []structs.ExecutionRequest
}

func (f *fakeExecutor) Execute(_ context.Context, req structs.ExecutionRequest) (structs.ExecutionResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

func searchManifest() structs.Manifest {
	return structs.Manifest{
		ID:      "search",
		Version: "1.4.0",
		REST: []structs.RouteRef{
			{ID: "query", Method: "GET", Path: "/v1/query", Handler: structs.HandlerRef{File: "index.js", Export: "query"}},
		},
	}
}

func baseCaller() structs.PluginContextDescriptor {
	return structs.PluginContextDescriptor{
		PluginID: "caller",
		TraceID:  "trace-1",
		SpanID:   "span-1",
		Permissions: structs.PermissionSpec{
			Invoke: structs.InvokePermissions{Plugins: []string{"search"}},
		},
	}
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
		plugin  string
		version string
		method  string
		path    string
	}{
		{name: "exact version", raw: "@search@1.2.3:GET /v1/query", plugin: "search", version: "1.2.3", method: "GET", path: "/v1/query"},
		{name: "latest", raw: "@search@latest:POST /v1/ingest", plugin: "search", version: "latest", method: "POST", path: "/v1/ingest"},
		{name: "malformed missing at", raw: "search@1.2.3:GET /v1/query", wantErr: true},
		{name: "invalid semver", raw: "@search@not-a-version:GET /v1/query", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTarget(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			must.Eq(t, tc.plugin, got.PluginID)
			must.Eq(t, tc.version, got.Version)
			must.Eq(t, tc.method, got.Method)
			must.Eq(t, tc.path, got.Path)
		})
	}
}

func newTestBroker(t *testing.T, reg Registry, exec structs.Executor) *Broker {
	t.Helper()
	dir := t.TempDir()
	return New(Config{
		Registry: reg,
		Executor: exec,
		Traces:   snapshotstore.New(dir, 10),
		Logger:   testlog.Logger(t),
	})
}

func TestBroker_Invoke_HappyPath(t *testing.T) {
	reg := &fakeRegistry{manifests: map[string]structs.Manifest{"search": searchManifest()}, root: "/plugins/search"}
	exec := &fakeExecutor{result: structs.ExecutionResult{OK: true, Data: map[string]any{"hits": 3}}}
	b := newTestBroker(t, reg, exec)

	result, err := b.Invoke(context.Background(), baseCaller(), "@search@1.4.0:GET /v1/query", map[string]any{"q": "x"})
	require.NoError(t, err)
	must.True(t, result.OK)
	must.Eq(t, 1, len(exec.calls))

	child := exec.calls[0].Descriptor
	must.Eq(t, "search", child.PluginID)
	must.Eq(t, 1, child.Depth)
	must.Eq(t, []string{"caller"}, child.Visited)
	must.Eq(t, "trace-1", child.TraceID)

	spans := b.SpansFor("trace-1")
	must.Eq(t, 1, len(spans))
	must.Eq(t, "ok", spans[0].Status)

	require.NoError(t, b.PersistTrace("trace-1"))
	must.Eq(t, 0, len(b.SpansFor("trace-1")))
}

func TestBroker_Invoke_PermissionDenied(t *testing.T) {
	reg := &fakeRegistry{manifests: map[string]structs.Manifest{"search": searchManifest()}}
	exec := &fakeExecutor{result: structs.ExecutionResult{OK: true}}
	b := newTestBroker(t, reg, exec)

	caller := baseCaller()
	caller.Permissions.Invoke = structs.InvokePermissions{} // nothing allow-listed

	result, err := b.Invoke(context.Background(), caller, "@search@1.4.0:GET /v1/query", nil)
	require.NoError(t, err)
	must.False(t, result.OK)
	must.Eq(t, structs.ErrPermissionDenied, result.Error.Code)
	must.Eq(t, 0, len(exec.calls))
}

func TestBroker_Invoke_CycleDetected_DirectSelfInvoke(t *testing.T) {
	reg := &fakeRegistry{manifests: map[string]structs.Manifest{}}
	exec := &fakeExecutor{result: structs.ExecutionResult{OK: true}}
	b := newTestBroker(t, reg, exec)

	caller := structs.PluginContextDescriptor{
		PluginID: "A",
		TraceID:  "trace-1",
		SpanID:   "span-a",
		Permissions: structs.PermissionSpec{
			Invoke: structs.InvokePermissions{Plugins: []string{"A"}},
		},
	}

	result, err := b.Invoke(context.Background(), caller, "@A@latest:GET /x", nil)
	require.NoError(t, err)
	must.False(t, result.OK)
	must.Eq(t, structs.ErrCycleDetected, result.Error.Code)
	must.Eq(t, []string{"A"}, result.Error.Details["visited"])
	must.Eq(t, 0, len(exec.calls))
}

// chainExecutor drives a real A->B->A invoke chain: when it executes B's
// handler, it calls back into the same broker as B invoking A, so the
// broker's own cycle detection (not a pre-seeded Visited list) is what
// trips on the second hop.
type chainExecutor struct {
	broker *Broker
	calls  []structs.ExecutionRequest
}

func (e *chainExecutor) Execute(ctx context.Context, req structs.ExecutionRequest) (structs.ExecutionResult, error) {
	e.calls = append(e.calls, req)
	if req.Descriptor.PluginID != "B" {
		return structs.ExecutionResult{OK: true}, nil
	}
	callerForB := req.Descriptor
	callerForB.Permissions = structs.PermissionSpec{Invoke: structs.InvokePermissions{Plugins: []string{"A"}}}
	return e.broker.Invoke(ctx, callerForB, "@A@latest:GET /x", nil)
}

func TestBroker_Invoke_CycleDetected_ChainS6(t *testing.T) {
	reg := &fakeRegistry{
		manifests: map[string]structs.Manifest{
			"A": {ID: "A", Version: "1.0.0", REST: []structs.RouteRef{
				{ID: "x", Method: "GET", Path: "/x", Handler: structs.HandlerRef{File: "index.js", Export: "x"}},
			}},
			"B": {ID: "B", Version: "1.0.0", REST: []structs.RouteRef{
				{ID: "y", Method: "GET", Path: "/y", Handler: structs.HandlerRef{File: "index.js", Export: "y"}},
			}},
		},
		root: "/plugins",
	}
	exec := &chainExecutor{}
	b := newTestBroker(t, reg, exec)
	exec.broker = b

	caller := structs.PluginContextDescriptor{
		PluginID: "A",
		TraceID:  "trace-1",
		SpanID:   "span-a",
		Permissions: structs.PermissionSpec{
			Invoke: structs.InvokePermissions{Plugins: []string{"B"}},
		},
	}

	result, err := b.Invoke(context.Background(), caller, "@B@latest:GET /y", nil)
	require.NoError(t, err)
	must.False(t, result.OK)
	must.Eq(t, structs.ErrCycleDetected, result.Error.Code)
	must.Eq(t, []string{"A", "B"}, result.Error.Details["visited"])
	must.Eq(t, 1, len(exec.calls)) // only B's hop reached the executor; A's second hop was denied
}

func TestBroker_Invoke_DepthExceeded(t *testing.T) {
	reg := &fakeRegistry{manifests: map[string]structs.Manifest{"search": searchManifest()}}
	exec := &fakeExecutor{result: structs.ExecutionResult{OK: true}}
	b := New(Config{Registry: reg, Executor: exec, MaxDepth: 2, Logger: testlog.Logger(t)})

	caller := baseCaller()
	caller.Depth = 2

	result, err := b.Invoke(context.Background(), caller, "@search@1.4.0:GET /v1/query", nil)
	require.NoError(t, err)
	must.False(t, result.OK)
	must.Eq(t, structs.ErrChainDepthExceeded, result.Error.Code)
}

func TestBroker_Invoke_PluginNotFound(t *testing.T) {
	reg := &fakeRegistry{manifests: map[string]structs.Manifest{}}
	exec := &fakeExecutor{result: structs.ExecutionResult{OK: true}}
	b := newTestBroker(t, reg, exec)

	result, err := b.Invoke(context.Background(), baseCaller(), "@search@1.4.0:GET /v1/query", nil)
	require.NoError(t, err)
	must.False(t, result.OK)
	must.Eq(t, structs.ErrPluginNotFound, result.Error.Code)
}

func TestBroker_Invoke_RouteNotFound(t *testing.T) {
	reg := &fakeRegistry{manifests: map[string]structs.Manifest{"search": searchManifest()}}
	exec := &fakeExecutor{result: structs.ExecutionResult{OK: true}}
	b := newTestBroker(t, reg, exec)

	result, err := b.Invoke(context.Background(), baseCaller(), "@search@1.4.0:POST /v1/missing", nil)
	require.NoError(t, err)
	must.False(t, result.OK)
	must.Eq(t, structs.ErrHandlerNotFound, result.Error.Code)
}
