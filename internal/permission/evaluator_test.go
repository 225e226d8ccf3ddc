// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package permission

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/plugin-runtime/internal/structs"
)

func TestCheckRead_CwdAlwaysAllowed(t *testing.T) {
	e := NewEvaluator(structs.PermissionSpec{}, "/t", "/t/out", NewSharedCache(8), nil)
	require.NoError(t, e.CheckRead("/t/file.txt"))
	require.NoError(t, e.CheckRead("relative.txt"))
}

func TestCheckRead_HardDenyOverridesAllowList(t *testing.T) {
	spec := structs.PermissionSpec{FS: structs.FSPermissions{Read: []string{"**"}}}
	e := NewEvaluator(spec, "/t", "/t/out", NewSharedCache(8), nil)
	err := e.CheckRead("/t/.env")
	must.Error(t, err)
	var pe *structs.PluginError
	must.True(t, asPluginError(err, &pe))
	must.Eq(t, structs.ErrPermissionDenied, pe.Code)
	must.Eq(t, "/t/.env", pe.Details["path"])
}

func TestCheckRead_NoEscapeOutsideCwd(t *testing.T) {
	e := NewEvaluator(structs.PermissionSpec{}, "/t", "/t/out", NewSharedCache(8), nil)
	err := e.CheckRead("../../etc/passwd")
	require.Error(t, err)
}

func TestCheckRead_GlobPatternGrantsOutsideCwd(t *testing.T) {
	spec := structs.PermissionSpec{FS: structs.FSPermissions{Read: []string{"/data/*.json"}}}
	e := NewEvaluator(spec, "/t", "/t/out", NewSharedCache(8), nil)
	require.NoError(t, e.CheckRead("/data/config.json"))
	require.Error(t, e.CheckRead("/data/nested/config.json")) // "*" does not cross "/"
}

func TestCheckRead_DoubleStarCrossesSegments(t *testing.T) {
	spec := structs.PermissionSpec{FS: structs.FSPermissions{Read: []string{"/data/**"}}}
	e := NewEvaluator(spec, "/t", "/t/out", NewSharedCache(8), nil)
	require.NoError(t, e.CheckRead("/data/nested/config.json"))
}

func TestCheckWrite_OutdirAlwaysAllowed(t *testing.T) {
	e := NewEvaluator(structs.PermissionSpec{}, "/t", "/t/out", NewSharedCache(8), nil)
	require.NoError(t, e.CheckWrite("/t/out/result.txt"))
	require.Error(t, e.CheckWrite("/t/elsewhere.txt"))
}

func TestCheckFetch_EmptyDeniesAll(t *testing.T) {
	e := NewEvaluator(structs.PermissionSpec{}, "/t", "/t/out", NewSharedCache(8), nil)
	require.Error(t, e.CheckFetch("https://example.com"))
}

func TestCheckFetch_WildcardDomain(t *testing.T) {
	spec := structs.PermissionSpec{Network: structs.NetworkPermissions{Fetch: []string{"*.example.com"}}}
	e := NewEvaluator(spec, "/t", "/t/out", NewSharedCache(8), nil)
	require.NoError(t, e.CheckFetch("https://api.example.com/x"))
	require.Error(t, e.CheckFetch("https://api.other.com/x"))
}

func TestCheckEnvRead_AlwaysAllowedSet(t *testing.T) {
	e := NewEvaluator(structs.PermissionSpec{}, "/t", "/t/out", NewSharedCache(8), nil)
	require.True(t, e.CheckEnvRead("NODE_ENV"))
	require.False(t, e.CheckEnvRead("SECRET_TOKEN"))
}

func TestCheckEnvRead_PrefixWildcard(t *testing.T) {
	spec := structs.PermissionSpec{Env: structs.EnvPermissions{Read: []string{"KB_*"}}}
	e := NewEvaluator(spec, "/t", "/t/out", NewSharedCache(8), nil)
	require.True(t, e.CheckEnvRead("KB_LOG_LEVEL"))
	require.False(t, e.CheckEnvRead("OTHER"))
}

func TestCheckInvoke_DenyOverridesRoutes(t *testing.T) {
	spec := structs.PermissionSpec{Invoke: structs.InvokePermissions{
		Routes: []string{"@B@latest:GET /x"},
		Deny:   []string{"@B@latest:GET /x"},
	}}
	e := NewEvaluator(spec, "/t", "/t/out", NewSharedCache(8), nil)
	d := e.CheckInvoke("B", "@B@latest:GET /x")
	require.False(t, d.Allowed)
}

func TestCheckInvoke_DefaultDeny(t *testing.T) {
	e := NewEvaluator(structs.PermissionSpec{}, "/t", "/t/out", NewSharedCache(8), nil)
	d := e.CheckInvoke("B", "@B@latest:GET /x")
	require.False(t, d.Allowed)
	require.Equal(t, "default deny", d.Reason)
}

func TestCheckInvoke_PluginsAllow(t *testing.T) {
	spec := structs.PermissionSpec{Invoke: structs.InvokePermissions{Plugins: []string{"B"}}}
	e := NewEvaluator(spec, "/t", "/t/out", NewSharedCache(8), nil)
	d := e.CheckInvoke("B", "@B@latest:GET /x")
	require.True(t, d.Allowed)
}

func asPluginError(err error, out **structs.PluginError) bool {
	pe, ok := err.(*structs.PluginError)
	if ok {
		*out = pe
	}
	return ok
}
