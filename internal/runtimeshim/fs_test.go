// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package runtimeshim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kb-labs/plugin-runtime/internal/permission"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// TestS1_WriteUnderOutdir implements scenario S1 from spec §8: a handler
// writes result.txt under outdir, and the file ends up with the exact
// content requested.
func TestS1_WriteUnderOutdir(t *testing.T) {
	cwd := t.TempDir()
	outdir := filepath.Join(cwd, "out")
	require.NoError(t, os.MkdirAll(outdir, 0o755))

	eval := permission.NewEvaluator(structs.PermissionSpec{}, cwd, outdir, permission.NewSharedCache(8), nil)
	shim := New(eval, cwd, outdir, nil)

	require.NoError(t, shim.FS.WriteFile(filepath.Join(outdir, "result.txt"), []byte(`{"ok": true}`), WriteOpts{}))

	got, err := shim.FS.ReadFile(filepath.Join(outdir, "result.txt"))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok": true}`, got)
}

// TestS2_ReadDotEnvDenied implements scenario S2: reading /t/.env with no
// permission fails with PermissionDenied and details.path set.
func TestS2_ReadDotEnvDenied(t *testing.T) {
	cwd := "/t"
	outdir := "/t/out"
	eval := permission.NewEvaluator(structs.PermissionSpec{}, cwd, outdir, permission.NewSharedCache(8), nil)
	shim := New(eval, cwd, outdir, nil)

	_, err := shim.FS.ReadFile("/t/.env")
	require.Error(t, err)
	pe, ok := err.(*structs.PluginError)
	require.True(t, ok)
	require.Equal(t, structs.ErrPermissionDenied, pe.Code)
	require.Equal(t, "/t/.env", pe.Details["path"])
}

func TestWriteFile_AutoCreatesParentDirs(t *testing.T) {
	cwd := t.TempDir()
	outdir := filepath.Join(cwd, "out")
	eval := permission.NewEvaluator(structs.PermissionSpec{}, cwd, outdir, permission.NewSharedCache(8), nil)
	shim := New(eval, cwd, outdir, nil)

	require.NoError(t, shim.FS.WriteFile(filepath.Join(outdir, "nested", "deep", "f.txt"), []byte("x"), WriteOpts{}))
	got, err := shim.FS.ReadFile(filepath.Join(outdir, "nested", "deep", "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "x", got)
}
