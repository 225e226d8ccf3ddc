// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlerrunner

import (
	"context"
	"fmt"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/plugin-runtime/helper/testlog"
	"github.com/kb-labs/plugin-runtime/internal/ctxfactory"
	"github.com/kb-labs/plugin-runtime/internal/platform"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

func testContext(t *testing.T) *ctxfactory.PluginContext {
	r := ctxfactory.New(ctxfactory.Inputs{
		Descriptor: structs.PluginContextDescriptor{
			RequestID:     "req-1",
			PluginID:      "kb-labs/demo",
			PluginVersion: "1.0.0",
			HostType:      structs.HostCLI,
		},
		Platform: platform.NoOp(),
		Signal:   context.Background(),
		Cwd:      t.TempDir(),
		Logger:   testlog.Logger(t),
	})
	return r.Context
}

func TestRunner_Invoke_StandardMetaOverwritesHandlerKeys(t *testing.T) {
	reg := NewRegistry()
	ref := structs.HandlerRef{File: "index.js", Export: "search"}
	reg.Register(ref, func(pctx *ctxfactory.PluginContext, input any) (structs.HandlerOutput, error) {
		return structs.HandlerOutput{
			Data: map[string]any{"hits": 3},
			Meta: map[string]any{"pluginId": "attacker-supplied", "custom": "ok"},
		}, nil
	})

	runner := NewRunner(reg)
	pctx := testContext(t)
	result := runner.Invoke(pctx, ref, map[string]any{"q": "x"})

	require.True(t, result.OK)
	meta, ok := result.Metadata.ExecutionMeta.(map[string]any)
	require.True(t, ok)
	must.Eq(t, "kb-labs/demo", meta["pluginId"])
	must.Eq(t, "ok", meta["custom"])
	must.Eq(t, "req-1", meta["requestId"])
}

func TestRunner_Invoke_HandlerNotFound(t *testing.T) {
	runner := NewRunner(NewRegistry())
	pctx := testContext(t)
	result := runner.Invoke(pctx, structs.HandlerRef{File: "missing.js", Export: "x"}, nil)

	require.False(t, result.OK)
	require.NotNil(t, result.Error)
	must.Eq(t, structs.ErrHandlerNotFound, result.Error.Code)
}

func TestRunner_Invoke_PanicBecomesError(t *testing.T) {
	reg := NewRegistry()
	ref := structs.HandlerRef{File: "index.js", Export: "boom"}
	reg.Register(ref, func(pctx *ctxfactory.PluginContext, input any) (structs.HandlerOutput, error) {
		panic("kaboom")
	})

	runner := NewRunner(reg)
	pctx := testContext(t)
	result := runner.Invoke(pctx, ref, nil)

	require.False(t, result.OK)
	require.NotNil(t, result.Error)
	must.StrContains(t, result.Error.Message, "kaboom")
}

func TestRunner_Invoke_DrainsCleanupStackOnError(t *testing.T) {
	reg := NewRegistry()
	ref := structs.HandlerRef{File: "index.js", Export: "fails"}
	ran := false
	reg.Register(ref, func(pctx *ctxfactory.PluginContext, input any) (structs.HandlerOutput, error) {
		pctx.API.Lifecycle.Push(func() error { ran = true; return nil })
		return structs.HandlerOutput{}, fmt.Errorf("handler failed")
	})

	runner := NewRunner(reg)
	pctx := testContext(t)
	result := runner.Invoke(pctx, ref, nil)

	require.False(t, result.OK)
	must.True(t, ran)
}
