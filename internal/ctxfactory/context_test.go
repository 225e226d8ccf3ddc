// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ctxfactory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kb-labs/plugin-runtime/internal/platform"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

func TestNew_RequestIDFromDescriptorWhenPresent(t *testing.T) {
	r := New(Inputs{
		Descriptor: structs.PluginContextDescriptor{RequestID: "req-1", PluginID: "p"},
		Platform:   platform.NoOp(),
		Signal:     context.Background(),
		Cwd:        "/t",
	})
	require.Equal(t, "req-1", r.RequestID)
}

func TestNew_RequestIDGeneratedWhenAbsent(t *testing.T) {
	r := New(Inputs{
		Descriptor: structs.PluginContextDescriptor{PluginID: "p"},
		Platform:   platform.NoOp(),
		Signal:     context.Background(),
		Cwd:        "/t",
	})
	require.NotEmpty(t, r.RequestID)
}

func TestNew_TraceIDFallsBackToRequestID(t *testing.T) {
	r := New(Inputs{
		Descriptor: structs.PluginContextDescriptor{RequestID: "req-1", PluginID: "p"},
		Platform:   platform.NoOp(),
		Signal:     context.Background(),
		Cwd:        "/t",
	})
	require.Equal(t, "req-1", r.TraceID)
}

func TestNew_TraceIDPreservedWhenProvided(t *testing.T) {
	r := New(Inputs{
		Descriptor: structs.PluginContextDescriptor{RequestID: "req-1", TraceID: "trace-xyz", PluginID: "p"},
		Platform:   platform.NoOp(),
		Signal:     context.Background(),
		Cwd:        "/t",
	})
	require.Equal(t, "trace-xyz", r.TraceID)
}

func TestNew_OutdirDefaultsUnderCwd(t *testing.T) {
	r := New(Inputs{
		Descriptor: structs.PluginContextDescriptor{PluginID: "p"},
		Platform:   platform.NoOp(),
		Signal:     context.Background(),
		Cwd:        "/t",
	})
	require.Equal(t, "/t/.kb/output", r.Context.Outdir)
}

func TestNew_LoggerCannotBeOverriddenByReservedKeys(t *testing.T) {
	r := New(Inputs{
		Descriptor: structs.PluginContextDescriptor{RequestID: "req-1", PluginID: "p", HandlerID: "h"},
		Platform:   platform.NoOp(),
		Signal:     context.Background(),
		Cwd:        "/t",
	})
	// Calling with a reserved key must not panic and must simply drop it;
	// behavior is exercised via the guarded wrapper rather than asserted
	// against log output here.
	l := r.Context.Logger.With("reqId", "attacker-supplied", "extra", "ok")
	require.NotNil(t, l)
}

func TestNew_PlatformGateDeniesWhenDisabled(t *testing.T) {
	r := New(Inputs{
		Descriptor: structs.PluginContextDescriptor{PluginID: "p"},
		Platform:   platform.NoOp(),
		Signal:     context.Background(),
		Cwd:        "/t",
		WorkflowsAPI: stubWorkflows{},
	})
	_, err := r.Context.API.Workflows.Start(context.Background(), "wf", nil)
	require.Error(t, err)
}

type stubWorkflows struct{}

func (stubWorkflows) Start(context.Context, string, any) (string, error) { return "run-1", nil }
func (stubWorkflows) Status(context.Context, string) (string, error)     { return "running", nil }
