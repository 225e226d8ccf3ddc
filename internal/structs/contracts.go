// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "context"

// Executor is implemented by the execution façade (C10). The invoke broker
// (C8) holds one of these to hand a resolved cross-plugin call back into
// the same entrypoint a host adapter would use, avoiding an import cycle
// between internal/facade and internal/invoke.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// Invoker is implemented by the invoke broker (C8) and is the shape of the
// "invoke" API module exposed on PluginContext, avoiding an import cycle
// between internal/ctxfactory and internal/invoke.
type Invoker interface {
	Invoke(ctx context.Context, caller PluginContextDescriptor, target string, input any) (ExecutionResult, error)
}
