// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package runtimeshim

import (
	"github.com/kb-labs/plugin-runtime/internal/permission"
)

// Shim bundles the three sub-facades bound to one {permissions, cwd,
// outdir}, as spec §4.2 describes.
type Shim struct {
	FS    *FS
	Fetch *Fetch
	Env   *Env

	Mode SandboxMode
}

// New constructs a Shim for one invocation.
func New(eval *permission.Evaluator, cwd, outdir string, client HTTPDoer) *Shim {
	return &Shim{
		FS:    newFS(eval, cwd, outdir),
		Fetch: newFetch(eval, client),
		Env:   newEnv(eval),
		Mode:  ModeFromEnv(),
	}
}
