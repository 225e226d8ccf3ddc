// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package facade

import (
	"context"
	"path/filepath"

	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// LocalWorkspaceManager is the trivial identity-mapping workspace manager
// spec §3 describes for local execution: a workspace id maps directly to a
// subdirectory of Root, and release is a no-op. Remote workspace managers
// (out of scope; may stall or fail per spec §4.10) implement the same
// WorkspaceManager interface.
type LocalWorkspaceManager struct {
	Root string
}

// Acquire returns a lease whose cwd is Root/workspaceId (or Root itself
// when no workspace id is given) and whose release is a no-op.
func (m LocalWorkspaceManager) Acquire(_ context.Context, ref structs.WorkspaceRef) (*structs.WorkspaceLease, error) {
	cwd := m.Root
	if ref.WorkspaceID != "" {
		cwd = filepath.Join(m.Root, ref.WorkspaceID)
	}
	return structs.NewWorkspaceLease(ref.WorkspaceID, cwd, cwd, func() error { return nil }), nil
}
