// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/kb-labs/plugin-runtime/helper/uuid"
)

// SocketPath builds the per-execution socket path spec §4.4 mandates:
// "${tmpdir}/kb-subprocess-${executionId}.sock".
func SocketPath(executionID string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("kb-subprocess-%s.sock", executionID))
}

// Listen opens the parent-side transport. On non-Windows this is a Unix
// domain socket; a Windows named-pipe transport behind the same interface
// is an open item (see SPEC_FULL.md Open Questions #2) not implemented
// here since this exercise targets *nix.
func Listen(socketPath string) (net.Listener, error) {
	_ = os.Remove(socketPath) // stale socket from a crashed prior run
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// Dial connects the child-side transport to a parent-opened socket.
func Dial(socketPath string) (net.Conn, error) {
	return net.Dial("unix", socketPath)
}

// NewAuthToken mints a per-execution shared secret for the authToken slot
// (Open Question #1 in SPEC_FULL.md); the child-side Client checks it on
// execute frames, and the parent-side Server does not check it.
func NewAuthToken() string {
	return uuid.Generate()
}
