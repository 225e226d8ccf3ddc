// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid generates the ids used throughout the execution subsystem
// (request, trace, span, invocation, execution, workspace, worker ids).
package uuid

import (
	"fmt"

	huuid "github.com/hashicorp/go-uuid"
)

// Generate returns a new random v4-ish id. Panics only if the system RNG is
// broken, which go-uuid itself treats as unrecoverable.
func Generate() string {
	id, err := huuid.GenerateUUID()
	if err != nil {
		panic(fmt.Sprintf("uuid: failed to generate: %v", err))
	}
	return id
}

// Short returns an 8-character prefix of a fresh id, used for socket path
// suffixes and log-friendly short ids where a full uuid is too noisy.
func Short() string {
	return Generate()[:8]
}
