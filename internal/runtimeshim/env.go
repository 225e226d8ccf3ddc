// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package runtimeshim

import (
	"os"

	"github.com/kb-labs/plugin-runtime/internal/permission"
)

// Env is the read-only, filtered environment facade.
type Env struct {
	eval *permission.Evaluator
}

func newEnv(eval *permission.Evaluator) *Env {
	return &Env{eval: eval}
}

// Get returns the value only if name is allowed; it returns "" whether the
// variable is unset or merely denied, so presence cannot be inferred from
// the return value alone.
func (e *Env) Get(name string) string {
	if !e.eval.CheckEnvRead(name) {
		return ""
	}
	return os.Getenv(name)
}

// Lookup is the two-value form, for callers that must distinguish "unset"
// from "set to empty string" among allowed variables only.
func (e *Env) Lookup(name string) (string, bool) {
	if !e.eval.CheckEnvRead(name) {
		return "", false
	}
	return os.LookupEnv(name)
}
