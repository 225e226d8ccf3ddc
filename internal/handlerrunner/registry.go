// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package handlerrunner implements the in-process handler runner (C5): the
// primitive every backend (in-process, subprocess, worker) ultimately calls
// to invoke a loaded handler function and assemble its ExecutionResult.
package handlerrunner

import (
	"fmt"
	"sync"

	"github.com/kb-labs/plugin-runtime/internal/ctxfactory"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// HandlerFunc is the Go-native shape a loaded plugin export takes once
// resolved from its manifest HandlerRef. Dynamic loading of a plugin's
// file/export pair into a HandlerFunc is a host concern (e.g. Go plugin
// buildmode, or an embedded interpreter) outside this package; Registry
// only stores and looks values up once resolved.
type HandlerFunc func(pctx *ctxfactory.PluginContext, input any) (structs.HandlerOutput, error)

// Registry maps a manifest HandlerRef to its resolved HandlerFunc.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func key(ref structs.HandlerRef) string {
	return ref.File + "#" + ref.Export
}

// Register binds ref to fn, overwriting any prior binding (reloads replace
// in place rather than accumulate).
func (r *Registry) Register(ref structs.HandlerRef, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key(ref)] = fn
}

// Unregister removes ref, if present.
func (r *Registry) Unregister(ref structs.HandlerRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key(ref))
}

// Lookup resolves ref to its HandlerFunc.
func (r *Registry) Lookup(ref structs.HandlerRef) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[key(ref)]
	if !ok {
		return nil, structs.NewPluginError(structs.ErrHandlerNotFound,
			fmt.Sprintf("no handler registered for %s#%s", ref.File, ref.Export), map[string]any{
				"file":   ref.File,
				"export": ref.Export,
			})
	}
	return fn, nil
}
