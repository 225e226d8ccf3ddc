// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package permission implements the permission evaluator (C1): the sole
// arbiter of filesystem, network, environment, and cross-plugin invocation
// access for a single invocation's permission spec.
package permission

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/ryanuber/go-glob"

	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// alwaysAllowedEnv is the built-in always-allowed env-read set (spec §4.1).
var alwaysAllowedEnv = map[string]bool{
	"NODE_ENV": true,
	"DEBUG":    true,
	"LANG":     true,
	"TZ":       true,
}

// Evaluator decides allow/deny for one invocation's permission spec. It is
// pure and synchronous (spec §5: "Permission checks: none [suspension
// points]") — no I/O happens inside it.
type Evaluator struct {
	spec    structs.PermissionSpec
	cwd     string
	outdir  string
	cache   *patternCache
	logger  hclog.Logger
}

// NewEvaluator constructs an Evaluator for one invocation. cache may be
// shared across evaluators (it is keyed by raw pattern string and
// concurrency-safe) to avoid recompiling identical patterns per-request.
func NewEvaluator(spec structs.PermissionSpec, cwd, outdir string, cache SharedCache, logger hclog.Logger) *Evaluator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	pc, _ := cache.(*patternCache)
	if pc == nil {
		pc = newPatternCache(512)
	}
	return &Evaluator{spec: spec, cwd: cwd, outdir: outdir, cache: pc, logger: logger.Named("permission")}
}

// SharedCache is the opaque handle returned by NewSharedCache, threaded
// through NewEvaluator so all invocations in a process share one compiled
// pattern cache.
type SharedCache interface{ isSharedCache() }

func (c *patternCache) isSharedCache() {}

// NewSharedCache builds a pattern cache sized for a process's expected
// working set of distinct permission patterns.
func NewSharedCache(size int) SharedCache {
	return newPatternCache(size)
}

// CheckRead decides whether path may be read (spec §4.1, §8 property 1/2).
// Order: hard-coded deny -> allow-list match (cwd implicit + fs.read) -> decide.
func (e *Evaluator) CheckRead(path string) error {
	norm := normalize(path, e.cwd)
	if isHardDenied(norm) {
		return denyErr(norm, "hard-coded deny pattern")
	}
	if withinPrefix(norm, e.cwd) {
		return nil
	}
	allowed, err := e.matchesAny(e.spec.FS.Read, norm)
	if err != nil {
		return structs.NewPluginError(structs.ErrInternal, "pattern compile failure", nil).WithCause(err)
	}
	if !allowed {
		return denyErr(norm, "no matching fs.read pattern")
	}
	return nil
}

// CheckWrite decides whether path may be written, per the same order as
// CheckRead but against fs.write and the implicit outdir grant.
func (e *Evaluator) CheckWrite(path string) error {
	norm := normalize(path, e.cwd)
	if isHardDenied(norm) {
		return denyErr(norm, "hard-coded deny pattern")
	}
	if e.outdir != "" && withinPrefix(norm, e.outdir) {
		return nil
	}
	allowed, err := e.matchesAny(e.spec.FS.Write, norm)
	if err != nil {
		return structs.NewPluginError(structs.ErrInternal, "pattern compile failure", nil).WithCause(err)
	}
	if !allowed {
		return denyErr(norm, "no matching fs.write pattern")
	}
	return nil
}

func (e *Evaluator) matchesAny(patterns []string, normalizedPath string) (bool, error) {
	for _, p := range patterns {
		ok, err := e.cache.matchFSPattern(p, e.cwd, normalizedPath)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func denyErr(path, reason string) *structs.PluginError {
	return structs.NewPluginError(structs.ErrPermissionDenied, "permission denied: "+reason, map[string]any{
		"path":   path,
		"reason": reason,
	})
}

// CheckFetch decides whether a fetch target is permitted. Empty
// network.fetch denies everything (spec §4.1).
func (e *Evaluator) CheckFetch(target string) error {
	if len(e.spec.Network.Fetch) == 0 {
		return structs.NewPluginError(structs.ErrPermissionDenied, "network access denied: no network.fetch grants", map[string]any{"target": target})
	}
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, pattern := range e.spec.Network.Fetch {
		if pattern == "*" {
			return nil
		}
		if strings.HasPrefix(pattern, "http://") || strings.HasPrefix(pattern, "https://") {
			if strings.HasPrefix(target, pattern) {
				return nil
			}
			continue
		}
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:] // ".domain"
			if strings.HasSuffix(host, suffix) {
				return nil
			}
			continue
		}
		if glob.Glob(pattern, host) {
			return nil
		}
	}
	return structs.NewPluginError(structs.ErrPermissionDenied, "network access denied: no matching network.fetch pattern", map[string]any{"target": target})
}

// CheckEnvRead reports whether an env var may be read. It never signals
// "the var exists but is hidden" via a side channel: callers receive a
// plain bool and must treat false identically whether or not the process
// actually has the variable set.
func (e *Evaluator) CheckEnvRead(name string) bool {
	if alwaysAllowedEnv[name] {
		return true
	}
	for _, p := range e.spec.Env.Read {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == name {
			return true
		}
	}
	return false
}

// InvokeDecision is the outcome of a cross-plugin invocation authorization
// check (spec §4.8 decision order), consumed by the invoke broker (C8).
type InvokeDecision struct {
	Allowed bool
	Reason  string
}

// CheckInvoke applies the invoke.deny -> invoke.routes -> invoke.plugins ->
// default-deny order from spec §4.8.
func (e *Evaluator) CheckInvoke(targetPluginID, exactTarget string) InvokeDecision {
	inv := e.spec.Invoke
	for _, d := range inv.Deny {
		if d == exactTarget || d == fmt.Sprintf("@%s:*", targetPluginID) {
			return InvokeDecision{Allowed: false, Reason: "invoke.deny match"}
		}
	}
	if len(inv.Routes) > 0 {
		for _, r := range inv.Routes {
			if r == exactTarget {
				return InvokeDecision{Allowed: true, Reason: "invoke.routes exact match"}
			}
		}
		return InvokeDecision{Allowed: false, Reason: "invoke.routes set but no exact match"}
	}
	if len(inv.Plugins) > 0 {
		for _, p := range inv.Plugins {
			if p == targetPluginID {
				return InvokeDecision{Allowed: true, Reason: "invoke.plugins match"}
			}
		}
	}
	return InvokeDecision{Allowed: false, Reason: "default deny"}
}

// CheckPlatform gates access to a platform.* API (workflows/jobs/snapshot/
// execution) given the gate parsed from the permission spec.
func CheckPlatform(gate structs.PlatformGate, operation string) bool {
	if !gate.Enabled {
		return false
	}
	if len(gate.Operations) == 0 {
		return true
	}
	for _, op := range gate.Operations {
		if op == operation {
			return true
		}
	}
	return false
}
