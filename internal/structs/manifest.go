// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// Manifest is the core's read-only view of a plugin manifest. Parsing and
// schema validation happen upstream (out of scope, per spec §1); this type
// only names the fields the execution subsystem actually consumes.
type Manifest struct {
	ID           string
	Version      string
	Capabilities []string
	Permissions  PermissionSpec
	CLI          []RouteRef
	REST         []RouteRef
	WS           []RouteRef
	Jobs         []RouteRef
	Cron         []RouteRef
	Artifacts    []string
}

// RouteRef binds a front-end surface entry (a CLI command, REST route, WS
// channel, job, or cron trigger) to the handler it invokes.
type RouteRef struct {
	ID      string
	Method  string // REST method, or empty for non-HTTP surfaces
	Path    string // REST path / WS channel path / CLI command name
	Handler HandlerRef
}

// HandlerRef names a plugin-root-relative file and the symbol it exports.
type HandlerRef struct {
	File   string
	Export string
}

// PermissionSpec is the nested permission record described in spec §4.1.
type PermissionSpec struct {
	FS       FSPermissions
	Network  NetworkPermissions
	Env      EnvPermissions
	Invoke   InvokePermissions
	Platform PlatformPermissions
}

// FSPermissions extends the fs.read/fs.write allow-lists.
type FSPermissions struct {
	Read  []string
	Write []string
}

// NetworkPermissions is the network.fetch allow-list.
type NetworkPermissions struct {
	Fetch []string
}

// EnvPermissions is the env.read allow-list; entries ending in "*" are
// prefix wildcards.
type EnvPermissions struct {
	Read []string
}

// InvokePermissions governs cross-plugin invocation per spec §4.8.
type InvokePermissions struct {
	Routes  []string // exact "target" strings
	Plugins []string // plugin ids
	Deny    []string // exact target or "@pluginId:*" entries
}

// PlatformPermissions gates platform.* API access with one PlatformGate per
// API; a zero gate (Enabled false, the state of an unconfigured API) denies.
type PlatformPermissions struct {
	Workflows PlatformGate
	Jobs      PlatformGate
	Snapshot  PlatformGate
	Execution PlatformGate
}

// PlatformGate is a boolean-or-record gate: Enabled alone behaves like the
// boolean form; a non-empty Operations narrows it to the listed operations.
// Namespaces and IDs are carried on the gate, but permission.CheckPlatform
// does not consult them.
type PlatformGate struct {
	Enabled    bool
	Operations []string
	Namespaces []string
	IDs        []string
}
