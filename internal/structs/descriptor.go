// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// HostType enumerates the front-end kinds that can invoke the execution
// subsystem.
type HostType string

const (
	HostCLI      HostType = "cli"
	HostREST     HostType = "rest"
	HostWS       HostType = "ws"
	HostWorkflow HostType = "workflow"
	HostWebhook  HostType = "webhook"
	HostJob      HostType = "job"
	HostCron     HostType = "cron"
)

// HostContext is the host-specific record embedded in a descriptor. Exactly
// one of the typed fields is populated, matching the host carried in
// HostType; a tagged-variant record without reflection.
type HostContext struct {
	CLI *CLIHostContext `json:"cli,omitempty"`
	RES *RESTHostContext `json:"rest,omitempty"`
	WS  *WSHostContext   `json:"ws,omitempty"`
}

// CLIHostContext carries the argv/flags a CLI invocation was built from.
type CLIHostContext struct {
	Argv  []string          `json:"argv"`
	Flags map[string]string `json:"flags"`
}

// RESTHostContext carries the method/path/headers of an HTTP invocation.
type RESTHostContext struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
}

// WSHostContext carries the channel path, connection id, and sender
// endpoint of a WebSocket invocation.
type WSHostContext struct {
	ChannelPath    string `json:"channelPath"`
	ConnectionID   string `json:"connectionId"`
	SenderEndpoint string `json:"senderEndpoint"`
}

// PluginContextDescriptor is the serializable, IPC-safe form of an
// invocation context (spec §3).
type PluginContextDescriptor struct {
	HostType       HostType       `json:"hostType"`
	PluginID       string         `json:"pluginId"`
	PluginVersion  string         `json:"pluginVersion"`
	RequestID      string         `json:"requestId"`
	TraceID        string         `json:"traceId"`
	SpanID         string         `json:"spanId"`
	InvocationID   string         `json:"invocationId"`
	ExecutionID    string         `json:"executionId"`
	HandlerID      string         `json:"handlerId"`
	CommandID      string         `json:"commandId,omitempty"`
	TenantID       string         `json:"tenantId,omitempty"`
	Permissions    PermissionSpec `json:"permissions"`
	HostContext    HostContext    `json:"hostContext"`

	// Depth/FanOut/ChainStart/Visited are carried for cross-plugin invoke
	// chains (C8); zero values mean "root call".
	Depth      int      `json:"depth,omitempty"`
	FanOut     int      `json:"fanOut,omitempty"`
	ChainStart int64    `json:"chainStartUnixMs,omitempty"`
	Visited    []string `json:"visited,omitempty"`
}
