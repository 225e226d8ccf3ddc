// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ipc implements the newline-delimited JSON RPC carried over a
// Unix-domain socket between a parent (server) and a subprocess child
// (client), per spec §4.4 and §6.
package ipc

import (
	"encoding/json"

	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// FrameType enumerates the wire message types spec §6 lists as stable.
type FrameType string

const (
	FrameAdapterCall     FrameType = "adapter:call"
	FrameAdapterResponse FrameType = "adapter:response"
	FrameExecute         FrameType = "execute"
	FrameResult          FrameType = "result"
	FrameError           FrameType = "error"
	FrameHealth          FrameType = "health"
	FrameHealthOk        FrameType = "healthOk"
	FrameShutdown        FrameType = "shutdown"
	FrameReady           FrameType = "ready"
	FrameAbort           FrameType = "abort"
)

// Frame is the single wire envelope carrying every message type. Only the
// fields relevant to Type are populated; unused fields are omitted.
type Frame struct {
	Type      FrameType             `json:"type"`
	RequestID string                `json:"requestId,omitempty"`
	Adapter   string                `json:"adapter,omitempty"`
	Method    string                `json:"method,omitempty"`
	Args      []json.RawMessage     `json:"args,omitempty"`
	TimeoutMs *int64                `json:"timeout,omitempty"`
	Result    json.RawMessage       `json:"result,omitempty"`
	Error     *structs.PluginError  `json:"error,omitempty"`
	AuthToken string                `json:"authToken,omitempty"`
	Payload   json.RawMessage       `json:"payload,omitempty"`
}

// Marshal serializes a Frame as a single newline-terminated JSON line.
func Marshal(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Unmarshal parses one line (without its trailing newline) into a Frame.
func Unmarshal(line []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(line, &f)
	return f, err
}
