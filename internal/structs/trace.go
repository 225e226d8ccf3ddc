// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// Span is one node in the cross-plugin invocation trace tree (spec §4.8).
type Span struct {
	ID             string
	ParentSpanID   string
	PluginID       string
	PluginVersion  string
	RouteOrCommand string
	Method         string
	Path           string
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	Status         string
	Error          *NormalizedError
}
