// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ctxfactory

import "github.com/hashicorp/go-hclog"

// reservedLogKeys are the system-bound fields plugin code must not be able
// to overwrite (spec §4.3: "wrapped by a prefix-protected writer so plugin
// code cannot overwrite system-reserved log keys").
var reservedLogKeys = map[string]struct{}{
	"reqId":        {},
	"traceId":      {},
	"spanId":       {},
	"invocationId": {},
	"pluginId":     {},
	"handlerId":    {},
}

// guardedLogger wraps an hclog.Logger that already has the reserved fields
// bound via With(), and strips any attempt by plugin code to pass those
// same keys again.
type guardedLogger struct {
	hclog.Logger
}

func newGuardedLogger(base hclog.Logger) hclog.Logger {
	return &guardedLogger{Logger: base}
}

func filterReserved(args []interface{}) []interface{} {
	out := make([]interface{}, 0, len(args))
	i := 0
	for ; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			if _, reserved := reservedLogKeys[key]; reserved {
				continue
			}
		}
		out = append(out, args[i], args[i+1])
	}
	if i < len(args) {
		out = append(out, args[i])
	}
	return out
}

func (g *guardedLogger) Trace(msg string, args ...interface{}) { g.Logger.Trace(msg, filterReserved(args)...) }
func (g *guardedLogger) Debug(msg string, args ...interface{}) { g.Logger.Debug(msg, filterReserved(args)...) }
func (g *guardedLogger) Info(msg string, args ...interface{})  { g.Logger.Info(msg, filterReserved(args)...) }
func (g *guardedLogger) Warn(msg string, args ...interface{})  { g.Logger.Warn(msg, filterReserved(args)...) }
func (g *guardedLogger) Error(msg string, args ...interface{}) { g.Logger.Error(msg, filterReserved(args)...) }

func (g *guardedLogger) With(args ...interface{}) hclog.Logger {
	return &guardedLogger{Logger: g.Logger.With(filterReserved(args)...)}
}
