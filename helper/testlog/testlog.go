// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog builds hclog loggers scoped to a test's name and writing
// to the test's own output.
package testlog

import (
	"testing"

	"github.com/hashicorp/go-hclog"
)

// Logger returns an hclog.Logger at Trace level named after the running
// test, writing through t.Log so output interleaves with `go test -v`.
func Logger(t *testing.T) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   t.Name(),
		Level:  hclog.Trace,
		Output: testWriter{t},
	})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", p)
	return len(p), nil
}
