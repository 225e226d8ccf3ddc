// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package runtimeshim

import (
	"context"
	"io"
	"net/http"

	"github.com/kb-labs/plugin-runtime/internal/permission"
)

// HTTPDoer is the minimal surface Fetch needs from a client; production
// code wires *http.Client, tests wire a stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetch is a thin wrapper over an HTTP client that first confirms the
// target against network.fetch permissions.
type Fetch struct {
	eval   *permission.Evaluator
	client HTTPDoer
}

func newFetch(eval *permission.Evaluator, client HTTPDoer) *Fetch {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetch{eval: eval, client: client}
}

// Do issues an HTTP request after a permission check on the target URL.
func (f *Fetch) Do(ctx context.Context, method, target string, body io.Reader, headers map[string]string) (*http.Response, error) {
	if err := f.eval.CheckFetch(target); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return f.client.Do(req)
}
