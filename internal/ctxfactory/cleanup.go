// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ctxfactory

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// CleanupStack is a LIFO vector of release hooks pushed during execution
// and drained, in reverse order, after the handler returns — on both
// success and failure (spec §3, §4.5).
type CleanupStack struct {
	mu     sync.Mutex
	hooks  []func() error
	logger hclog.Logger
}

// NewCleanupStack constructs an empty stack.
func NewCleanupStack(logger hclog.Logger) *CleanupStack {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &CleanupStack{logger: logger}
}

// Push registers a release hook.
func (c *CleanupStack) Push(hook func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Drain runs every hook LIFO, logs each hook failure, and returns the
// failures aggregated as a multierror (nil when every hook succeeds).
func (c *CleanupStack) Drain() error {
	c.mu.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	var result *multierror.Error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](); err != nil {
			result = multierror.Append(result, err)
			c.logger.Error("cleanup hook failed", "error", err)
		}
	}
	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}
