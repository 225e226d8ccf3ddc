// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kb-labs/plugin-runtime/helper/uuid"
)

// DefaultCallTimeout is the per-call timeout applied when the caller does
// not supply one, per spec §4.4's "bounded pending-request map, default 30s".
const DefaultCallTimeout = 30 * time.Second

// MaxReconnectAttempts bounds the child's dial retries before it gives up
// and reports the connection permanently lost.
const MaxReconnectAttempts = 5

// ExecuteHandler answers an "execute" frame the parent sent, returning the
// ExecutionResult payload (or an error, reported as an "error" frame).
type ExecuteHandler func(ctx context.Context, requestID string, authToken string, payload json.RawMessage) (json.RawMessage, error)

// Client is the child side of the transport: it dials the parent-owned
// socket, answers "execute" calls, and issues "adapter:call" requests on
// the plugin handler's behalf (fs/fetch/env/api proxying, spec §4.2/§4.3).
type Client struct {
	socketPath string
	logger     hclog.Logger
	authToken  string

	mu      sync.Mutex
	peer    *Peer
	onExec  ExecuteHandler
	closed  bool
}

// NewClient does not dial yet; call Connect.
func NewClient(socketPath, authToken string, logger hclog.Logger) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{socketPath: socketPath, authToken: authToken, logger: logger}
}

// OnExecute registers the handler invoked for inbound "execute" frames.
// Must be called before Connect.
func (c *Client) OnExecute(h ExecuteHandler) { c.onExec = h }

// Connect dials the parent, retrying with backoff up to MaxReconnectAttempts
// times (spec §4.4 "bounded reconnect attempts").
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < MaxReconnectAttempts; attempt++ {
		conn, err := Dial(c.socketPath)
		if err == nil {
			p := NewPeer("parent", conn, c.logger)
			c.bind(p)
			c.mu.Lock()
			c.peer = p
			c.mu.Unlock()
			return nil
		}
		lastErr = err
		delay := time.Duration(attempt+1) * 50 * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("ipc: failed to connect after %d attempts: %w", MaxReconnectAttempts, lastErr)
}

func (c *Client) bind(p *Peer) {
	p.OnInbound(FrameExecute, func(ctx context.Context, f Frame) Frame {
		if c.authToken != "" && f.AuthToken != c.authToken {
			return errorFrame(f.RequestID, fmt.Errorf("ipc: authToken mismatch"))
		}
		if c.onExec == nil {
			return errorFrame(f.RequestID, fmt.Errorf("ipc: no execute handler registered"))
		}
		result, err := c.onExec(ctx, f.RequestID, f.AuthToken, f.Payload)
		if err != nil {
			return errorFrame(f.RequestID, err)
		}
		return Frame{Type: FrameResult, RequestID: f.RequestID, Result: result}
	})
	p.OnInbound(FrameHealth, func(ctx context.Context, f Frame) Frame {
		return Frame{Type: FrameHealthOk, RequestID: f.RequestID}
	})
	p.OnInbound(FrameShutdown, func(ctx context.Context, f Frame) Frame {
		go func() { _ = c.Close() }()
		return Frame{}
	})
}

// Ready announces bootstrap completion to the parent. id lets a long-lived
// worker (as opposed to a one-shot subprocess execution) tell the parent
// which spawned worker this connection belongs to, since worker-pool
// connections are not keyed by executionId the way one-shot sockets are.
func (c *Client) Ready(id string) error {
	p, err := c.peerOrErr()
	if err != nil {
		return err
	}
	return p.Send(Frame{Type: FrameReady, RequestID: id})
}

// Call issues an "adapter:call" to the parent and waits for its
// "adapter:response" (or "error"), applying DefaultCallTimeout unless ctx
// already carries a deadline.
func (c *Client) Call(ctx context.Context, adapter, method string, args []json.RawMessage) (json.RawMessage, error) {
	p, err := c.peerOrErr()
	if err != nil {
		return nil, err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	reply, err := p.Call(ctx, Frame{
		Type:      FrameAdapterCall,
		RequestID: uuid.Generate(),
		Adapter:   adapter,
		Method:    method,
		Args:      args,
		AuthToken: c.authToken,
	}, FrameAdapterResponse, FrameError)
	if err != nil {
		return nil, err
	}
	if reply.Type == FrameError {
		return nil, reply.Error
	}
	return reply.Payload, nil
}

func (c *Client) peerOrErr() (*Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return nil, fmt.Errorf("ipc: client not connected")
	}
	return c.peer, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	p := c.peer
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}
