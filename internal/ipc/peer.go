// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ipc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// InboundHandler answers a frame the remote side initiated (an "adapter:call"
// on the parent side, an "execute" on the child side) and returns the frame
// to send back.
type InboundHandler func(ctx context.Context, f Frame) Frame

// pendingCall is a request this side issued and is waiting on a correlated
// reply for, keyed by RequestID.
type pendingCall struct {
	replyTypes map[FrameType]bool
	ch         chan Frame
}

// Peer is one end of the ND-JSON connection. Both Server (per worker
// connection) and Client (the subprocess/worker side) build on it: each
// connection is bidirectional, so either side can both issue correlated
// calls and answer calls the other side issues (modeled after go-plugin's
// client loop pairing a single reader goroutine with a pending-request map,
// generalized here to a peer that is sometimes caller and sometimes callee).
type Peer struct {
	id     string
	logger hclog.Logger

	rw     io.ReadWriteCloser
	reader *FrameReader
	writer *FrameWriter

	mu       sync.Mutex
	pending  map[string]*pendingCall
	inbound  map[FrameType]InboundHandler
	closed   bool
	closeErr error

	onClose func(error)
}

// NewPeer wraps a connection and begins its read loop in the background.
func NewPeer(id string, rw io.ReadWriteCloser, logger hclog.Logger) *Peer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	p := &Peer{
		id:      id,
		logger:  logger,
		rw:      rw,
		reader:  NewFrameReader(rw),
		writer:  NewFrameWriter(rw),
		pending: make(map[string]*pendingCall),
		inbound: make(map[FrameType]InboundHandler),
	}
	go p.readLoop()
	return p
}

// OnInbound registers the handler invoked when the peer receives a frame of
// the given type that is not claimed by a pending correlated call.
func (p *Peer) OnInbound(t FrameType, h InboundHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound[t] = h
}

// OnClose registers a callback fired exactly once when the peer's
// connection is torn down, carrying the triggering error (nil on a clean
// Close()).
func (p *Peer) OnClose(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

func (p *Peer) readLoop() {
	for {
		f, err := p.reader.ReadFrame()
		if err != nil {
			p.teardown(err)
			return
		}
		p.dispatch(f)
	}
}

func (p *Peer) dispatch(f Frame) {
	p.mu.Lock()
	pc, ok := p.pending[f.RequestID]
	if ok && pc.replyTypes[f.Type] {
		delete(p.pending, f.RequestID)
	} else {
		ok = false
	}
	handler := p.inbound[f.Type]
	p.mu.Unlock()

	if ok {
		pc.ch <- f
		return
	}
	if handler == nil {
		p.logger.Warn("ipc: unhandled frame", "type", f.Type, "requestId", f.RequestID)
		return
	}
	go func() {
		reply := handler(context.Background(), f)
		if reply.Type != "" {
			if err := p.writer.WriteFrame(reply); err != nil {
				p.logger.Warn("ipc: failed writing inbound reply", "error", err)
			}
		}
	}()
}

// Call sends f and blocks until a frame whose Type is in replyTypes arrives
// with the same RequestID, ctx is canceled, or the peer tears down.
func (p *Peer) Call(ctx context.Context, f Frame, replyTypes ...FrameType) (Frame, error) {
	if f.RequestID == "" {
		return Frame{}, fmt.Errorf("ipc: Call requires a RequestID")
	}
	set := make(map[FrameType]bool, len(replyTypes))
	for _, t := range replyTypes {
		set[t] = true
	}
	pc := &pendingCall{replyTypes: set, ch: make(chan Frame, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Frame{}, fmt.Errorf("ipc: peer closed: %w", p.closeErr)
	}
	p.pending[f.RequestID] = pc
	p.mu.Unlock()

	if err := p.writer.WriteFrame(f); err != nil {
		p.mu.Lock()
		delete(p.pending, f.RequestID)
		p.mu.Unlock()
		return Frame{}, err
	}

	select {
	case reply := <-pc.ch:
		return reply, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, f.RequestID)
		p.mu.Unlock()
		return Frame{}, ctx.Err()
	}
}

// Send writes f without waiting for any reply (used for fire-and-forget
// frames like shutdown, healthOk, ready).
func (p *Peer) Send(f Frame) error {
	return p.writer.WriteFrame(f)
}

// Close tears the peer down cleanly.
func (p *Peer) Close() error {
	return p.teardown(nil)
}

func (p *Peer) teardown(cause error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closeErr = cause
	pending := p.pending
	p.pending = nil
	onClose := p.onClose
	p.mu.Unlock()

	var result *multierror.Error
	if err := p.rw.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, pc := range pending {
		close(pc.ch)
	}
	if onClose != nil {
		onClose(cause)
	}
	return result.ErrorOrNil()
}

// errorFrame builds an "error" frame carrying a PluginError, used by both
// server and client handlers to report inbound-call failures back to the
// caller rather than dropping the connection.
func errorFrame(requestID string, err error) Frame {
	return Frame{
		Type:      FrameError,
		RequestID: requestID,
		Error:     structs.WrapError(err, structs.ErrInternal),
	}
}
