// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/kb-labs/plugin-runtime/helper/uuid"
)

// AdapterHandler answers one "adapter:call" frame issued by the child on
// behalf of a plugin handler calling into context.runtime/context.api. The
// returned value is marshaled into the adapter:response Payload; an error
// becomes the response's Error instead.
type AdapterHandler func(ctx context.Context, method string, args []json.RawMessage) (any, error)

// Server is the parent side of the transport: it owns the listener, accepts
// one connection per worker/subprocess, and answers "adapter:call" frames
// issued by the other end while issuing "execute" calls of its own.
type Server struct {
	ln     net.Listener
	logger hclog.Logger

	mu       sync.RWMutex
	adapters map[string]AdapterHandler
	peers    map[string]*Peer

	onReady func(peerID, readyID string)
	onExit  func(peerID string, cause error)
}

// NewServer wraps an already-open listener (see Listen).
func NewServer(ln net.Listener, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		ln:       ln,
		logger:   logger,
		adapters: make(map[string]AdapterHandler),
		peers:    make(map[string]*Peer),
	}
}

// RegisterAdapter binds a named adapter (e.g. "fs", "fetch", "env", "api")
// to its handler. Must be called before Serve's connections start arriving.
func (s *Server) RegisterAdapter(name string, h AdapterHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[name] = h
}

// OnReady registers the callback fired when a peer sends its "ready" frame.
// readyID is the frame's RequestID, which a worker-pool child uses to carry
// its own worker id (see Client.Ready); one-shot subprocess executions leave
// it empty since there is exactly one peer per socket.
func (s *Server) OnReady(fn func(peerID, readyID string)) { s.onReady = fn }

// OnExit registers the callback fired when a peer's connection tears down.
func (s *Server) OnExit(fn func(peerID string, cause error)) { s.onExit = fn }

// Serve accepts connections until the listener is closed. Each accepted
// connection becomes one Peer keyed by a freshly minted id, handed to the
// onAccept callback so the caller (subprocess runner or worker pool) can
// associate it with the process it just spawned.
func (s *Server) Serve(onAccept func(peerID string, p *Peer)) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		id := uuid.Generate()
		p := NewPeer(id, conn, s.logger.Named("peer").With("peerId", id))
		s.bind(id, p)
		if onAccept != nil {
			onAccept(id, p)
		}
	}
}

func (s *Server) bind(id string, p *Peer) {
	p.OnInbound(FrameAdapterCall, s.handleAdapterCall)
	p.OnInbound(FrameReady, func(ctx context.Context, f Frame) Frame {
		if s.onReady != nil {
			s.onReady(id, f.RequestID)
		}
		return Frame{}
	})
	p.OnInbound(FrameHealth, func(ctx context.Context, f Frame) Frame {
		return Frame{Type: FrameHealthOk, RequestID: f.RequestID}
	})
	p.OnClose(func(cause error) {
		s.mu.Lock()
		delete(s.peers, id)
		s.mu.Unlock()
		if s.onExit != nil {
			s.onExit(id, cause)
		}
	})

	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()
}

func (s *Server) handleAdapterCall(ctx context.Context, f Frame) Frame {
	s.mu.RLock()
	h, ok := s.adapters[f.Adapter]
	s.mu.RUnlock()
	if !ok {
		return errorFrame(f.RequestID, fmt.Errorf("ipc: no adapter registered for %q", f.Adapter))
	}

	result, err := h(ctx, f.Method, f.Args)
	if err != nil {
		return errorFrame(f.RequestID, err)
	}
	payload, merr := json.Marshal(result)
	if merr != nil {
		return errorFrame(f.RequestID, merr)
	}
	return Frame{Type: FrameAdapterResponse, RequestID: f.RequestID, Payload: payload}
}

// Peer looks up a previously accepted connection by id.
func (s *Server) Peer(id string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// Execute sends an "execute" frame to peerID and waits for its "result" or
// "error" reply, or ctx cancellation.
func (s *Server) Execute(ctx context.Context, peerID, requestID string, payload json.RawMessage, authToken string) (Frame, error) {
	p, ok := s.Peer(peerID)
	if !ok {
		return Frame{}, fmt.Errorf("ipc: unknown peer %q", peerID)
	}
	return p.Call(ctx, Frame{
		Type:      FrameExecute,
		RequestID: requestID,
		Payload:   payload,
		AuthToken: authToken,
	}, FrameResult, FrameError)
}

// Close closes the listener and every accepted peer.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.Close()
	}
	return err
}
