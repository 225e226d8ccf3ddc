// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ipc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
)

func TestFrame_MarshalUnmarshalRoundTrip(t *testing.T) {
	f := Frame{Type: FrameExecute, RequestID: "r1", AuthToken: "tok"}
	b, err := Marshal(f)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), b[len(b)-1])

	got, err := Unmarshal(b[:len(b)-1])
	require.NoError(t, err)
	must.Eq(t, f.Type, got.Type)
	must.Eq(t, f.RequestID, got.RequestID)
	must.Eq(t, f.AuthToken, got.AuthToken)
}

func TestServerClient_ExecuteRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	ln, err := Listen(sockPath)
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer(ln, nil)
	defer srv.Close()

	peerReady := make(chan string, 1)
	srv.OnReady(func(id, _ string) { peerReady <- id })

	go func() {
		_ = srv.Serve(func(peerID string, p *Peer) {})
	}()

	const authToken = "shared-secret"
	client := NewClient(sockPath, authToken, nil)
	client.OnExecute(func(ctx context.Context, requestID, token string, payload json.RawMessage) (json.RawMessage, error) {
		must.Eq(t, authToken, token)
		var in map[string]any
		require.NoError(t, json.Unmarshal(payload, &in))
		return json.Marshal(map[string]any{"echo": in["value"]})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()
	require.NoError(t, client.Ready(""))

	var peerID string
	select {
	case peerID = <-peerReady:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready")
	}

	payload, _ := json.Marshal(map[string]any{"value": 42})
	reply, err := srv.Execute(ctx, peerID, "req-1", payload, authToken)
	require.NoError(t, err)
	must.Eq(t, FrameResult, reply.Type)

	var out map[string]any
	require.NoError(t, json.Unmarshal(reply.Result, &out))
	must.Eq(t, float64(42), out["echo"])
}

func TestServerClient_AdapterCallRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "adapter.sock")
	ln, err := Listen(sockPath)
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer(ln, nil)
	defer srv.Close()
	srv.RegisterAdapter("fs", func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		must.Eq(t, "readFile", method)
		return map[string]string{"data": "hello"}, nil
	})

	go func() { _ = srv.Serve(func(string, *Peer) {}) }()

	client := NewClient(sockPath, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	pathArg, _ := json.Marshal("a.txt")
	result, err := client.Call(ctx, "fs", "readFile", []json.RawMessage{pathArg})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(result, &out))
	must.Eq(t, "hello", out["data"])
}

func TestClient_ConnectFailsAfterBoundedRetries(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"), "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Connect(ctx)
	require.Error(t, err)
}
