// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package workerpool

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/plugin-runtime/helper/testlog"
	"github.com/kb-labs/plugin-runtime/internal/ipc"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// TestMain re-executes the test binary as a worker process when
// GO_WORKERPOOL_HELPER_MODE is set, mirroring the subprocess package's
// os.Executable()-based helper-process technique.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WORKERPOOL_HELPER_MODE") == "echo" {
		runWorkerHelper()
		return
	}
	os.Exit(m.Run())
}

func runWorkerHelper() {
	client := ipc.NewClient(os.Getenv("KB_SOCKET_PATH"), os.Getenv("KB_AUTH_TOKEN"), nil)
	client.OnExecute(func(ctx context.Context, requestID, token string, payload json.RawMessage) (json.RawMessage, error) {
		var in map[string]any
		_ = json.Unmarshal(payload, &in)
		return json.Marshal(structs.HandlerOutput{Data: map[string]any{"echo": in["v"]}})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		os.Exit(2)
	}
	_ = client.Ready(os.Getenv("KB_WORKER_ID"))
	time.Sleep(10 * time.Second)
}

func helperSelf(t *testing.T) string {
	t.Helper()
	p, err := os.Executable()
	require.NoError(t, err)
	return p
}

func waitForWorkers(t *testing.T, p *Pool, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(listWorkersByState(p.db, structs.WorkerIdle)) >= n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d idle workers", n)
}

func TestPool_SubmitRunsOnIdleWorker(t *testing.T) {
	p, err := New(Config{
		BootstrapPath: helperSelf(t),
		BaseEnv:       []string{"GO_WORKERPOOL_HELPER_MODE=echo"},
		Min:           1,
		Max:           2,
		Logger:        testlog.Logger(t),
	})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	waitForWorkers(t, p, 1, 5*time.Second)

	req := structs.ExecutionRequest{
		ExecutionID: "req-1",
		Descriptor:  structs.PluginContextDescriptor{PluginID: "demo"},
		Input:       map[string]any{"v": 9},
	}
	result, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	must.True(t, result.OK)

	data, ok := result.Data.(map[string]any)
	require.True(t, ok)
	must.Eq(t, float64(9), data["echo"])

	stats := p.Stats()
	must.Eq(t, int64(1), stats.TotalRequests)
	must.Eq(t, int64(1), stats.SuccessCount)
}

func TestPool_SubmitQueuesWhenAllWorkersBusy(t *testing.T) {
	p, err := New(Config{
		BootstrapPath: helperSelf(t),
		BaseEnv:       []string{"GO_WORKERPOOL_HELPER_MODE=echo"},
		Min:           1,
		Max:           1,
		AcquireTimeout: 2 * time.Second,
		Logger:        testlog.Logger(t),
	})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	waitForWorkers(t, p, 1, 5*time.Second)

	type outcome struct {
		result structs.ExecutionResult
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			req := structs.ExecutionRequest{
				ExecutionID: "req-" + string(rune('a'+n)),
				Descriptor:  structs.PluginContextDescriptor{PluginID: "demo"},
				Input:       map[string]any{"v": n},
			}
			r, err := p.Submit(context.Background(), req)
			results <- outcome{r, err}
		}(i)
	}

	for i := 0; i < 2; i++ {
		select {
		case o := <-results:
			require.NoError(t, o.err)
			must.True(t, o.result.OK)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for queued request")
		}
	}
}

func TestPool_SubmitRejectsPerPluginQuota(t *testing.T) {
	p, err := New(Config{
		BootstrapPath:          helperSelf(t),
		BaseEnv:                []string{"GO_WORKERPOOL_HELPER_MODE=echo"},
		Min:                    1,
		Max:                    1,
		MaxConcurrentPerPlugin: 0,
		Logger:                 testlog.Logger(t),
	})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()
	p.cfg.MaxConcurrentPerPlugin = 1

	waitForWorkers(t, p, 1, 5*time.Second)

	p.queueMu.Lock()
	p.inFlight["demo"] = 1
	p.queueMu.Unlock()

	req := structs.ExecutionRequest{
		ExecutionID: "req-quota",
		Descriptor:  structs.PluginContextDescriptor{PluginID: "demo"},
	}
	_, err = p.Submit(context.Background(), req)
	require.Error(t, err)
	var perr *structs.PluginError
	require.ErrorAs(t, err, &perr)
	must.Eq(t, structs.ErrQueueFull, perr.Code)
}
