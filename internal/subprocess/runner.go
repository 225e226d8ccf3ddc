// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package subprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/go-ps"

	"github.com/kb-labs/plugin-runtime/helper/ring"
	"github.com/kb-labs/plugin-runtime/internal/ipc"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// AdapterRegistrar wires the adapter handlers (fs/fetch/env/api proxying)
// onto a freshly constructed Server before Serve starts accepting. Kept as a
// caller-supplied hook so this package doesn't need to import runtimeshim or
// platform directly.
type AdapterRegistrar func(*ipc.Server)

// Runner spawns exactly one bootstrap process per call to Run and tears it
// down unconditionally before returning.
type Runner struct {
	cfg Config
}

// NewRunner builds a Runner. cfg is defaulted in place.
func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg.withDefaults()}
}

// Run spawns the bootstrap process, waits for its "ready" frame, sends one
// "execute" request, and returns its result. The process is guaranteed to be
// reaped (SIGTERM, then SIGKILL after KillGrace) before Run returns, whether
// the handler finished, the execution timed out, or ctx was canceled
// (scenario S4, spec §3 guaranteed-release-scope invariant).
func (r *Runner) Run(ctx context.Context, req structs.ExecutionRequest, cwd string, registerAdapters AdapterRegistrar) (structs.ExecutionResult, error) {
	logger := r.cfg.Logger.With("executionId", req.ExecutionID)

	sockPath := ipc.SocketPath(req.ExecutionID)
	ln, err := ipc.Listen(sockPath)
	if err != nil {
		return structs.ExecutionResult{}, fmt.Errorf("subprocess: listen: %w", err)
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(sockPath)
	}()

	authToken := ipc.NewAuthToken()
	srv := ipc.NewServer(ln, logger)
	defer srv.Close()
	if registerAdapters != nil {
		registerAdapters(srv)
	}

	ready := make(chan string, 1)
	srv.OnReady(func(peerID, _ string) {
		select {
		case ready <- peerID:
		default:
		}
	})

	stdout, _ := ring.New(r.cfg.OutputCap)
	stderr, _ := ring.New(r.cfg.OutputCap)

	cmd := exec.Command(r.cfg.BootstrapPath, r.cfg.BaseArgs...)
	cmd.Env = append(append([]string{}, r.cfg.BaseEnv...), os.Environ()...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("KB_SOCKET_PATH=%s", sockPath),
		fmt.Sprintf("KB_AUTH_TOKEN=%s", authToken),
		fmt.Sprintf("KB_EXECUTION_ID=%s", req.ExecutionID),
	)
	cmd.Dir = cwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	go func() { _ = srv.Serve(func(string, *ipc.Peer) {}) }()

	if err := cmd.Start(); err != nil {
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrInternal,
			fmt.Sprintf("failed to start subprocess: %v", err), nil)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	defer r.reap(cmd, waitErr, logger)

	runCtx := ctx
	if req.TimeoutMs != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var peerID string
	select {
	case peerID = <-ready:
	case err := <-waitErr:
		waitErr <- err // let reap() observe it too
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrWorkerCrashed,
			fmt.Sprintf("subprocess exited before ready: %v (stderr: %s)", err, stderr.String()), nil)
	case <-runCtx.Done():
		return timeoutResult(runCtx, stderr)
	}

	payload, err := json.Marshal(req.Input)
	if err != nil {
		return structs.ExecutionResult{}, fmt.Errorf("subprocess: marshal input: %w", err)
	}

	reply, err := srv.Execute(runCtx, peerID, req.ExecutionID, payload, authToken)
	if err != nil {
		if runCtx.Err() != nil {
			return timeoutResult(runCtx, stderr)
		}
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrWorkerCrashed,
			fmt.Sprintf("subprocess execute failed: %v (stderr: %s)", err, stderr.String()), nil)
	}

	if reply.Type == ipc.FrameError {
		return structs.ExecutionResult{OK: false, Error: reply.Error, Metadata: structs.ExecutionMetadata{Backend: "subprocess"}}, nil
	}

	var out structs.HandlerOutput
	if err := json.Unmarshal(reply.Result, &out); err != nil {
		return structs.ExecutionResult{}, fmt.Errorf("subprocess: unmarshal result: %w", err)
	}
	return structs.ExecutionResult{
		OK:       true,
		Data:     out.Data,
		Metadata: structs.ExecutionMetadata{Backend: "subprocess", ExecutionMeta: out.Meta},
	}, nil
}

func timeoutResult(ctx context.Context, stderr *ring.Buffer) (structs.ExecutionResult, error) {
	return structs.ExecutionResult{
		OK: false,
		Error: structs.NewPluginError(structs.ErrTimeout, "subprocess execution timed out", map[string]any{
			"stderr": stderr.String(),
		}),
		Metadata: structs.ExecutionMetadata{Backend: "subprocess"},
	}, nil
}

// reap enforces the SIGTERM-then-grace-then-SIGKILL escalation and blocks
// until the process is confirmed gone, so Run never returns with an orphaned
// child still holding its process group.
func (r *Runner) reap(cmd *exec.Cmd, waitErr chan error, logger hclog.Logger) {
	if cmd.Process == nil {
		return
	}
	select {
	case <-waitErr:
		return
	default:
	}

	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-waitErr:
		return
	case <-time.After(r.cfg.KillGrace):
	}

	_ = syscall.Kill(pgid, syscall.SIGKILL)
	select {
	case <-waitErr:
	case <-time.After(r.cfg.KillGrace):
		logger.Warn("subprocess: process did not exit after SIGKILL", "pid", cmd.Process.Pid)
	}
}

// IsAlive is a liveness probe that distinguishes "still running" from
// "exited" without relying on cmd.ProcessState, which is only populated
// after Wait returns. The worker pool's health check does not call it; it
// pings workers over IPC.
func IsAlive(pid int) bool {
	proc, err := ps.FindProcess(pid)
	return err == nil && proc != nil
}
