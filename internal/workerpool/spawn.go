// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package workerpool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/kb-labs/plugin-runtime/helper/uuid"
	"github.com/kb-labs/plugin-runtime/internal/ipc"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// acquireIdleWorker picks the first idle worker that does not need
// recycling and marks it busy. Workers past their request/uptime budget are
// recycled in the background instead of being handed more work (spec §4.7
// "before handing work to an idle worker, check shouldRecycle").
func (p *Pool) acquireIdleWorker() (string, bool) {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()

	for _, w := range listWorkersByState(p.db, structs.WorkerIdle) {
		if p.shouldRecycle(w) {
			go p.recycleWorker(w.ID)
			continue
		}
		busy := *w
		busy.State = structs.WorkerBusy
		if err := updateWorker(p.db, busy); err != nil {
			continue
		}
		return w.ID, true
	}
	return "", false
}

func (p *Pool) shouldRecycle(w *structs.Worker) bool {
	if w.RequestCount >= p.cfg.MaxRequestsPerWorker {
		return true
	}
	return time.Since(w.CreatedAt) >= p.cfg.MaxUptimePerWorker
}

// finishWorker returns a worker to idle and increments its request count,
// or recycles it immediately if it just crossed a recycling threshold.
func (p *Pool) finishWorker(workerID string) {
	p.workerMu.Lock()
	w, ok := getWorker(p.db, workerID)
	if !ok {
		p.workerMu.Unlock()
		return
	}
	done := *w
	done.RequestCount++
	done.State = structs.WorkerIdle
	_ = updateWorker(p.db, done)
	recycle := p.shouldRecycle(&done)
	p.workerMu.Unlock()

	if recycle {
		go p.recycleWorker(workerID)
	}
}

// releaseWorker returns a worker to idle without incrementing its request
// count, used on the abort/no-connection paths that never reached the
// remote call.
func (p *Pool) releaseWorker(workerID string) {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()
	w, ok := getWorker(p.db, workerID)
	if !ok {
		return
	}
	idle := *w
	idle.State = structs.WorkerIdle
	_ = updateWorker(p.db, idle)
}

func (p *Pool) peerFor(workerID string) (string, bool) {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()
	peerID, ok := p.workerToPeer[workerID]
	return peerID, ok
}

func (p *Pool) maybeSpawnWorker(pluginID string) {
	p.workerMu.Lock()
	n := countWorkers(p.db)
	p.workerMu.Unlock()
	if n >= p.cfg.Max {
		return
	}
	p.spawnWorker(pluginID)
}

// spawnWorker starts a new bootstrap process in its own process group and
// registers a starting-state row; the row transitions to idle once the
// child's "ready" frame arrives (handleReady).
func (p *Pool) spawnWorker(pluginID string) {
	workerID := uuid.Generate()
	cmd := exec.Command(p.cfg.BootstrapPath, p.cfg.BaseArgs...)
	cmd.Env = append(append([]string{}, p.cfg.BaseEnv...), os.Environ()...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("KB_SOCKET_PATH=%s", p.socketPath),
		fmt.Sprintf("KB_AUTH_TOKEN=%s", p.authToken),
		fmt.Sprintf("KB_WORKER_ID=%s", workerID),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		p.logger.Error("workerpool: failed to spawn worker", "error", err)
		return
	}

	w := structs.Worker{
		ID:        workerID,
		State:     structs.WorkerStarting,
		Pid:       cmd.Process.Pid,
		CreatedAt: time.Now(),
		PluginID:  pluginID,
		Healthy:   true,
	}
	p.workerMu.Lock()
	_ = insertWorker(p.db, w)
	p.procs[workerID] = cmd
	p.workerMu.Unlock()

	go func() {
		err := cmd.Wait()
		p.onProcessExit(workerID, err)
	}()
}

func (p *Pool) handleReady(peerID, readyID string) {
	if readyID == "" {
		return
	}
	p.workerMu.Lock()
	w, ok := getWorker(p.db, readyID)
	if !ok {
		p.workerMu.Unlock()
		p.logger.Warn("workerpool: ready frame for unknown worker", "workerId", readyID)
		return
	}
	idle := *w
	idle.State = structs.WorkerIdle
	idle.LastHealthCheckAt = time.Now()
	_ = updateWorker(p.db, idle)
	p.peerToWorker[peerID] = readyID
	p.workerToPeer[readyID] = peerID
	p.workerMu.Unlock()

	p.wakeDispatcher()
}

// handleExit fires when a worker's IPC connection tears down, whether from
// a deliberate shutdown/recycle or a crash; onProcessExit (via cmd.Wait)
// handles the replacement decision, since that's where we can tell whether
// the exit was expected.
func (p *Pool) handleExit(peerID string, cause error) {
	p.workerMu.Lock()
	workerID := p.peerToWorker[peerID]
	delete(p.peerToWorker, peerID)
	delete(p.workerToPeer, workerID)
	p.workerMu.Unlock()
}

func (p *Pool) onProcessExit(workerID string, waitErr error) {
	p.workerMu.Lock()
	_, wasDraining := p.recycling[workerID]
	delete(p.recycling, workerID)
	delete(p.procs, workerID)
	_ = deleteWorker(p.db, workerID)
	p.workerMu.Unlock()

	p.queueMu.Lock()
	shuttingDown := p.draining
	p.queueMu.Unlock()

	if shuttingDown {
		return
	}
	if !wasDraining {
		p.stats.recordWorkerCrash()
		p.logger.Warn("workerpool: worker exited unexpectedly", "workerId", workerID, "error", waitErr)
	}

	p.workerMu.Lock()
	n := countWorkers(p.db)
	p.workerMu.Unlock()
	if n < p.cfg.Min {
		p.spawnWorker("")
	}
	p.wakeDispatcher()
}

// recycleWorker gracefully shuts a worker down (spec §4.7 "up to 5s") and
// lets onProcessExit spawn a replacement when the pool is below Min.
func (p *Pool) recycleWorker(workerID string) {
	p.workerMu.Lock()
	w, ok := getWorker(p.db, workerID)
	if !ok || w.State == structs.WorkerDraining {
		p.workerMu.Unlock()
		return
	}
	draining := *w
	draining.State = structs.WorkerDraining
	_ = updateWorker(p.db, draining)
	if p.recycling == nil {
		p.recycling = make(map[string]struct{})
	}
	p.recycling[workerID] = struct{}{}
	peerID := p.workerToPeer[workerID]
	cmd := p.procs[workerID]
	p.workerMu.Unlock()

	p.stats.recordWorkerRecycled()

	if peerID != "" {
		if peer, ok := p.srv.Peer(peerID); ok {
			_ = peer.Send(ipc.Frame{Type: ipc.FrameShutdown})
		}
	}

	grace := 5 * time.Second
	deadline := time.After(grace)
	for {
		select {
		case <-deadline:
			if cmd != nil && cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			return
		case <-time.After(100 * time.Millisecond):
			p.workerMu.Lock()
			_, stillTracked := getWorker(p.db, workerID)
			p.workerMu.Unlock()
			if !stillTracked {
				return
			}
		}
	}
}

// healthLoop periodically pings idle workers and kills any that fail to
// answer within HealthCheckTimeout; onProcessExit then spawns a replacement
// when the pool is below Min.
func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.healthStop:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	for _, w := range listWorkersByState(p.db, structs.WorkerIdle) {
		peerID, ok := p.peerFor(w.ID)
		if !ok {
			continue
		}
		peer, ok := p.srv.Peer(peerID)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
		_, err := peer.Call(ctx, ipc.Frame{Type: ipc.FrameHealth, RequestID: uuid.Generate()}, ipc.FrameHealthOk)
		cancel()
		if err != nil {
			p.logger.Warn("workerpool: worker failed health check, killing", "workerId", w.ID, "error", err)
			p.killUnhealthy(w.ID)
		}
	}
}

func (p *Pool) killUnhealthy(workerID string) {
	p.workerMu.Lock()
	cmd := p.procs[workerID]
	p.workerMu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
