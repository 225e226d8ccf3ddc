// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package workerpool

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/kb-labs/plugin-runtime/internal/ipc"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// Shutdown rejects every queued request, asks every worker to shut down
// gracefully, waits up to cfg.ShutdownGrace for them collectively, then
// force-kills stragglers (spec §4.7 "reject all queued ... Promise.allSettled
// ... with a bound, then forcibly close").
func (p *Pool) Shutdown(ctx context.Context) error {
	p.queueMu.Lock()
	p.draining = true
	pending := p.queue
	p.queue = nil
	p.queueMu.Unlock()

	for _, qr := range pending {
		qr.Reject(structs.NewPluginError(structs.ErrInternal, "worker pool shutdown", nil))
	}

	close(p.healthStop)
	<-p.healthDone

	p.workerMu.Lock()
	workers := listAllWorkers(p.db)
	p.workerMu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			p.shutdownWorker(workerID)
		}(w.ID)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.forceKillAll()
	case <-ctx.Done():
		p.forceKillAll()
	}

	err := p.srv.Close()
	_ = os.Remove(p.socketPath)
	return err
}

func (p *Pool) shutdownWorker(workerID string) {
	p.workerMu.Lock()
	peerID := p.workerToPeer[workerID]
	p.workerMu.Unlock()

	if peerID != "" {
		if peer, ok := p.srv.Peer(peerID); ok {
			_ = peer.Send(ipc.Frame{Type: ipc.FrameShutdown})
		}
	}

	deadline := time.Now().Add(p.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		p.workerMu.Lock()
		_, stillTracked := getWorker(p.db, workerID)
		p.workerMu.Unlock()
		if !stillTracked {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	p.workerMu.Lock()
	cmd := p.procs[workerID]
	p.workerMu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func (p *Pool) forceKillAll() {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()
	for _, cmd := range p.procs {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
}
