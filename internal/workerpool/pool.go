// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package workerpool

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/kb-labs/plugin-runtime/helper/uuid"
	"github.com/kb-labs/plugin-runtime/internal/ipc"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

// Pool is the long-lived subprocess worker pool (C7). It is the one
// component in this module that holds long-lived shared state (the worker
// table, the queue, and the stats counters); every mutation to that state
// goes through Pool's own methods, so health checks and stats reads only
// ever observe a consistent snapshot.
type Pool struct {
	cfg    Config
	logger hclog.Logger

	srv        *ipc.Server
	socketPath string
	authToken  string

	db    *memdb.MemDB
	stats *statsTracker

	queueMu  sync.Mutex
	queue    []*structs.QueuedRequest
	inFlight map[string]int
	draining bool

	workerMu     sync.Mutex
	procs        map[string]*exec.Cmd
	peerToWorker map[string]string
	workerToPeer map[string]string
	recycling    map[string]struct{}

	healthStop chan struct{}
	healthDone chan struct{}
}

// New constructs a pool, opens its shared IPC listener, and spawns min
// workers. It does not block waiting for them to become ready.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()

	socketPath := ipc.SocketPath("workerpool-" + uuid.Short())
	ln, err := ipc.Listen(socketPath)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.Named("workerpool")
	srv := ipc.NewServer(ln, logger)
	if cfg.RegisterAdapters != nil {
		cfg.RegisterAdapters(srv)
	}

	p := &Pool{
		cfg:          cfg,
		logger:       logger,
		srv:          srv,
		socketPath:   socketPath,
		authToken:    ipc.NewAuthToken(),
		db:           newWorkerDB(),
		stats:        newStatsTracker(),
		inFlight:     make(map[string]int),
		procs:        make(map[string]*exec.Cmd),
		peerToWorker: make(map[string]string),
		workerToPeer: make(map[string]string),
		recycling:    make(map[string]struct{}),
		healthStop:   make(chan struct{}),
		healthDone:   make(chan struct{}),
	}

	srv.OnReady(p.handleReady)
	srv.OnExit(p.handleExit)
	go func() { _ = srv.Serve(func(string, *ipc.Peer) {}) }()

	for i := 0; i < cfg.Min; i++ {
		p.spawnWorker("")
	}
	go p.healthLoop()

	return p, nil
}

// Submit runs req against the pool, per the acceptance protocol in spec
// §4.7: reject while shutting down, enforce the per-plugin concurrency cap,
// honor an already-tripped abort signal, then either hand the request to an
// idle worker directly or queue it with an acquire timer.
func (p *Pool) Submit(ctx context.Context, req structs.ExecutionRequest) (structs.ExecutionResult, error) {
	p.stats.recordRequest()
	pluginID := req.Descriptor.PluginID

	p.queueMu.Lock()
	if p.draining {
		p.queueMu.Unlock()
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrInternal, "worker pool is shutting down", nil)
	}
	if p.cfg.MaxConcurrentPerPlugin > 0 && p.inFlight[pluginID] >= p.cfg.MaxConcurrentPerPlugin {
		p.queueMu.Unlock()
		p.stats.recordQueueFullRejection()
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrQueueFull,
			"per-plugin concurrency limit reached", map[string]any{"pluginId": pluginID})
	}
	if ctx.Err() != nil {
		p.queueMu.Unlock()
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrAbort, "execution aborted before acquiring a worker", nil)
	}
	p.inFlight[pluginID]++
	p.queueMu.Unlock()
	defer func() {
		p.queueMu.Lock()
		p.inFlight[pluginID]--
		p.queueMu.Unlock()
	}()

	if workerID, ok := p.acquireIdleWorker(); ok {
		return p.executeOnWorker(ctx, workerID, req)
	}

	p.maybeSpawnWorker(pluginID)
	return p.enqueueAndWait(ctx, req)
}

func (p *Pool) enqueueAndWait(ctx context.Context, req structs.ExecutionRequest) (structs.ExecutionResult, error) {
	p.queueMu.Lock()
	if len(p.queue) >= p.cfg.MaxQueueSize {
		p.queueMu.Unlock()
		p.stats.recordQueueFullRejection()
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrQueueFull, "worker pool queue is full", nil)
	}

	resultCh := make(chan structs.ExecutionResult, 1)
	errCh := make(chan error, 1)
	qr := &structs.QueuedRequest{
		ID:       req.ExecutionID,
		Request:  req,
		Signal:   ctx,
		QueuedAt: time.Now(),
		Resolve:  func(r structs.ExecutionResult) { resultCh <- r },
		Reject:   func(e error) { errCh <- e },
	}
	p.queue = append(p.queue, qr)
	p.queueMu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		p.stats.recordWaitMs(float64(time.Since(qr.QueuedAt).Milliseconds()))
		return r, nil
	case err := <-errCh:
		return structs.ExecutionResult{}, err
	case <-timer.C:
		p.removeFromQueue(qr)
		p.stats.recordAcquireTimeout()
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrAcquireTimeout,
			"timed out waiting for an available worker", nil)
	case <-ctx.Done():
		p.removeFromQueue(qr)
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrAbort, "execution aborted while queued", nil)
	}
}

func (p *Pool) removeFromQueue(target *structs.QueuedRequest) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	for i, qr := range p.queue {
		if qr == target {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// wakeDispatcher assigns as many queued requests as there are idle,
// non-recycling workers, FIFO, fire-and-forget (spec §4.7 step 8).
func (p *Pool) wakeDispatcher() {
	for {
		p.queueMu.Lock()
		if len(p.queue) == 0 || p.draining {
			p.queueMu.Unlock()
			return
		}
		workerID, ok := p.acquireIdleWorker()
		if !ok {
			p.queueMu.Unlock()
			return
		}
		qr := p.queue[0]
		p.queue = p.queue[1:]
		p.queueMu.Unlock()

		go p.runQueued(workerID, qr)
	}
}

func (p *Pool) runQueued(workerID string, qr *structs.QueuedRequest) {
	if qr.Signal.Err() != nil {
		qr.Reject(structs.NewPluginError(structs.ErrAbort, "execution aborted while queued", nil))
		p.releaseWorker(workerID)
		p.wakeDispatcher()
		return
	}
	p.stats.recordWaitMs(float64(time.Since(qr.QueuedAt).Milliseconds()))
	result, err := p.executeOnWorker(qr.Signal, workerID, qr.Request)
	if err != nil {
		qr.Reject(err)
		return
	}
	qr.Resolve(result)
}

func (p *Pool) executeOnWorker(ctx context.Context, workerID string, req structs.ExecutionRequest) (structs.ExecutionResult, error) {
	start := time.Now()
	peerID, ok := p.peerFor(workerID)
	if !ok {
		p.stats.recordWorkerCrash()
		p.releaseWorker(workerID)
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrWorkerCrashed, "worker has no live connection", nil)
	}

	payload, err := json.Marshal(req.Input)
	if err != nil {
		p.releaseWorker(workerID)
		return structs.ExecutionResult{}, err
	}

	reply, callErr := p.srv.Execute(ctx, peerID, req.ExecutionID, payload, p.authToken)
	p.stats.recordExecutionMs(float64(time.Since(start).Milliseconds()))

	if callErr != nil {
		p.stats.recordError()
		p.stats.recordWorkerCrash()
		p.releaseWorker(workerID)
		if ctx.Err() != nil {
			return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrTimeout, "worker execution timed out", nil)
		}
		return structs.ExecutionResult{}, structs.NewPluginError(structs.ErrWorkerCrashed,
			"worker execution failed", map[string]any{"cause": callErr.Error()})
	}

	p.finishWorker(workerID)
	p.wakeDispatcher()

	if reply.Type == ipc.FrameError {
		p.stats.recordError()
		return structs.ExecutionResult{OK: false, Error: reply.Error, Metadata: structs.ExecutionMetadata{Backend: "worker"}}, nil
	}

	var out structs.HandlerOutput
	if err := json.Unmarshal(reply.Result, &out); err != nil {
		p.stats.recordError()
		return structs.ExecutionResult{}, err
	}
	p.stats.recordSuccess()
	return structs.ExecutionResult{
		OK:       true,
		Data:     out.Data,
		Metadata: structs.ExecutionMetadata{Backend: "worker", ExecutionMeta: out.Meta},
	}, nil
}

// Stats returns a point-in-time snapshot of the pool's counters and latency
// windows (spec §4.7).
func (p *Pool) Stats() structs.PoolStats {
	return p.stats.snapshot()
}

// Workers returns a snapshot of every tracked worker.
func (p *Pool) Workers() []*structs.Worker {
	return listAllWorkers(p.db)
}
