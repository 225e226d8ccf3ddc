// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package degradation implements the degradation controller (C9): a
// debounced {normal, degraded, critical} state machine driven by periodic
// CPU/memory/queue-depth samples, producing an advisory delay/reject signal
// the execution façade (C10) consults on admission (spec §4.9).
package degradation

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/kb-labs/plugin-runtime/internal/platform"
)

// State is one of the controller's three levels.
type State string

const (
	StateNormal   State = "normal"
	StateDegraded State = "degraded"
	StateCritical State = "critical"
)

// QueueDepthCacheKey is the well-known cache key the controller reads queue
// depth through, so whichever concrete cache adapter is wired in doesn't
// need its own convention (resolved Open Question, see DESIGN.md).
const QueueDepthCacheKey = "kb:degradation:queue-depth"

// Thresholds configures the rising (enter) and falling (exit) percentages
// for each resource dimension; Exit values are lower than Enter,
// implementing the hysteresis spec §4.9 requires.
type Thresholds struct {
	CPUDegraded, CPUCritical       float64
	MemDegraded, MemCritical       float64
	QueueDegraded, QueueCritical   int
	CPUExit, MemExit               float64
	QueueExit                      int
}

// DefaultThresholds matches spec §4.9's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUDegraded: 70, CPUCritical: 90, CPUExit: 50,
		MemDegraded: 75, MemCritical: 90, MemExit: 60,
		QueueDegraded: 100, QueueCritical: 500, QueueExit: 50,
	}
}

// Config parameterizes one Controller.
type Config struct {
	Thresholds       Thresholds
	SampleInterval   time.Duration
	DebounceInterval time.Duration
	DegradedDelay    time.Duration
	CriticalDelay    time.Duration
	RejectOnCritical bool

	Cache    platform.Cache
	Events   platform.EventBus
	Logger   hclog.Logger

	// CPUSample/MemSample let tests substitute gopsutil; nil uses the real
	// OS counters.
	CPUSample func() (float64, error)
	MemSample func() (float64, error)
}

func (c Config) withDefaults() Config {
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 10 * time.Second
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = 30 * time.Second
	}
	if c.DegradedDelay <= 0 {
		c.DegradedDelay = 1000 * time.Millisecond
	}
	if c.CriticalDelay <= 0 {
		c.CriticalDelay = 5000 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Events == nil {
		c.Events = platform.NoOp().EventBus
	}
	if c.CPUSample == nil {
		c.CPUSample = sampleCPU
	}
	if c.MemSample == nil {
		c.MemSample = sampleMem
	}
	return c
}

func sampleCPU() (float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

func sampleMem() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// Advisory is what Advise returns: the admission delay to apply and whether
// new submissions should be rejected outright.
type Advisory struct {
	State          State
	Delay          time.Duration
	Reject         bool
	SchedulesPaused bool
}

// Controller runs the periodic sampling loop and exposes a point-in-time
// Advise for C10's admission path.
type Controller struct {
	cfg Config

	mu           sync.RWMutex
	state        State
	pendingState State
	pendingSince time.Time

	// limiter enforces Advise's advisory delay as an actual admission pace:
	// normal state carries an effectively infinite rate, degraded/critical
	// reconfigure it to one token per DegradedDelay/CriticalDelay so Wait
	// blocks callers out exactly as long as the advisory implies.
	limiter *rate.Limiter

	stop chan struct{}
	done chan struct{}
}

// New constructs a Controller in the normal state; call Start to begin
// sampling.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:     cfg,
		state:   StateNormal,
		limiter: rate.NewLimiter(rate.Inf, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the sampling loop until ctx is canceled or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (c *Controller) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.sampleOnce(ctx)
		}
	}
}

func (c *Controller) sampleOnce(ctx context.Context) {
	cpuPct, err := c.cfg.CPUSample()
	if err != nil {
		c.cfg.Logger.Warn("degradation: cpu sample failed", "error", err)
	}
	memPct, err := c.cfg.MemSample()
	if err != nil {
		c.cfg.Logger.Warn("degradation: mem sample failed", "error", err)
	}
	queueDepth := 0
	if c.cfg.Cache != nil {
		if v, ok, err := c.cfg.Cache.Get(ctx, QueueDepthCacheKey); err == nil && ok {
			queueDepth = parseIntSafe(v)
		}
	}

	indicated := c.indicate(cpuPct, memPct, queueDepth)
	c.applyDebounced(ctx, indicated)
}

// indicate maps raw samples to a target state using the current state's
// exit thresholds to avoid flapping at the boundary (hysteresis).
func (c *Controller) indicate(cpuPct, memPct float64, queueDepth int) State {
	t := c.cfg.Thresholds
	c.mu.RLock()
	current := c.state
	c.mu.RUnlock()

	switch {
	case cpuPct >= t.CPUCritical || memPct >= t.MemCritical || queueDepth >= t.QueueCritical:
		return StateCritical
	case cpuPct >= t.CPUDegraded || memPct >= t.MemDegraded || queueDepth >= t.QueueDegraded:
		return StateDegraded
	}

	// Returning to normal uses the lower hysteretic thresholds; staying put
	// is still "indicated" at the current level until samples fall under
	// the exit bar.
	if current == StateCritical && (cpuPct >= t.CPUExit || memPct >= t.MemExit || queueDepth >= t.QueueExit) {
		return StateCritical
	}
	if current == StateDegraded && (cpuPct >= t.CPUExit || memPct >= t.MemExit || queueDepth >= t.QueueExit) {
		return StateDegraded
	}
	return StateNormal
}

func (c *Controller) applyDebounced(ctx context.Context, indicated State) {
	c.mu.Lock()
	current := c.state
	if indicated == current {
		c.pendingState = ""
		c.mu.Unlock()
		return
	}
	if c.pendingState != indicated {
		c.pendingState = indicated
		c.pendingSince = time.Now()
		c.mu.Unlock()
		return
	}
	stable := time.Since(c.pendingSince) >= c.cfg.DebounceInterval
	if !stable {
		c.mu.Unlock()
		return
	}
	c.state = indicated
	c.pendingState = ""
	c.mu.Unlock()

	c.reconfigureLimiter(indicated)

	c.cfg.Logger.Info("degradation: state transition", "from", current, "to", indicated)
	_ = c.cfg.Events.Publish(ctx, "degradation.transition", map[string]any{"from": current, "to": indicated})
}

// reconfigureLimiter retunes the admission limiter to the delay implied by
// the newly committed state. A single token is always available (Burst 1),
// so a state that has just become degraded/critical doesn't additionally
// stall the very first admission behind a cold bucket.
func (c *Controller) reconfigureLimiter(state State) {
	switch state {
	case StateCritical:
		c.limiter.SetBurst(1)
		c.limiter.SetLimit(rate.Every(c.cfg.CriticalDelay))
	case StateDegraded:
		c.limiter.SetBurst(1)
		c.limiter.SetLimit(rate.Every(c.cfg.DegradedDelay))
	default:
		c.limiter.SetLimit(rate.Inf)
		c.limiter.SetBurst(1)
	}
}

// Wait blocks until the admission limiter releases a token or ctx is done,
// enforcing the pace Advise's Delay advertises. C10 calls this instead of
// rolling its own timer so throttling stays centralized in one limiter.
func (c *Controller) Wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// Advise returns the current admission advisory for C10.
func (c *Controller) Advise() Advisory {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	switch state {
	case StateCritical:
		return Advisory{State: state, Delay: c.cfg.CriticalDelay, Reject: c.cfg.RejectOnCritical, SchedulesPaused: true}
	case StateDegraded:
		return Advisory{State: state, Delay: c.cfg.DegradedDelay, SchedulesPaused: false}
	default:
		return Advisory{State: state}
	}
}

// State returns the current debounced state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func parseIntSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}
