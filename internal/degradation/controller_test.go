// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package degradation

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/kb-labs/plugin-runtime/helper/testlog"
)

func testConfig(t *testing.T, cpu, mem func() (float64, error)) Config {
	t.Helper()
	return Config{
		Thresholds:       DefaultThresholds(),
		DebounceInterval: 20 * time.Millisecond,
		DegradedDelay:    10 * time.Millisecond,
		CriticalDelay:    20 * time.Millisecond,
		RejectOnCritical: true,
		Logger:           testlog.Logger(t),
		CPUSample:        cpu,
		MemSample:        mem,
	}
}

func constFloat(v float64) func() (float64, error) {
	return func() (float64, error) { return v, nil }
}

func TestController_Indicate(t *testing.T) {
	c := New(testConfig(t, constFloat(0), constFloat(0)))

	cases := []struct {
		name               string
		cpu, mem           float64
		queue              int
		want               State
	}{
		{name: "all low", cpu: 10, mem: 10, queue: 0, want: StateNormal},
		{name: "cpu degraded", cpu: 75, mem: 10, queue: 0, want: StateDegraded},
		{name: "mem critical", cpu: 10, mem: 95, queue: 0, want: StateCritical},
		{name: "queue critical", cpu: 10, mem: 10, queue: 600, want: StateCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.want, c.indicate(tc.cpu, tc.mem, tc.queue))
		})
	}
}

func TestController_Indicate_Hysteresis(t *testing.T) {
	c := New(testConfig(t, constFloat(0), constFloat(0)))
	c.mu.Lock()
	c.state = StateDegraded
	c.mu.Unlock()

	// Between exit (50) and enter (70) thresholds: stays degraded, does not
	// drop straight back to normal.
	must.Eq(t, StateDegraded, c.indicate(60, 10, 0))
	// Below the exit threshold: now indicated as normal.
	must.Eq(t, StateNormal, c.indicate(30, 10, 0))
}

func TestController_ApplyDebounced_RequiresSustainedSignal(t *testing.T) {
	c := New(testConfig(t, constFloat(0), constFloat(0)))
	ctx := context.Background()

	c.applyDebounced(ctx, StateDegraded)
	must.Eq(t, StateNormal, c.State()) // first observation only starts the pending timer

	time.Sleep(25 * time.Millisecond)
	c.applyDebounced(ctx, StateDegraded)
	must.Eq(t, StateDegraded, c.State()) // sustained past the debounce interval commits
}

func TestController_Advise_CriticalRejects(t *testing.T) {
	c := New(testConfig(t, constFloat(0), constFloat(0)))
	c.mu.Lock()
	c.state = StateCritical
	c.mu.Unlock()
	c.reconfigureLimiter(StateCritical)

	adv := c.Advise()
	must.Eq(t, StateCritical, adv.State)
	must.True(t, adv.Reject)
	must.True(t, adv.SchedulesPaused)
}

func TestController_Wait_PacesUnderDegraded(t *testing.T) {
	c := New(testConfig(t, constFloat(0), constFloat(0)))
	c.mu.Lock()
	c.state = StateDegraded
	c.mu.Unlock()
	c.reconfigureLimiter(StateDegraded)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	must.NoError(t, c.Wait(ctx))
	must.NoError(t, c.Wait(ctx))
	must.True(t, time.Since(start) >= 5*time.Millisecond) // the second Wait had to pace behind DegradedDelay
}

func TestController_Wait_NormalDoesNotBlock(t *testing.T) {
	c := New(testConfig(t, constFloat(0), constFloat(0)))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 5; i++ {
		must.NoError(t, c.Wait(ctx))
	}
}

func TestController_StartStop_Samples(t *testing.T) {
	cfg := testConfig(t, constFloat(95), constFloat(95))
	cfg.SampleInterval = 5 * time.Millisecond
	cfg.DebounceInterval = 5 * time.Millisecond
	c := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateCritical && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	must.Eq(t, StateCritical, c.State())
}
