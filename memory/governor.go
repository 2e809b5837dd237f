// Package memory throttles work when system memory usage crosses a ceiling.
package memory

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

const (
	DefaultCeiling = 75.0
	DefaultWait    = 5 * time.Second
)

// State is a single memory observation.
type State struct {
	UsedPercent float64
	Ceiling     float64
}

// Over reports whether usage is at or above the ceiling.
func (s State) Over() bool {
	return s.UsedPercent >= s.Ceiling
}

// Sampler returns the percentage of system memory in use.
type Sampler func(ctx context.Context) (float64, error)

// SystemSampler reads virtual memory usage from the OS.
func SystemSampler(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Governor is safe for concurrent use; it holds no mutable state.
type Governor struct {
	ceiling float64
	wait    time.Duration
	logger  *slog.Logger

	sample  Sampler
	reclaim func()
	sleep   func(ctx context.Context, d time.Duration)
}

// New returns a governor sampling system memory.
// Zero values select DefaultCeiling and DefaultWait.
func New(ceiling float64, wait time.Duration, logger *slog.Logger) *Governor {
	return NewForTests(ceiling, wait, logger, SystemSampler, forceReclaim, sleepCtx)
}

// NewForTests builds a governor with injected sampling, reclaim and sleep.
func NewForTests(
	ceiling float64,
	wait time.Duration,
	logger *slog.Logger,
	sample Sampler,
	reclaim func(),
	sleep func(ctx context.Context, d time.Duration),
) *Governor {
	if ceiling <= 0 || ceiling > 100 {
		ceiling = DefaultCeiling
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		ceiling: ceiling,
		wait:    wait,
		logger:  logger.With("component", "memory"),
		sample:  sample,
		reclaim: reclaim,
		sleep:   sleep,
	}
}

// Ceiling returns the configured limit in percent.
func (g *Governor) Ceiling() float64 {
	return g.ceiling
}

// State samples memory once. A failed sample reports zero usage.
func (g *Governor) State() State {
	used, err := g.sample(context.Background())
	if err != nil {
		g.logger.Warn("unable to sample memory usage", "error", err)
		used = 0
	}
	return State{UsedPercent: used, Ceiling: g.ceiling}
}

// UnderPressure samples usage and, when over the ceiling, forces a
// reclamation and samples again. Only the second sample decides.
func (g *Governor) UnderPressure() bool {
	st := g.State()
	if !st.Over() {
		return false
	}

	g.logger.Warn("memory usage above ceiling, reclaiming",
		"used_percent", round(st.UsedPercent), "ceiling", g.ceiling)
	g.Reclaim()

	st = g.State()
	if st.Over() {
		g.logger.Warn("memory still above ceiling after reclaim",
			"used_percent", round(st.UsedPercent), "ceiling", g.ceiling)
		return true
	}
	return false
}

// AwaitRelief sleeps once for min(maxWait, configured wait) and re-checks.
// It returns true when usage is back under the ceiling. Cancelling ctx ends
// the sleep early but the re-check still happens.
func (g *Governor) AwaitRelief(ctx context.Context, maxWait time.Duration) bool {
	d := g.wait
	if maxWait > 0 && maxWait < d {
		d = maxWait
	}
	g.logger.Info("waiting for memory relief", "wait", d)
	g.sleep(ctx, d)
	return !g.UnderPressure()
}

// Reclaim runs a garbage collection and returns freed memory to the OS.
func (g *Governor) Reclaim() {
	g.reclaim()
}

func forceReclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func round(v float64) float64 {
	return float64(int(v*10)) / 10
}
