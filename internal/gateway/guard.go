package gateway

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// resourceGuard refuses new connections when the host is saturated. It
// samples CPU and memory in the background so admission checks stay cheap.
type resourceGuard struct {
	cpuThreshold float64 // percent
	memThreshold float64 // percent
	logger       zerolog.Logger

	cpuPct atomic.Value // float64
	memPct atomic.Value // float64
	stop   chan struct{}
}

func newResourceGuard(cpuThreshold, memThreshold float64, logger zerolog.Logger) *resourceGuard {
	if cpuThreshold <= 0 {
		cpuThreshold = 85
	}
	if memThreshold <= 0 {
		memThreshold = 90
	}
	g := &resourceGuard{
		cpuThreshold: cpuThreshold,
		memThreshold: memThreshold,
		logger:       logger,
		stop:         make(chan struct{}),
	}
	g.cpuPct.Store(float64(0))
	g.memPct.Store(float64(0))
	go g.sample()
	return g
}

func (g *resourceGuard) sample() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
				g.cpuPct.Store(pcts[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				g.memPct.Store(vm.UsedPercent)
			}
		case <-g.stop:
			return
		}
	}
}

// Admit reports whether a new connection should be accepted, with a
// rejection reason for metrics when not.
func (g *resourceGuard) Admit() (bool, string) {
	if cpuPct := g.cpuPct.Load().(float64); cpuPct >= g.cpuThreshold {
		return false, "cpu_saturated"
	}
	if memPct := g.memPct.Load().(float64); memPct >= g.memThreshold {
		return false, "memory_saturated"
	}
	return true, ""
}

func (g *resourceGuard) Stop() {
	close(g.stop)
}
