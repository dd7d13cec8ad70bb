// Package governor periodically samples process CPU/memory pressure and
// sheds scanner load before the engine starts missing cycles (spec §4.8
// "resource governor": sample every 5s, shrink cache at 80% pressure,
// reduce batch size at 85% pressure).
package governor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const (
	sampleInterval = 5 * time.Second

	cacheShrinkPressurePct = 80.0
	batchShrinkPressurePct = 85.0

	normalBatchSize  = 20
	reducedBatchSize = 10
)

// BatchSizer is the subset of scanner.Scanner the governor drives.
type BatchSizer interface {
	SetBatchSize(n int)
	ClearCache()
}

// Governor samples system resource pressure and leans on a BatchSizer to
// keep the scanner inside its cycle budget under load.
type Governor struct {
	logger  *zap.Logger
	scanner BatchSizer

	shrunkCache bool
	reduced     bool
}

// New constructs a Governor bound to the scanner it will throttle.
func New(logger *zap.Logger, scanner BatchSizer) *Governor {
	return &Governor{logger: logger, scanner: scanner}
}

// Run samples CPU and memory utilization every 5s until ctx is cancelled,
// shrinking the scanner's cache and batch size as pressure crosses the
// configured thresholds and restoring both once pressure subsides.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample(ctx)
		}
	}
}

func (g *Governor) sample(ctx context.Context) {
	pressure, err := g.readPressure(ctx)
	if err != nil {
		g.logger.Warn("governor failed to sample resource pressure", zap.Error(err))
		return
	}

	if pressure >= cacheShrinkPressurePct && !g.shrunkCache {
		g.logger.Warn("resource pressure high, shrinking scanner cache", zap.Float64("pressure_pct", pressure))
		g.scanner.ClearCache()
		g.shrunkCache = true
	} else if pressure < cacheShrinkPressurePct {
		g.shrunkCache = false
	}

	if pressure >= batchShrinkPressurePct {
		if !g.reduced {
			g.logger.Warn("resource pressure critical, reducing scanner batch size", zap.Float64("pressure_pct", pressure))
			g.scanner.SetBatchSize(reducedBatchSize)
			g.reduced = true
		}
	} else if g.reduced {
		g.logger.Info("resource pressure normalized, restoring scanner batch size", zap.Float64("pressure_pct", pressure))
		g.scanner.SetBatchSize(normalBatchSize)
		g.reduced = false
	}
}

// readPressure returns the higher of current CPU and memory utilization, as
// a percentage, so a single threshold set covers either resource spiking.
func (g *Governor) readPressure(ctx context.Context) (float64, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	pressure := vm.UsedPercent
	if len(cpuPct) > 0 && cpuPct[0] > pressure {
		pressure = cpuPct[0]
	}
	return pressure, nil
}
