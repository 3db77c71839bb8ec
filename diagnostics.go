package fcgi

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// DiagnosticsOptions configures the engine's periodic resource sampler.
type DiagnosticsOptions struct {
	// Interval between samples. Zero disables diagnostics entirely.
	Interval time.Duration
}

// startDiagnostics launches the sampling goroutine and returns a func
// that stops it. A zero Interval is a no-op and returns nil.
func startDiagnostics(e *Engine, opts DiagnosticsOptions) func() {
	if opts.Interval <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sampleAndLog(e)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func sampleAndLog(e *Engine) {
	attrs := []any{
		"connections", e.LiveConnections(),
		"sessions", e.LiveSessions(),
		"pipe_memory_bytes", e.MemoryUsage(),
	}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		attrs = append(attrs, "cpu_percent", percentage[0])
	} else if err != nil {
		e.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "mem_used_percent", v.UsedPercent)
	} else {
		e.logger.Debug("failed to collect memory stats", "error", err)
	}

	e.logger.Info("engine diagnostics", attrs...)
}
