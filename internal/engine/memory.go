package engine

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/loqe/loqe/internal/ddl"
	"github.com/loqe/loqe/internal/observability"
	"github.com/loqe/loqe/internal/query"
)

// MemoryReport carries process memory before and after reclamation. The
// readings are nil when the host cannot report memory usage.
type MemoryReport struct {
	BeforeMB   *float64 `json:"before_mb"`
	AfterMB    *float64 `json:"after_mb"`
	IdleClosed int      `json:"idle_closed"`
}

// FreeMemory releases what it can without destroying the engine: idle
// connections are closed, then the engine is checkpointed and asked to
// shrink its memory. Statement failures are logged only.
func (e *Engine) FreeMemory(ctx context.Context) (MemoryReport, error) {
	c, err := e.components()
	if err != nil {
		return MemoryReport{}, err
	}

	report := MemoryReport{BeforeMB: e.readMemory(ctx)}
	report.IdleClosed = c.pool.DrainIdle()

	err = c.pool.With(ctx, func(conn query.Conn) error {
		if err := query.Exec(ctx, conn, "checkpoint", ddl.Checkpoint); err != nil {
			e.deps.Logger.WarnContext(ctx, "checkpoint failed", slog.Any("error", err))
		}
		// Older engine builds lack shrink_memory.
		if err := query.Exec(ctx, conn, "shrink memory", ddl.ShrinkMemory); err != nil {
			e.deps.Logger.DebugContext(ctx, "shrink memory unavailable", slog.Any("error", err))
		}
		return nil
	})
	if err != nil {
		e.deps.Logger.WarnContext(ctx, "memory reclamation skipped engine statements", slog.Any("error", err))
	}
	debug.FreeOSMemory()

	report.AfterMB = e.readMemory(ctx)
	observability.IncrementMemoryReclaim()
	if report.AfterMB != nil {
		observability.SetProcessMemory(*report.AfterMB)
	}
	e.deps.Logger.InfoContext(ctx, "memory reclaimed", slog.Int("idle_closed", report.IdleClosed))
	return report, nil
}

// MemoryUsage is false when no reading is available.
func (e *Engine) MemoryUsage(ctx context.Context) (float64, bool) {
	if e.deps.Memory == nil {
		return 0, false
	}
	return e.deps.Memory.UsageMB(ctx)
}

func (e *Engine) readMemory(ctx context.Context) *float64 {
	usage, ok := e.MemoryUsage(ctx)
	if !ok {
		return nil
	}
	return &usage
}
