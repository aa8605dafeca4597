// Package maintenance runs the periodic housekeeping for a live engine:
// idle connection reclamation, pool and memory gauges, and memory relief
// once usage crosses the warning threshold.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqe/loqe/internal/engine"
	"github.com/loqe/loqe/internal/observability"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultIdleTimeout = 5 * time.Minute
)

// Engines hands out the live engine without ever creating one.
type Engines interface {
	Existing() (*engine.Engine, bool)
	Release(e *engine.Engine)
}

type Config struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

type Service struct {
	Engines  Engines
	Settings engine.SettingsProvider
	Config   Config
	Logger   *slog.Logger
}

type Summary struct {
	EngineLive    bool     `json:"engine_live"`
	IdleClosed    int      `json:"idle_closed"`
	MemoryMB      *float64 `json:"memory_mb,omitempty"`
	MemoryRelief  bool     `json:"memory_relief"`
	ReliefClosed  int      `json:"relief_closed,omitempty"`
	ReliefAfterMB *float64 `json:"relief_after_mb,omitempty"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary := s.RunOnce(ctx)
			if summary.IdleClosed > 0 || summary.MemoryRelief {
				s.Logger.InfoContext(ctx, "maintenance cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

// RunOnce performs a single maintenance cycle. It is a no-op when no engine is live.
func (s *Service) RunOnce(ctx context.Context) Summary {
	s.ensureDefaults()

	e, ok := s.Engines.Existing()
	if !ok {
		observeRun("idle")
		return Summary{}
	}
	defer s.Engines.Release(e)

	summary := Summary{EngineLive: true}
	summary.IdleClosed = e.ReapIdle(s.Config.IdleTimeout)
	if summary.IdleClosed > 0 {
		idleConnectionsReaped.Add(float64(summary.IdleClosed))
	}

	if stats, ok := e.PoolStats(); ok {
		observability.SetPoolMetrics(stats.Size, stats.Active, stats.Available, stats.Queued, stats.Max)
	}

	usage, ok := e.MemoryUsage(ctx)
	if !ok {
		observeRun("ok")
		return summary
	}
	summary.MemoryMB = &usage
	observability.SetProcessMemory(usage)

	// A zero warning threshold disables relief.
	warningMB := 0
	if s.Settings != nil {
		warningMB = s.Settings.Current().MemoryWarningMB
	}
	if warningMB <= 0 || usage < float64(warningMB) {
		observeRun("ok")
		return summary
	}

	s.Logger.WarnContext(ctx, "memory above warning threshold, reclaiming",
		slog.Float64("usage_mb", usage),
		slog.Int("warning_mb", warningMB),
	)
	report, err := e.FreeMemory(ctx)
	if err != nil {
		s.Logger.ErrorContext(ctx, "memory reclamation failed", slog.Any("error", err))
		observeRun("error")
		return summary
	}
	summary.MemoryRelief = true
	summary.ReliefClosed = report.IdleClosed
	summary.ReliefAfterMB = report.AfterMB
	observeRun("relief")
	return summary
}

func (s *Service) ensureDefaults() {
	if s.Config.Interval <= 0 {
		s.Config.Interval = DefaultInterval
	}
	if s.Config.IdleTimeout <= 0 {
		s.Config.IdleTimeout = DefaultIdleTimeout
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
}
