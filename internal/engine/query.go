package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loqe/loqe/internal/guardrail"
	"github.com/loqe/loqe/internal/observability"
	"github.com/loqe/loqe/internal/query"
	"github.com/loqe/loqe/internal/state"
)

var ErrTimeout = errors.New("engine: query timed out")

// MaterializeBatchSize is the number of rows converted between scheduler yields.
const MaterializeBatchSize = 1000

type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query exceeded the configured timeout of %s; add a LIMIT or filter, or raise query_timeout_seconds", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Query runs sql under the current guardrail settings and records it in the
// query history.
func (e *Engine) Query(ctx context.Context, sql string) (query.Result, error) {
	start := e.deps.Clock()
	result, err := e.runQuery(ctx, sql)
	elapsed := e.deps.Clock().Sub(start)
	if err == nil {
		result.ExecutionTime = elapsed
	}

	observability.ObserveQuery(queryStatus(err), elapsed)
	e.recordHistory(ctx, sql, start, elapsed, result, err)
	return result, err
}

func (e *Engine) runQuery(ctx context.Context, sql string) (query.Result, error) {
	if strings.TrimSpace(sql) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if err := e.ensureInitialized(ctx); err != nil {
		return query.Result{}, err
	}
	settings := e.deps.Settings.Current()

	var warnings []string
	if e.deps.Memory != nil {
		if usage, ok := e.deps.Memory.UsageMB(ctx); ok {
			observability.SetProcessMemory(usage)
			if err := guardrail.CheckMemory(usage, settings); err != nil {
				if errors.Is(err, guardrail.ErrMemoryBlocked) {
					observability.IncrementGuardrailRejection("memory")
					return query.Result{}, err
				}
				e.deps.Logger.WarnContext(ctx, "memory warning threshold reached", slog.Any("error", err))
				warnings = append(warnings, err.Error())
			}
		}
	}

	c, err := e.components()
	if err != nil {
		return query.Result{}, err
	}
	opts := query.QueryOptions{RowLimit: func(columns []query.Column) int {
		return guardrail.RowsToRetain(len(columns), settings)
	}}
	table, err := e.execute(ctx, c, sql, opts, settings.QueryTimeout())
	if err != nil {
		return query.Result{}, err
	}

	columns := table.Columns()
	total := table.NumRows()
	rowsToRead := guardrail.RowsToRead(total, settings.MaxResultRows)
	if err := guardrail.CheckResultSize(rowsToRead, len(columns), settings); err != nil {
		observability.IncrementGuardrailRejection("result_size")
		return query.Result{}, err
	}
	rowsToRead = min(rowsToRead, table.Retained())

	rows, err := materialize(ctx, table, rowsToRead)
	if err != nil {
		return query.Result{}, err
	}
	return query.Result{
		Columns:       columns,
		Rows:          rows,
		RowCount:      rowsToRead,
		TotalRowCount: total,
		Truncated:     total > rowsToRead,
		Warnings:      warnings,
	}, nil
}

type outcome struct {
	table query.Table
	err   error
}

// execute runs sql on a pooled connection, retaining rows as opts allows. When timeout elapses first the
// statement's context is cancelled and the caller gets a *TimeoutError; the
// connection returns to the pool once the statement has stopped.
func (e *Engine) execute(ctx context.Context, c components, sql string, opts query.QueryOptions, timeout time.Duration) (query.Table, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		defer c.pool.Release(conn)
		table, err := query.RunBounded(runCtx, conn.Conn, "query", sql, opts)
		done <- outcome{table: table, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-done:
		return out.table, out.err
	case <-expired:
		observability.IncrementGuardrailRejection("timeout")
		return nil, &TimeoutError{Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// materialize converts the first n rows, yielding to the scheduler between
// batches.
func materialize(ctx context.Context, table query.Table, n int) ([][]query.Cell, error) {
	rows := make([][]query.Cell, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 && i%MaterializeBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runtime.Gosched()
		}
		rows = append(rows, table.Row(i))
	}
	return rows, nil
}

func (e *Engine) recordHistory(ctx context.Context, sql string, start time.Time, elapsed time.Duration, result query.Result, queryErr error) {
	if e.deps.Store == nil {
		return
	}
	entry := state.HistoryEntry{
		ID:         uuid.NewString(),
		SQL:        sql,
		ExecutedAt: start.UTC(),
		DurationMs: elapsed.Milliseconds(),
		RowCount:   result.RowCount,
	}
	if queryErr != nil {
		entry.Error = queryErr.Error()
	}
	if err := e.deps.Store.AppendHistory(context.WithoutCancel(ctx), entry); err != nil {
		e.deps.Logger.WarnContext(ctx, "append query history failed", slog.Any("error", err))
	}
}

// History lists recorded queries, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]state.HistoryEntry, error) {
	if e.deps.Store == nil {
		return []state.HistoryEntry{}, nil
	}
	entries, err := e.deps.Store.ListHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list query history: %w", err)
	}
	return entries, nil
}

func queryStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, guardrail.ErrMemoryBlocked), errors.Is(err, guardrail.ErrResultTooLarge):
		return "rejected"
	default:
		return "error"
	}
}
