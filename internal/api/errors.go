package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/loqe/loqe/internal/catalog"
	"github.com/loqe/loqe/internal/engine"
	"github.com/loqe/loqe/internal/guardrail"
	"github.com/loqe/loqe/internal/pool"
	"github.com/loqe/loqe/internal/query"
)

// writeEngineError maps engine, guardrail and catalog failures onto the error envelope.
func writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		timeoutErr *engine.TimeoutError
		memoryErr  *guardrail.MemoryError
		sizeErr    *guardrail.ResultSizeError
		catalogErr *catalog.Error
	)
	switch {
	case errors.As(err, &timeoutErr):
		writeError(ctx, w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", err.Error(), true, map[string]any{
			"timeout_seconds": timeoutErr.Timeout.Seconds(),
		})
	case errors.As(err, &memoryErr) && memoryErr.Blocking:
		writeError(ctx, w, http.StatusInsufficientStorage, "MEMORY_LIMIT", err.Error(), true, map[string]any{
			"usage_mb":     memoryErr.UsageMB,
			"threshold_mb": memoryErr.ThresholdMB,
		})
	case errors.As(err, &sizeErr):
		writeError(ctx, w, http.StatusUnprocessableEntity, "RESULT_TOO_LARGE", err.Error(), false, map[string]any{
			"rows":        sizeErr.Rows,
			"columns":     sizeErr.Columns,
			"estimate_mb": sizeErr.EstimateMB,
			"limit_mb":    sizeErr.LimitMB,
		})
	case errors.As(err, &catalogErr):
		code := "CATALOG_" + strings.ToUpper(catalogErr.Op) + "_FAILED"
		writeError(ctx, w, http.StatusBadGateway, code, err.Error(), true, map[string]any{"catalog": catalogErr.Catalog})
	case errors.Is(err, engine.ErrNotInitialized), errors.Is(err, engine.ErrDestroyed), errors.Is(err, pool.ErrDisposed):
		writeError(ctx, w, http.StatusServiceUnavailable, "ENGINE_NOT_READY", err.Error(), true, nil)
	case errors.Is(err, query.ErrStatementFailed):
		writeError(ctx, w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", err.Error(), false, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusRequestTimeout, "REQUEST_CANCELLED", err.Error(), true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", err.Error(), true, nil)
	}
}
