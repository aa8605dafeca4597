package guardrail

import (
	"errors"
	"fmt"
)

var (
	ErrMemoryBlocked  = errors.New("guardrail: memory limit reached")
	ErrMemoryWarning  = errors.New("guardrail: memory warning threshold reached")
	ErrResultTooLarge = errors.New("guardrail: result too large")
)

// BytesPerCell is the fixed per-cell estimate used to size results before
// they are materialized.
const BytesPerCell = 64

type MemoryError struct {
	UsageMB     float64
	ThresholdMB int
	Blocking    bool
}

func (e *MemoryError) Error() string {
	if e.Blocking {
		return fmt.Sprintf("memory usage %.0f MB is at or above the %d MB limit; free memory, reduce result sizes, or raise memory_limit_mb",
			e.UsageMB, e.ThresholdMB)
	}
	return fmt.Sprintf("memory usage %.0f MB is at or above the %d MB warning threshold; consider freeing memory",
		e.UsageMB, e.ThresholdMB)
}

func (e *MemoryError) Is(target error) bool {
	if e.Blocking {
		return target == ErrMemoryBlocked
	}
	return target == ErrMemoryWarning
}

// CheckMemory returns a blocking *MemoryError at or above the limit, an
// advisory one at or above the warning threshold, and nil otherwise.
func CheckMemory(usageMB float64, s Settings) error {
	if s.MemoryLimitMB > 0 && usageMB >= float64(s.MemoryLimitMB) {
		return &MemoryError{UsageMB: usageMB, ThresholdMB: s.MemoryLimitMB, Blocking: true}
	}
	if s.MemoryWarningMB > 0 && usageMB >= float64(s.MemoryWarningMB) {
		return &MemoryError{UsageMB: usageMB, ThresholdMB: s.MemoryWarningMB}
	}
	return nil
}

type ResultSizeError struct {
	Rows       int
	Columns    int
	EstimateMB float64
	LimitMB    int
}

func (e *ResultSizeError) Error() string {
	return fmt.Sprintf("estimated result size %.1f MB (%d rows x %d columns) exceeds the %d MB limit; add a LIMIT clause, select fewer columns, or raise max_result_size_mb",
		e.EstimateMB, e.Rows, e.Columns, e.LimitMB)
}

func (e *ResultSizeError) Is(target error) bool { return target == ErrResultTooLarge }

// EstimateMB sizes a result of rows x columns cells.
func EstimateMB(rows, columns int) float64 {
	return float64(rows) * float64(columns) * BytesPerCell / bytesPerMB
}

// CheckResultSize is disabled when MaxResultSizeMB is zero.
func CheckResultSize(rows, columns int, s Settings) error {
	if s.MaxResultSizeMB <= 0 {
		return nil
	}
	estimate := EstimateMB(rows, columns)
	if estimate > float64(s.MaxResultSizeMB) {
		return &ResultSizeError{Rows: rows, Columns: columns, EstimateMB: estimate, LimitMB: s.MaxResultSizeMB}
	}
	return nil
}

// RowsToRead caps total at maxRows; maxRows <= 0 disables the cap.
func RowsToRead(total, maxRows int) int {
	if maxRows > 0 && total > maxRows {
		return maxRows
	}
	return total
}

// RowsToRetain is the number of rows worth holding for a result with the
// given column count: enough to fill MaxResultRows and one past what fits in
// MaxResultSizeMB. Zero means every row.
func RowsToRetain(columns int, s Settings) int {
	keep := 0
	if s.MaxResultRows > 0 {
		keep = s.MaxResultRows
	}
	if s.MaxResultSizeMB > 0 && columns > 0 {
		fit := int(float64(s.MaxResultSizeMB)*bytesPerMB/(float64(columns)*BytesPerCell)) + 1
		if keep == 0 || fit < keep {
			keep = fit
		}
	}
	return keep
}
