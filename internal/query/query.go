package query

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrStatementFailed = errors.New("query: engine statement failed")

// Bundle describes the engine runtime selected for the host.
type Bundle struct {
	Name    string
	BaseURL string
	Threads int
}

type OpenOptions struct {
	Bundle Bundle
	// Path is the database location; empty opens an in-memory database.
	Path string
}

type Driver interface {
	Open(ctx context.Context, opts OpenOptions) (Database, error)
}

type Database interface {
	Connect(ctx context.Context) (Conn, error)
	Close() error
}

// Conn executes one statement at a time.
type Conn interface {
	Exec(ctx context.Context, statement string) error
	Query(ctx context.Context, statement string, opts QueryOptions) (Table, error)
	Close() error
}

// QueryOptions bounds how much of a result a Conn holds in memory.
type QueryOptions struct {
	// RowLimit is called once the result columns are known and returns how
	// many rows to retain. Rows past it are counted but never read. A nil
	// func or a result <= 0 retains every row.
	RowLimit func(columns []Column) int
}

// Limit evaluates RowLimit for columns.
func (o QueryOptions) Limit(columns []Column) int {
	if o.RowLimit == nil {
		return 0
	}
	return o.RowLimit(columns)
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is a fully produced engine result. NumRows counts every row the
// statement produced; only the first Retained rows are held, and Row(i) is
// valid for i < Retained(). Rows are converted to cells on demand.
type Table interface {
	Columns() []Column
	NumRows() int
	Retained() int
	Row(i int) []Cell
}

type Result struct {
	Columns       []Column      `json:"columns"`
	Rows          [][]Cell      `json:"rows"`
	RowCount      int           `json:"row_count"`
	TotalRowCount int           `json:"total_row_count"`
	Truncated     bool          `json:"truncated"`
	ExecutionTime time.Duration `json:"execution_time_ns"`
	Warnings      []string      `json:"warnings,omitempty"`
}

func (r Result) ColumnNames() []string {
	names := make([]string, 0, len(r.Columns))
	for _, column := range r.Columns {
		names = append(names, column.Name)
	}
	return names
}

type StatementError struct {
	Op  string
	Err error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

func (e *StatementError) Is(target error) bool { return target == ErrStatementFailed }

// Exec runs statement on conn and wraps a failure with the originating operation.
func Exec(ctx context.Context, conn Conn, op, statement string) error {
	if err := conn.Exec(ctx, statement); err != nil {
		return &StatementError{Op: op, Err: err}
	}
	return nil
}

// Run queries statement retaining every row.
func Run(ctx context.Context, conn Conn, op, statement string) (Table, error) {
	return RunBounded(ctx, conn, op, statement, QueryOptions{})
}

// RunBounded queries statement under opts and wraps a failure with the
// originating operation.
func RunBounded(ctx context.Context, conn Conn, op, statement string, opts QueryOptions) (Table, error) {
	table, err := conn.Query(ctx, statement, opts)
	if err != nil {
		return nil, &StatementError{Op: op, Err: err}
	}
	return table, nil
}
