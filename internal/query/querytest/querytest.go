// Package querytest provides a scriptable in-memory engine for tests.
package querytest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/loqe/loqe/internal/query"
)

type ExecFunc func(ctx context.Context, statement string) error

type QueryFunc func(ctx context.Context, statement string) (query.Table, error)

type Driver struct {
	mu        sync.Mutex
	OpenErr   error
	Exec      ExecFunc
	Query     QueryFunc
	opened    []*Database
	lastOpts  query.OpenOptions
	openCalls int
}

func (d *Driver) Open(_ context.Context, opts query.OpenOptions) (query.Database, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCalls++
	d.lastOpts = opts
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	db := NewDatabase()
	db.Exec = d.Exec
	db.Query = d.Query
	d.opened = append(d.opened, db)
	return db, nil
}

func (d *Driver) OpenCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCalls
}

func (d *Driver) LastOptions() query.OpenOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOpts
}

func (d *Driver) Last() *Database {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.opened) == 0 {
		return nil
	}
	return d.opened[len(d.opened)-1]
}

type Database struct {
	Exec       ExecFunc
	Query      QueryFunc
	ConnectErr error
	CloseErr   error

	mu         sync.Mutex
	statements []string
	limits     []int
	conns      []*Conn
	closed     bool
}

func NewDatabase() *Database {
	return &Database{}
}

func (d *Database) Connect(context.Context) (query.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	if d.closed {
		return nil, errors.New("database closed")
	}
	conn := &Conn{ID: len(d.conns) + 1, db: d}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.CloseErr
}

func (d *Database) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Database) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *Database) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Statements returns every statement issued on any connection, in order.
func (d *Database) Statements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.statements...)
}

// Count returns how many issued statements start with prefix.
func (d *Database) Count(prefix string) int {
	count := 0
	for _, statement := range d.Statements() {
		if strings.HasPrefix(statement, prefix) {
			count++
		}
	}
	return count
}

// RowLimits returns the row limit applied to each query, in order.
func (d *Database) RowLimits() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.limits...)
}

func (d *Database) recordLimit(keep int) {
	d.mu.Lock()
	d.limits = append(d.limits, keep)
	d.mu.Unlock()
}

func (d *Database) record(statement string) {
	d.mu.Lock()
	d.statements = append(d.statements, statement)
	d.mu.Unlock()
}

type Conn struct {
	ID       int
	CloseErr error

	db     *Database
	mu     sync.Mutex
	closed bool
}

func (c *Conn) Exec(ctx context.Context, statement string) error {
	c.db.record(statement)
	if c.db.Exec != nil {
		return c.db.Exec(ctx, statement)
	}
	return nil
}

// Query runs the scripted QueryFunc. A positive opts limit bounds the
// returned table, and reading a row past it panics.
func (c *Conn) Query(ctx context.Context, statement string, opts query.QueryOptions) (query.Table, error) {
	c.db.record(statement)
	var table query.Table = NewTable(nil, nil)
	if c.db.Query != nil {
		var err error
		if table, err = c.db.Query(ctx, statement); err != nil || table == nil {
			return table, err
		}
	}
	keep := opts.Limit(table.Columns())
	c.db.recordLimit(keep)
	if keep <= 0 || keep >= table.NumRows() {
		return table, nil
	}
	return &boundedTable{Table: table, keep: keep}, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.CloseErr
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type Table struct {
	columns []query.Column
	rows    [][]any
}

// NewTable builds a table whose columns are all typed VARCHAR.
func NewTable(columns []string, rows [][]any) *Table {
	cols := make([]query.Column, 0, len(columns))
	for _, name := range columns {
		cols = append(cols, query.Column{Name: name, Type: "VARCHAR"})
	}
	return &Table{columns: cols, rows: rows}
}

// Rows builds a single-column table with n rows numbered from zero.
func Rows(n int) *Table {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	return &Table{columns: []query.Column{{Name: "n", Type: "BIGINT"}}, rows: rows}
}

func (t *Table) Columns() []query.Column { return t.columns }

func (t *Table) NumRows() int { return len(t.rows) }

func (t *Table) Retained() int { return len(t.rows) }

type boundedTable struct {
	query.Table
	keep int
}

func (t *boundedTable) Retained() int { return t.keep }

func (t *boundedTable) Row(i int) []query.Cell {
	if i >= t.keep {
		panic(fmt.Sprintf("querytest: row %d read past the %d retained rows", i, t.keep))
	}
	return t.Table.Row(i)
}

func (t *Table) Row(i int) []query.Cell {
	raw := t.rows[i]
	cells := make([]query.Cell, len(raw))
	for j, value := range raw {
		cells[j] = toCell(value)
	}
	return cells
}

func toCell(value any) query.Cell {
	switch typed := value.(type) {
	case nil:
		return query.Null()
	case int:
		return query.Int(int64(typed))
	case int64:
		return query.Int(typed)
	case float64:
		return query.Float(typed)
	case string:
		return query.String(typed)
	case bool:
		return query.Bool(typed)
	case []byte:
		return query.Binary(typed)
	default:
		return query.String(fmt.Sprint(typed))
	}
}
