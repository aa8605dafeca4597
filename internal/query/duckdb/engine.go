package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb/v2"

	"github.com/loqe/loqe/internal/query"
)

type Driver struct{}

func NewDriver() *Driver {
	return &Driver{}
}

func (d *Driver) Open(ctx context.Context, opts query.OpenOptions) (query.Database, error) {
	db, err := sql.Open("duckdb", buildDSN(opts))
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &Database{db: db}, nil
}

func buildDSN(opts query.OpenOptions) string {
	params := url.Values{}
	if opts.Bundle.Threads > 0 {
		params.Set("threads", strconv.Itoa(opts.Bundle.Threads))
	}
	dsn := strings.TrimSpace(opts.Path)
	if len(params) == 0 {
		return dsn
	}
	return dsn + "?" + params.Encode()
}

type Database struct {
	db *sql.DB
}

func (d *Database) Connect(ctx context.Context) (query.Conn, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open duckdb connection: %w", err)
	}
	return &Conn{conn: conn}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

type Conn struct {
	conn *sql.Conn
}

func (c *Conn) Exec(ctx context.Context, statement string) error {
	_, err := c.conn.ExecContext(ctx, stripTrailingSemicolons(statement))
	return err
}

// Query streams the result, scanning at most opts.Limit rows. The rest are
// only counted, so a capped result never holds more than the cap.
func (c *Conn) Query(ctx context.Context, statement string, opts query.QueryOptions) (query.Table, error) {
	sqlText := stripTrailingSemicolons(statement)
	if sqlText == "" {
		return nil, fmt.Errorf("sql is required")
	}

	rows, err := c.conn.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	columns := make([]query.Column, len(columnTypes))
	for i, columnType := range columnTypes {
		columns[i] = query.Column{Name: columnType.Name(), Type: columnType.DatabaseTypeName()}
	}
	keep := opts.Limit(columns)

	table := &Table{columns: columns, rows: make([][]any, 0)}
	for rows.Next() {
		table.total++
		if keep > 0 && len(table.rows) >= keep {
			continue
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		table.rows = append(table.rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return table, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Table keeps driver values as scanned; conversion to cells happens per row.
type Table struct {
	columns []query.Column
	rows    [][]any
	total   int
}

func (t *Table) Columns() []query.Column { return t.columns }

func (t *Table) NumRows() int { return t.total }

func (t *Table) Retained() int { return len(t.rows) }

func (t *Table) Row(i int) []query.Cell {
	raw := t.rows[i]
	cells := make([]query.Cell, len(raw))
	for j, value := range raw {
		cells[j] = columnCell(t.columns[j].Type, value)
	}
	return cells
}

// columnCell converts values whose cell depends on the declared column type.
// UUIDs arrive as 16 raw bytes and are rendered in canonical text form.
func columnCell(columnType string, value any) query.Cell {
	if columnType == "UUID" {
		if raw, ok := value.([]byte); ok {
			if id, err := uuid.FromBytes(raw); err == nil {
				return query.String(id.String())
			}
		}
	}
	return toCell(value)
}

func toCell(value any) query.Cell {
	switch typed := value.(type) {
	case nil:
		return query.Null()
	case int8:
		return query.Int(int64(typed))
	case int16:
		return query.Int(int64(typed))
	case int32:
		return query.Int(int64(typed))
	case int64:
		return query.Int(typed)
	case int:
		return query.Int(int64(typed))
	case uint8:
		return query.Int(int64(typed))
	case uint16:
		return query.Int(int64(typed))
	case uint32:
		return query.Int(int64(typed))
	case uint64:
		if typed > math.MaxInt64 {
			return query.Float(float64(typed))
		}
		return query.Int(int64(typed))
	case float32:
		return query.Float(float64(typed))
	case float64:
		return query.Float(typed)
	case *big.Int:
		if typed.IsInt64() {
			return query.Int(typed.Int64())
		}
		return query.String(typed.String())
	case duckdb.Decimal:
		return query.Float(decimalToFloat(typed))
	case duckdb.UUID:
		return query.String(uuid.UUID(typed).String())
	case *duckdb.UUID:
		return query.String(uuid.UUID(*typed).String())
	case duckdb.Interval:
		return query.String(formatInterval(typed))
	case string:
		return query.String(typed)
	case bool:
		return query.Bool(typed)
	case []byte:
		return query.Binary(typed)
	case time.Time:
		return query.String(typed.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return query.String(typed.String())
	}
	return nestedCell(reflect.ValueOf(value))
}

func nestedCell(v reflect.Value) query.Cell {
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]query.Cell, v.Len())
		for i := range items {
			items[i] = toCell(v.Index(i).Interface())
		}
		return query.List(items)
	case reflect.Map:
		fields := make(map[string]query.Cell, v.Len())
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface()) })
		for _, key := range keys {
			fields[fmt.Sprint(key.Interface())] = toCell(v.MapIndex(key).Interface())
		}
		return query.Struct(fields)
	default:
		return query.String(fmt.Sprint(v.Interface()))
	}
}

func decimalToFloat(d duckdb.Decimal) float64 {
	if d.Value == nil {
		return 0
	}
	value := new(big.Float).SetInt(d.Value)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Scale)), nil))
	out, _ := new(big.Float).Quo(value, scale).Float64()
	return out
}

func formatInterval(i duckdb.Interval) string {
	return fmt.Sprintf("%d months %d days %d microseconds", i.Months, i.Days, i.Micros)
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
