package duckdb

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/loqe/loqe/internal/query"
)

type row struct {
	ID    int64  `parquet:"id"`
	Value string `parquet:"value"`
}

func TestQueryReadsParquetFile(t *testing.T) {
	parquetBytes, err := buildParquet([]row{{ID: 1, Value: "a"}, {ID: 2, Value: "b"}})
	if err != nil {
		t.Fatalf("buildParquet() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "events.parquet")
	if err := os.WriteFile(path, parquetBytes, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	conn := openConn(t)
	table, err := conn.Query(context.Background(), "SELECT COUNT(*) AS c, MAX(value) AS v FROM read_parquet('"+path+"');", query.QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if table.NumRows() != 1 {
		t.Fatalf("NumRows() = %d", table.NumRows())
	}
	cols := table.Columns()
	if len(cols) != 2 || cols[0].Name != "c" || cols[1].Name != "v" {
		t.Fatalf("Columns() = %+v", cols)
	}
	cells := table.Row(0)
	if cells[0].Kind != query.KindInteger || cells[0].Int != 2 {
		t.Fatalf("count cell = %+v", cells[0])
	}
	if cells[1].Kind != query.KindString || cells[1].Str != "b" {
		t.Fatalf("max cell = %+v", cells[1])
	}
}

func TestQueryConvertsCellVariants(t *testing.T) {
	conn := openConn(t)
	table, err := conn.Query(context.Background(), `SELECT NULL AS n, 1.5::DOUBLE AS f, true AS b, 'x' AS s, [1, 2] AS l, {'a': 1} AS st, 1.25::DECIMAL(10, 2) AS d`, query.QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	cells := table.Row(0)
	if !cells[0].IsNull() {
		t.Fatalf("null cell = %+v", cells[0])
	}
	if cells[1].Kind != query.KindFloat || cells[1].Float != 1.5 {
		t.Fatalf("float cell = %+v", cells[1])
	}
	if cells[2].Kind != query.KindBoolean || !cells[2].Bool {
		t.Fatalf("bool cell = %+v", cells[2])
	}
	if cells[3].Str != "x" {
		t.Fatalf("string cell = %+v", cells[3])
	}
	list, ok := cells[4].Nested.([]query.Cell)
	if cells[4].Kind != query.KindNested || !ok || len(list) != 2 || list[1].Int != 2 {
		t.Fatalf("list cell = %+v", cells[4])
	}
	fields, ok := cells[5].Nested.(map[string]query.Cell)
	if !ok || fields["a"].Int != 1 {
		t.Fatalf("struct cell = %+v", cells[5])
	}
	if cells[6].Kind != query.KindFloat || cells[6].Float != 1.25 {
		t.Fatalf("decimal cell = %+v", cells[6])
	}
}

func TestQueryConvertsEngineSpecificTypes(t *testing.T) {
	conn := openConn(t)
	table, err := conn.Query(context.Background(), `SELECT
		'550e8400-e29b-41d4-a716-446655440000'::UUID AS id,
		INTERVAL 1 DAY AS span,
		170141183460469231731687303715884105727::HUGEINT AS huge,
		42::HUGEINT AS small,
		MAP {'k': 1} AS m,
		TIMESTAMP '2024-01-02 03:04:05' AS ts,
		18446744073709551615::UBIGINT AS big`, query.QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	cells := table.Row(0)
	if cells[0].Kind != query.KindString || cells[0].Str != "550e8400-e29b-41d4-a716-446655440000" {
		t.Fatalf("uuid cell = %+v", cells[0])
	}
	if cells[1].Kind != query.KindString || !strings.Contains(cells[1].Str, "1 days") {
		t.Fatalf("interval cell = %+v", cells[1])
	}
	if cells[2].Kind != query.KindString || cells[2].Str != "170141183460469231731687303715884105727" {
		t.Fatalf("hugeint cell = %+v", cells[2])
	}
	if cells[3].Kind != query.KindInteger || cells[3].Int != 42 {
		t.Fatalf("small hugeint cell = %+v", cells[3])
	}
	fields, ok := cells[4].Nested.(map[string]query.Cell)
	if cells[4].Kind != query.KindNested || !ok || fields["k"].Int != 1 {
		t.Fatalf("map cell = %+v", cells[4])
	}
	if cells[5].Kind != query.KindString || !strings.HasPrefix(cells[5].Str, "2024-01-02T03:04:05") {
		t.Fatalf("timestamp cell = %+v", cells[5])
	}
	if cells[6].Kind != query.KindFloat || cells[6].Float != float64(uint64(18446744073709551615)) {
		t.Fatalf("ubigint cell = %+v", cells[6])
	}
}

func TestQueryCountsRowsPastLimitWithoutRetainingThem(t *testing.T) {
	conn := openConn(t)
	opts := query.QueryOptions{RowLimit: func([]query.Column) int { return 10 }}
	table, err := conn.Query(context.Background(), "SELECT range AS n FROM range(2000000)", opts)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if table.NumRows() != 2000000 || table.Retained() != 10 {
		t.Fatalf("NumRows() = %d, Retained() = %d", table.NumRows(), table.Retained())
	}
	if got := table.Row(9)[0]; got.Kind != query.KindInteger || got.Int != 9 {
		t.Fatalf("last retained cell = %+v", got)
	}
}

func TestExecReportsEngineErrors(t *testing.T) {
	conn := openConn(t)
	if err := conn.Exec(context.Background(), "DETACH DATABASE IF EXISTS \"missing\""); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if err := conn.Exec(context.Background(), "SELEKT 1"); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestBuildDSN(t *testing.T) {
	if got := buildDSN(query.OpenOptions{}); got != "" {
		t.Fatalf("buildDSN() = %q", got)
	}
	got := buildDSN(query.OpenOptions{Path: "/tmp/x.db", Bundle: query.Bundle{Threads: 2}})
	if got != "/tmp/x.db?threads=2" {
		t.Fatalf("buildDSN() = %q", got)
	}
}

func TestStripTrailingSemicolons(t *testing.T) {
	if got := stripTrailingSemicolons(" SELECT 1 ;; "); got != "SELECT 1" {
		t.Fatalf("stripTrailingSemicolons() = %q", got)
	}
}

func openConn(t *testing.T) query.Conn {
	t.Helper()
	db, err := NewDriver().Open(context.Background(), query.OpenOptions{Bundle: query.Bundle{Threads: 1}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	conn, err := db.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func buildParquet(rows []row) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[row](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
