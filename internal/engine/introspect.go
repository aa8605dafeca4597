package engine

import (
	"context"
	"log/slog"

	"github.com/loqe/loqe/internal/ddl"
	"github.com/loqe/loqe/internal/query"
)

type TableInfo struct {
	Catalog string `json:"catalog"`
	Schema  string `json:"schema"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
}

// ListTables lists user tables and views across attached databases.
func (e *Engine) ListTables(ctx context.Context) ([]TableInfo, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	c, err := e.components()
	if err != nil {
		return nil, err
	}
	var out []TableInfo
	err = c.pool.With(ctx, func(conn query.Conn) error {
		table, err := query.Run(ctx, conn, "list tables", ddl.ListTables)
		if err != nil {
			return err
		}
		out = make([]TableInfo, 0, table.NumRows())
		for i := 0; i < table.NumRows(); i++ {
			row := table.Row(i)
			if len(row) < 4 {
				continue
			}
			out = append(out, TableInfo{
				Catalog: row[0].Text(),
				Schema:  row[1].Text(),
				Name:    row[2].Text(),
				Kind:    row[3].Text(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListColumns describes a table for SQL completion, falling back to
// information_schema when DESCRIBE fails.
func (e *Engine) ListColumns(ctx context.Context, table string) ([]query.Column, error) {
	ref, err := ddl.ParseTableRef(table)
	if err != nil {
		return nil, err
	}
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	c, err := e.components()
	if err != nil {
		return nil, err
	}
	var out []query.Column
	err = c.pool.With(ctx, func(conn query.Conn) error {
		result, err := query.Run(ctx, conn, "describe table", ddl.DescribeTable(ref))
		if err != nil {
			e.deps.Logger.DebugContext(ctx, "describe failed, using information_schema", slog.String("table", table), slog.Any("error", err))
			result, err = query.Run(ctx, conn, "list columns", ddl.ListColumns(ref))
			if err != nil {
				return err
			}
		}
		out = make([]query.Column, 0, result.NumRows())
		for i := 0; i < result.NumRows(); i++ {
			row := result.Row(i)
			if len(row) < 2 {
				continue
			}
			out = append(out, query.Column{Name: row[0].Text(), Type: row[1].Text()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
