// Package schema describes the target database to the model: live table and
// column listings plus curated definition documents.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/querychat/querychat/internal/database"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]{0,62}$`)

// ConnSource hands out pooled connections. *database.Pool satisfies it.
type ConnSource interface {
	Acquire(ctx context.Context) (*sql.Conn, error)
	Release(conn *sql.Conn)
}

type Column struct {
	Name string
	Type string
}

type Table struct {
	Name    string
	Columns []Column
}

type Introspector struct {
	conns  ConnSource
	schema string
	logger *slog.Logger
}

func NewIntrospector(conns ConnSource, schemaName string, logger *slog.Logger) *Introspector {
	if schemaName == "" {
		schemaName = "public"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspector{conns: conns, schema: schemaName, logger: logger}
}

// Tables lists base tables with their columns in the order the catalog
// returns them. Nothing is cached.
func (i *Introspector) Tables(ctx context.Context) ([]Table, error) {
	conn, err := i.conns.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer i.conns.Release(conn)

	names, err := i.listTables(ctx, conn)
	if err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		columns, err := i.listColumns(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, Table{Name: name, Columns: columns})
	}
	return tables, nil
}

// Describe renders the schema in the plain-text layout embedded in the tool
// description. An empty schema renders as "".
//
// An unreachable database describes as an empty schema so the turn can still
// reach the executor, which reports the outage on its own.
func (i *Introspector) Describe(ctx context.Context) (string, error) {
	tables, err := i.Tables(ctx)
	if errors.Is(err, database.ErrPoolUnavailable) {
		i.logger.WarnContext(ctx, "describing empty schema; database unavailable", slog.Any("error", err))
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return Render(tables), nil
}

func Render(tables []Table) string {
	var b strings.Builder
	for _, table := range tables {
		fmt.Fprintf(&b, "Table information for %s\n", table.Name)
		for _, column := range table.Columns {
			fmt.Fprintf(&b, "Column name: %s, type: %s\n", column.Name, column.Type)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (i *Introspector) listTables(ctx context.Context, conn *sql.Conn) ([]string, error) {
	rows, err := conn.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`, i.schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if !identifierPattern.MatchString(name) {
			i.logger.WarnContext(ctx, "skipping table with unsupported identifier", slog.String("table", name))
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return names, nil
}

func (i *Introspector) listColumns(ctx context.Context, conn *sql.Conn, table string) ([]Column, error) {
	rows, err := conn.QueryContext(ctx, `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, i.schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns for %s: %w", table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var column Column
		if err := rows.Scan(&column.Name, &column.Type); err != nil {
			return nil, fmt.Errorf("scan column for %s: %w", table, err)
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns for %s: %w", table, err)
	}
	return columns, nil
}
