// Package sqlexec runs model-generated SQL and serializes the result rows.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/querychat/querychat/internal/observability"
)

type ConnSource interface {
	Acquire(ctx context.Context) (*sql.Conn, error)
	Release(conn *sql.Conn)
}

// Result is the outcome of one execution. Rows holds a JSON array when OK is
// true. Failure carries the absorbed pool or query error when OK is false.
type Result struct {
	Rows     string
	RowCount int
	OK       bool
	Failure  error
}

func (r Result) Empty() bool {
	return !r.OK || r.RowCount == 0
}

type Options struct {
	HumanizeNumbers bool
}

// Executor runs SQL text verbatim. The text comes from the model and is not
// parsed, validated or sandboxed: it executes with every privilege of the
// configured database role, so that role must be scoped to what users are
// allowed to read.
type Executor struct {
	conns  ConnSource
	opts   Options
	logger *slog.Logger
}

func NewExecutor(conns ConnSource, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{conns: conns, opts: opts, logger: logger}
}

// Run never surfaces pool or database errors; they come back in
// Result.Failure. A *SerializationError is returned as err because the rows
// cannot be represented faithfully.
func (e *Executor) Run(ctx context.Context, sqlText string) (Result, error) {
	start := time.Now()
	e.logger.DebugContext(ctx, "executing generated sql", slog.String("sql", sqlText))

	conn, err := e.conns.Acquire(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "sql execution skipped", slog.Any("error", err))
		observability.ObserveSQLExecution("pool_unavailable", time.Since(start))
		return Result{Failure: err}, nil
	}
	defer e.conns.Release(conn)

	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return e.queryFailed(ctx, sqlText, err, start), nil
	}
	defer rows.Close()

	payload, count, err := serializeRows(rows, e.opts.HumanizeNumbers)
	if err != nil {
		var serErr *SerializationError
		if errors.As(err, &serErr) {
			e.logger.ErrorContext(ctx, "sql result serialization failed",
				slog.String("sql", sqlText),
				slog.String("column", serErr.Column),
				slog.String("type", serErr.GoType),
			)
			observability.ObserveSQLExecution("serialization_error", time.Since(start))
			return Result{Failure: serErr}, serErr
		}
		return e.queryFailed(ctx, sqlText, err, start), nil
	}

	outcome := "ok"
	if count == 0 {
		outcome = "empty"
	}
	observability.ObserveSQLExecution(outcome, time.Since(start))
	e.logger.DebugContext(ctx, "sql executed", slog.Int("rows", count), slog.Duration("elapsed", time.Since(start)))
	return Result{Rows: payload, RowCount: count, OK: true}, nil
}

func (e *Executor) queryFailed(ctx context.Context, sqlText string, err error, start time.Time) Result {
	queryErr := &QueryError{SQL: sqlText, Err: err}
	e.logger.WarnContext(ctx, "sql execution failed", slog.String("sql", sqlText), slog.Any("error", err))
	observability.ObserveSQLExecution("query_error", time.Since(start))
	return Result{Failure: queryErr}
}
