// Package querylog persists one row per tool invocation in the
// query__response_logger table and exports those rows for offline review.
package querylog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/querychat/querychat/internal/observability"
)

const TableName = "query__response_logger"

type Attempt struct {
	ID           int64     `json:"id"`
	Query        string    `json:"query"`
	SQLQuery     string    `json:"sql_query"`
	SQLResponse  string    `json:"sql_response"`
	IsSQLQueryOK bool      `json:"is_sql_query_ok"`
	CreatedAt    time.Time `json:"created_at"`
}

type ConnSource interface {
	Acquire(ctx context.Context) (*sql.Conn, error)
	Release(conn *sql.Conn)
}

type Store struct {
	conns ConnSource
}

func NewStore(conns ConnSource) *Store {
	return &Store{conns: conns}
}

// Record appends one attempt. ID and CreatedAt are assigned by the database.
func (s *Store) Record(ctx context.Context, attempt Attempt) (err error) {
	defer func() { observability.IncrementQueryLogWrite(err == nil) }()

	conn, err := s.conns.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer s.conns.Release(conn)

	_, err = conn.ExecContext(ctx, `
INSERT INTO `+TableName+` (query, sql_query, sql_response, is_sql_query_ok)
VALUES ($1, $2, $3, $4)`,
		attempt.Query, attempt.SQLQuery, attempt.SQLResponse, attempt.IsSQLQueryOK,
	)
	if err != nil {
		return fmt.Errorf("insert query attempt: %w", err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	conn, err := s.conns.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer s.conns.Release(conn)

	rows, err := conn.QueryContext(ctx, `
SELECT id, query, sql_query, sql_response, is_sql_query_ok, created_at
FROM `+TableName+`
ORDER BY id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	attempts := make([]Attempt, 0, limit)
	for rows.Next() {
		var (
			item      Attempt
			createdAt sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.Query, &item.SQLQuery, &item.SQLResponse, &item.IsSQLQueryOK, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if createdAt.Valid {
			item.CreatedAt = createdAt.Time.UTC()
		}
		attempts = append(attempts, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}
