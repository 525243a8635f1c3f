package querylog

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

type EncodeResult struct {
	Data        []byte
	RecordCount int64
	MinID       int64
	MaxID       int64
}

type parquetAttempt struct {
	ID              int64  `parquet:"id"`
	Query           string `parquet:"query"`
	SQLQuery        string `parquet:"sql_query"`
	SQLResponse     string `parquet:"sql_response"`
	IsSQLQueryOK    bool   `parquet:"is_sql_query_ok"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms"`
}

func EncodeParquet(attempts []Attempt) (EncodeResult, error) {
	if len(attempts) == 0 {
		return EncodeResult{}, fmt.Errorf("attempts are required")
	}

	rows := make([]parquetAttempt, 0, len(attempts))
	minID, maxID := attempts[0].ID, attempts[0].ID
	for _, attempt := range attempts {
		var createdAt int64
		if !attempt.CreatedAt.IsZero() {
			createdAt = attempt.CreatedAt.UnixMilli()
		}
		rows = append(rows, parquetAttempt{
			ID:              attempt.ID,
			Query:           attempt.Query,
			SQLQuery:        attempt.SQLQuery,
			SQLResponse:     attempt.SQLResponse,
			IsSQLQueryOK:    attempt.IsSQLQueryOK,
			CreatedAtUnixMs: createdAt,
		})
		if attempt.ID < minID {
			minID = attempt.ID
		}
		if attempt.ID > maxID {
			maxID = attempt.ID
		}
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetAttempt](buf)
	if _, err := writer.Write(rows); err != nil {
		return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return EncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(rows)),
		MinID:       minID,
		MaxID:       maxID,
	}, nil
}
