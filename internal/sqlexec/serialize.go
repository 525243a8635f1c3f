package sqlexec

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"
)

type column struct {
	name   string
	dbType string
}

func (c column) isDecimal() bool {
	return strings.HasPrefix(c.dbType, "NUMERIC") || strings.HasPrefix(c.dbType, "DECIMAL")
}

func (c column) isDate() bool {
	return c.dbType == "DATE"
}

// serializeRows renders rows as a JSON array of objects whose keys follow
// the select list order.
func serializeRows(rows *sql.Rows, humanize bool) (string, int, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return "", 0, fmt.Errorf("read column types: %w", err)
	}
	columns := make([]column, len(types))
	for i, ct := range types {
		columns[i] = column{name: ct.Name(), dbType: strings.ToUpper(ct.DatabaseTypeName())}
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	count := 0
	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return "", 0, fmt.Errorf("scan row: %w", err)
		}
		if count > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for i, col := range columns {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(col.name)
			buf.Write(key)
			buf.WriteByte(':')

			encoded, err := encodeValue(col, values[i], humanize)
			if err != nil {
				return "", 0, err
			}
			raw, err := json.Marshal(encoded)
			if err != nil {
				return "", 0, &SerializationError{Column: col.name, GoType: fmt.Sprintf("%T", values[i])}
			}
			buf.Write(raw)
		}
		buf.WriteByte('}')
		count++
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("iterate rows: %w", err)
	}
	buf.WriteByte(']')
	return buf.String(), count, nil
}

// encodeValue maps a scanned driver value onto something encoding/json can
// represent without losing data. Unknown types fail.
func encodeValue(col column, value any, humanize bool) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, int64, int32, int16, int8, int, uint64, uint32, uint16, uint8, uint, float64, float32:
		return v, nil
	case string:
		if col.isDecimal() {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, &SerializationError{Column: col.name, GoType: "string"}
			}
			return formatDecimal(d, humanize), nil
		}
		return v, nil
	case []byte:
		if col.isDecimal() {
			return encodeValue(col, string(v), humanize)
		}
		if !utf8.Valid(v) {
			return nil, &SerializationError{Column: col.name, GoType: "[]byte"}
		}
		return string(v), nil
	case time.Time:
		if col.isDate() {
			return v.Format(time.DateOnly), nil
		}
		return v.Format(time.RFC3339Nano), nil
	case decimal.Decimal:
		return formatDecimal(v, humanize), nil
	case *decimal.Decimal:
		if v == nil {
			return nil, nil
		}
		return formatDecimal(*v, humanize), nil
	case duckdb.Decimal:
		if v.Value == nil {
			return nil, nil
		}
		return formatDecimal(decimal.NewFromBigInt(v.Value, -int32(v.Scale)), humanize), nil
	case *big.Int:
		if v == nil {
			return nil, nil
		}
		return formatDecimal(decimal.NewFromBigInt(v, 0), humanize), nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			encoded, err := encodeValue(column{name: col.name}, item, humanize)
			if err != nil {
				return nil, err
			}
			out[i] = encoded
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			encoded, err := encodeValue(column{name: col.name}, item, humanize)
			if err != nil {
				return nil, err
			}
			out[key] = encoded
		}
		return out, nil
	default:
		return nil, &SerializationError{Column: col.name, GoType: fmt.Sprintf("%T", value)}
	}
}

// formatDecimal returns a JSON number, or abbreviated text when humanize is
// set and the magnitude reaches a thousand.
func formatDecimal(d decimal.Decimal, humanize bool) any {
	if humanize {
		if text, ok := Humanize(d); ok {
			return text
		}
	}
	return json.Number(d.String())
}

var magnitudes = []struct {
	threshold decimal.Decimal
	suffix    string
}{
	{decimal.New(1, 7), "Cr"},
	{decimal.New(1, 5), "L"},
	{decimal.New(1, 3), "K"},
}

// Humanize abbreviates values using thousand, lakh and crore units with two
// decimals. Values below a thousand report ok=false.
func Humanize(d decimal.Decimal) (string, bool) {
	abs := d.Abs()
	for _, m := range magnitudes {
		if abs.GreaterThanOrEqual(m.threshold) {
			return d.Div(m.threshold).StringFixed(2) + " " + m.suffix, true
		}
	}
	return "", false
}
