package sqlexec

import "fmt"

// QueryError is a database error raised while executing generated SQL.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("execute query: %v", e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// SerializationError reports a result value with no known text encoding.
type SerializationError struct {
	Column string
	GoType string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("column %q: value of type %s is not serializable", e.Column, e.GoType)
}
