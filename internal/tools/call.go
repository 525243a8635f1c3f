package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/querychat/querychat/internal/llm"
)

// Call is a tool invocation decoded from the model. SQLQueryCall is the only
// implementation.
type Call interface {
	CallID() string
	ToolName() string
	isCall()
}

type SQLQueryCall struct {
	ID    string
	Query string
}

func (c SQLQueryCall) CallID() string   { return c.ID }
func (c SQLQueryCall) ToolName() string { return SQLQueryToolName }
func (SQLQueryCall) isCall()            {}

// UnknownToolError reports a call naming a tool that is not in the catalog.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error {
	return e.Err
}

var resolvedSQLQueryArgs = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	s, err := sqlQueryParameters("")
	if err != nil {
		return nil, err
	}
	return s.Resolve(nil)
})

func ParseCall(call llm.ToolCall) (Call, error) {
	switch call.Name {
	case SQLQueryToolName:
		return parseSQLQueryCall(call)
	default:
		return nil, &UnknownToolError{Name: call.Name}
	}
}

func parseSQLQueryCall(call llm.ToolCall) (Call, error) {
	resolved, err := resolvedSQLQueryArgs()
	if err != nil {
		return nil, fmt.Errorf("resolve query input schema: %w", err)
	}

	raw := call.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var instance map[string]any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, &InvalidArgumentsError{Tool: call.Name, Err: err}
	}
	if err := resolved.Validate(instance); err != nil {
		return nil, &InvalidArgumentsError{Tool: call.Name, Err: err}
	}

	var args sqlQueryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &InvalidArgumentsError{Tool: call.Name, Err: err}
	}
	query := stripMarkdownSQL(args.Query)
	if query == "" {
		return nil, &InvalidArgumentsError{Tool: call.Name, Err: fmt.Errorf("query is empty")}
	}
	return SQLQueryCall{ID: call.ID, Query: query}, nil
}

func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
