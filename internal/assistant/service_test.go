package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/querychat/querychat/internal/database"
	"github.com/querychat/querychat/internal/llm"
	"github.com/querychat/querychat/internal/querylog"
	"github.com/querychat/querychat/internal/schema"
	"github.com/querychat/querychat/internal/sqlexec"
	"github.com/querychat/querychat/internal/tools"
)

const errorMessage = "Sorry, something went wrong."

type scriptedClient struct {
	mu       sync.Mutex
	requests []llm.Request
	respond  func(ctx context.Context, round int, req llm.Request) (llm.Response, error)
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	round := len(c.requests)
	c.mu.Unlock()
	return c.respond(ctx, round, req)
}

type fakeExecutor struct {
	result sqlexec.Result
	err    error
	sql    []string
}

func (f *fakeExecutor) Run(_ context.Context, sqlText string) (sqlexec.Result, error) {
	f.sql = append(f.sql, sqlText)
	return f.result, f.err
}

type fakeRecorder struct {
	attempts []querylog.Attempt
	err      error
}

func (f *fakeRecorder) Record(_ context.Context, attempt querylog.Attempt) error {
	f.attempts = append(f.attempts, attempt)
	return f.err
}

type staticDescriber struct {
	err error
}

func (s staticDescriber) Describe(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "Table information for courses\nColumn name: id, type: integer\nColumn name: title, type: text", nil
}

type emptyDefinitions struct{}

func (emptyDefinitions) Load(context.Context) (schema.Definitions, error) {
	return schema.Definitions{}, nil
}

func sqlToolCall(id, query string) llm.ToolCall {
	args, _ := json.Marshal(map[string]string{"query": query})
	return llm.ToolCall{ID: id, Name: tools.SQLQueryToolName, Arguments: args}
}

// lastToolResult answers the way a model would after reading the tool output.
func lastToolResult(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleTool {
			return req.Messages[i].Content
		}
	}
	return ""
}

func newTestService(t *testing.T, client llm.Client, executor QueryRunner, recorder AttemptRecorder, describer staticDescriber) *Service {
	t.Helper()
	builder, err := tools.NewBuilder(tools.BuilderConfig{Schema: describer, Definitions: emptyDefinitions{}, Dialect: "PostgreSQL", Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	svc, err := NewService(client, builder, executor, recorder, Config{
		Persona:      "You are a helpful data analyst.",
		ErrorMessage: errorMessage,
		TurnTimeout:  time.Second,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestChatRunsToolAndAnswersFromRows(t *testing.T) {
	client := &scriptedClient{respond: func(_ context.Context, round int, req llm.Request) (llm.Response, error) {
		if round == 1 {
			return llm.Response{ToolCalls: []llm.ToolCall{sqlToolCall("call_1", "SELECT COUNT(*) FROM courses;")}}, nil
		}
		var rows []map[string]int
		if err := json.Unmarshal([]byte(lastToolResult(req)), &rows); err != nil || len(rows) != 1 {
			return llm.Response{}, fmt.Errorf("unexpected tool result %q", lastToolResult(req))
		}
		return llm.Response{Text: fmt.Sprintf("We have %d courses.", rows[0]["count"])}, nil
	}}
	executor := &fakeExecutor{result: sqlexec.Result{Rows: `[{"count":42}]`, RowCount: 1, OK: true}}
	recorder := &fakeRecorder{}
	svc := newTestService(t, client, executor, recorder, staticDescriber{})

	history, err := svc.Chat(context.Background(), []Exchange{{Question: "How many courses do we have?"}})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	answer := history[0].Answer
	if !strings.Contains(answer, "42") {
		t.Fatalf("answer = %q, want mention of 42", answer)
	}
	if strings.Contains(answer, "id") || strings.Contains(answer, "SELECT") {
		t.Fatalf("answer leaks internals: %q", answer)
	}

	if len(client.requests) != 2 {
		t.Fatalf("completion requests = %d, want 2", len(client.requests))
	}
	round1, round2 := client.requests[0], client.requests[1]
	if round1.ToolChoice != llm.ToolChoiceAuto || len(round1.Tools) != 1 || round1.Tools[0].Name != tools.SQLQueryToolName {
		t.Fatalf("round 1 tools = %+v choice=%q", round1.Tools, round1.ToolChoice)
	}
	if round2.ToolChoice != llm.ToolChoiceNone {
		t.Fatalf("round 2 ToolChoice = %q", round2.ToolChoice)
	}
	roles := make([]llm.Role, 0, len(round2.Messages))
	for _, msg := range round2.Messages {
		roles = append(roles, msg.Role)
	}
	wantRoles := []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool}
	if fmt.Sprint(roles) != fmt.Sprint(wantRoles) {
		t.Fatalf("round 2 roles = %v, want %v", roles, wantRoles)
	}
	if round2.Messages[2].ToolCalls[0].ID != "call_1" || round2.Messages[3].ToolCallID != "call_1" {
		t.Fatalf("tool call ids not linked: %+v", round2.Messages[2:])
	}

	if len(executor.sql) != 1 || executor.sql[0] != "SELECT COUNT(*) FROM courses;" {
		t.Fatalf("executed sql = %v", executor.sql)
	}
	if len(recorder.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(recorder.attempts))
	}
	got := recorder.attempts[0]
	want := querylog.Attempt{Query: "How many courses do we have?", SQLQuery: "SELECT COUNT(*) FROM courses;", SQLResponse: `[{"count":42}]`, IsSQLQueryOK: true}
	if got != want {
		t.Fatalf("attempt = %+v, want %+v", got, want)
	}
}

func TestChatEmptyResultAsksModelToDecline(t *testing.T) {
	client := &scriptedClient{respond: func(_ context.Context, round int, req llm.Request) (llm.Response, error) {
		if round == 1 {
			return llm.Response{ToolCalls: []llm.ToolCall{sqlToolCall("call_1", "SELECT title FROM courses WHERE id = -1;")}}, nil
		}
		if lastToolResult(req) != NoAnswerInstruction {
			return llm.Response{}, fmt.Errorf("tool result = %q", lastToolResult(req))
		}
		return llm.Response{Text: "I'm sorry, I couldn't find any information about that."}, nil
	}}
	executor := &fakeExecutor{result: sqlexec.Result{Rows: "[]", OK: true}}
	recorder := &fakeRecorder{}
	svc := newTestService(t, client, executor, recorder, staticDescriber{})

	history, err := svc.Chat(context.Background(), []Exchange{{Question: "Show the course with id -1"}})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if history[0].Answer == "" || history[0].Answer == errorMessage {
		t.Fatalf("answer = %q, want polite decline", history[0].Answer)
	}
	if len(recorder.attempts) != 1 || recorder.attempts[0].SQLResponse != NoAnswerInstruction {
		t.Fatalf("attempts = %+v", recorder.attempts)
	}
}

func TestChatQueryErrorAsksModelToDecline(t *testing.T) {
	client := &scriptedClient{respond: func(_ context.Context, round int, req llm.Request) (llm.Response, error) {
		if round == 1 {
			return llm.Response{ToolCalls: []llm.ToolCall{sqlToolCall("call_1", "SELECT nope FROM courses;")}}, nil
		}
		return llm.Response{Text: "I don't have the answer for that question."}, nil
	}}
	executor := &fakeExecutor{result: sqlexec.Result{Failure: &sqlexec.QueryError{SQL: "SELECT nope FROM courses;", Err: errors.New(`column "nope" does not exist`)}}}
	recorder := &fakeRecorder{}
	svc := newTestService(t, client, executor, recorder, staticDescriber{})

	outcome, err := svc.Run(context.Background(), nil, "What is nope?")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Answer != "I don't have the answer for that question." || outcome.ToolCalls != 1 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(recorder.attempts) != 1 || recorder.attempts[0].IsSQLQueryOK {
		t.Fatalf("attempts = %+v, want one failed attempt", recorder.attempts)
	}
	if strings.Contains(lastToolResult(client.requests[1]), "does not exist") {
		t.Fatal("database error leaked into the conversation")
	}
}

func TestChatDatabaseUnavailableStillAttemptsLogRow(t *testing.T) {
	client := &scriptedClient{respond: func(_ context.Context, round int, _ llm.Request) (llm.Response, error) {
		if round == 1 {
			return llm.Response{ToolCalls: []llm.ToolCall{sqlToolCall("call_1", "SELECT COUNT(*) FROM courses;")}}, nil
		}
		return llm.Response{Text: "should not be asked"}, nil
	}}
	executor := &fakeExecutor{result: sqlexec.Result{Failure: fmt.Errorf("%w: dial tcp: connection refused", database.ErrPoolUnavailable)}}
	recorder := &fakeRecorder{err: fmt.Errorf("%w: dial tcp: connection refused", database.ErrPoolUnavailable)}
	svc := newTestService(t, client, executor, recorder, staticDescriber{})

	history, err := svc.Chat(context.Background(), []Exchange{{Question: "How many courses do we have?"}})
	if KindOf(err) != KindDatabaseUnavailable {
		t.Fatalf("Chat() error = %v, want database unavailable", err)
	}
	if history[0].Answer != errorMessage {
		t.Fatalf("answer = %q, want generic error message", history[0].Answer)
	}
	if len(recorder.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(recorder.attempts))
	}
	if len(client.requests) != 1 {
		t.Fatalf("completion requests = %d, want 1", len(client.requests))
	}
}

func TestChatWithUnreachableDatabaseReachesExecutorAndLogsAttempt(t *testing.T) {
	pool := database.New(database.Config{Driver: database.DriverPostgres}, func(context.Context, database.Config) (database.Backend, error) {
		return database.Backend{}, errors.New("dial tcp 127.0.0.1:5432: connection refused")
	}, discardLogger())
	builder, err := tools.NewBuilder(tools.BuilderConfig{
		Schema:      schema.NewIntrospector(pool, "public", discardLogger()),
		Definitions: emptyDefinitions{},
		Dialect:     "PostgreSQL",
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	client := &scriptedClient{respond: func(_ context.Context, round int, req llm.Request) (llm.Response, error) {
		if round == 1 {
			if len(req.Tools) != 1 {
				return llm.Response{}, fmt.Errorf("tools = %d, want 1", len(req.Tools))
			}
			return llm.Response{ToolCalls: []llm.ToolCall{sqlToolCall("call_1", "SELECT COUNT(*) FROM courses;")}}, nil
		}
		return llm.Response{Text: "should not be asked"}, nil
	}}
	recorder := &fakeRecorder{err: fmt.Errorf("%w: dial tcp: connection refused", database.ErrPoolUnavailable)}
	svc, err := NewService(client, builder, sqlexec.NewExecutor(pool, sqlexec.Options{}, discardLogger()), recorder, Config{
		ErrorMessage: errorMessage,
		TurnTimeout:  time.Second,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	history, err := svc.Chat(context.Background(), []Exchange{{Question: "How many courses do we have?"}})
	if KindOf(err) != KindDatabaseUnavailable {
		t.Fatalf("Chat() error = %v, want database unavailable", err)
	}
	if history[0].Answer != errorMessage {
		t.Fatalf("answer = %q, want generic error message", history[0].Answer)
	}
	if len(client.requests) != 1 {
		t.Fatalf("completion requests = %d, want 1", len(client.requests))
	}
	if len(recorder.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(recorder.attempts))
	}
	if got := recorder.attempts[0]; got.SQLQuery != "SELECT COUNT(*) FROM courses;" || got.IsSQLQueryOK {
		t.Fatalf("attempt = %+v", got)
	}
}

func TestChatDirectAnswerSkipsTool(t *testing.T) {
	client := &scriptedClient{respond: func(_ context.Context, _ int, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "Hello! How can I help you with your data today?"}, nil
	}}
	executor := &fakeExecutor{}
	recorder := &fakeRecorder{}
	svc := newTestService(t, client, executor, recorder, staticDescriber{})

	history, err := svc.Chat(context.Background(), []Exchange{{Question: "hello"}})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if history[0].Answer != "Hello! How can I help you with your data today?" {
		t.Fatalf("answer = %q", history[0].Answer)
	}
	if len(client.requests) != 1 || len(executor.sql) != 0 || len(recorder.attempts) != 0 {
		t.Fatalf("requests=%d sql=%v attempts=%d", len(client.requests), executor.sql, len(recorder.attempts))
	}
}

func TestChatCarriesPriorExchanges(t *testing.T) {
	client := &scriptedClient{respond: func(_ context.Context, _ int, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "You asked about courses."}, nil
	}}
	svc := newTestService(t, client, &fakeExecutor{}, &fakeRecorder{}, staticDescriber{})

	history, err := svc.Chat(context.Background(), []Exchange{
		{Question: "How many courses do we have?", Answer: "We have 42 courses."},
		{Question: "Unanswered earlier"},
		{Question: "What did I ask first?"},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(history) != 3 || history[2].Answer != "You asked about courses." || history[1].Answer != "" {
		t.Fatalf("history = %+v", history)
	}
	messages := client.requests[0].Messages
	if len(messages) != 5 {
		t.Fatalf("len(messages) = %d, want 5", len(messages))
	}
	if messages[2].Role != llm.RoleAssistant || messages[2].Content != "We have 42 courses." {
		t.Fatalf("messages[2] = %+v", messages[2])
	}
	if messages[4].Role != llm.RoleUser || messages[4].Content != "What did I ask first?" {
		t.Fatalf("messages[4] = %+v", messages[4])
	}
}

func TestChatSerializationFailureFailsTurn(t *testing.T) {
	client := &scriptedClient{respond: func(_ context.Context, round int, _ llm.Request) (llm.Response, error) {
		return llm.Response{ToolCalls: []llm.ToolCall{sqlToolCall("call_1", "SELECT payload FROM blobs;")}}, nil
	}}
	serErr := &sqlexec.SerializationError{Column: "payload", GoType: "[]uint8"}
	executor := &fakeExecutor{result: sqlexec.Result{Failure: serErr}, err: serErr}
	recorder := &fakeRecorder{}
	svc := newTestService(t, client, executor, recorder, staticDescriber{})

	history, err := svc.Chat(context.Background(), []Exchange{{Question: "Show blobs"}})
	if KindOf(err) != KindSerialization {
		t.Fatalf("Chat() error = %v, want serialization", err)
	}
	if history[0].Answer != errorMessage {
		t.Fatalf("answer = %q", history[0].Answer)
	}
	if len(recorder.attempts) != 1 || recorder.attempts[0].IsSQLQueryOK {
		t.Fatalf("attempts = %+v", recorder.attempts)
	}
}

func TestChatTimeoutUsesGenericMessage(t *testing.T) {
	client := &scriptedClient{respond: func(ctx context.Context, _ int, _ llm.Request) (llm.Response, error) {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}}
	svc := newTestService(t, client, &fakeExecutor{}, &fakeRecorder{}, staticDescriber{})
	svc.cfg.TurnTimeout = 20 * time.Millisecond

	history, err := svc.Chat(context.Background(), []Exchange{{Question: "slow question"}})
	if KindOf(err) != KindTimeout {
		t.Fatalf("Chat() error = %v, want timeout", err)
	}
	if history[0].Answer != errorMessage {
		t.Fatalf("answer = %q", history[0].Answer)
	}
}

func TestChatRecoversPanics(t *testing.T) {
	client := &scriptedClient{respond: func(context.Context, int, llm.Request) (llm.Response, error) {
		panic("malformed provider response")
	}}
	svc := newTestService(t, client, &fakeExecutor{}, &fakeRecorder{}, staticDescriber{})

	history, err := svc.Chat(context.Background(), []Exchange{{Question: "boom"}})
	if KindOf(err) != KindInternal {
		t.Fatalf("Chat() error = %v, want internal", err)
	}
	if history[0].Answer != errorMessage {
		t.Fatalf("answer = %q", history[0].Answer)
	}
}

func TestRunRejectsUnknownTool(t *testing.T) {
	client := &scriptedClient{respond: func(context.Context, int, llm.Request) (llm.Response, error) {
		return llm.Response{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "delete_rows", Arguments: json.RawMessage(`{}`)}}}, nil
	}}
	executor := &fakeExecutor{}
	svc := newTestService(t, client, executor, &fakeRecorder{}, staticDescriber{})

	_, err := svc.Run(context.Background(), nil, "delete everything")
	if KindOf(err) != KindToolCall {
		t.Fatalf("Run() error = %v, want tool call", err)
	}
	var orchestration *OrchestrationError
	if !errors.As(err, &orchestration) {
		t.Fatalf("Run() error type = %T", err)
	}
	if len(executor.sql) != 0 {
		t.Fatalf("executor ran %v", executor.sql)
	}
}

func TestRunIgnoresToolCallsInSecondRound(t *testing.T) {
	client := &scriptedClient{respond: func(_ context.Context, round int, _ llm.Request) (llm.Response, error) {
		if round == 1 {
			return llm.Response{ToolCalls: []llm.ToolCall{sqlToolCall("call_1", "SELECT COUNT(*) FROM courses;")}}, nil
		}
		return llm.Response{Text: "There are 42 courses.", ToolCalls: []llm.ToolCall{sqlToolCall("call_2", "SELECT 1;")}}, nil
	}}
	executor := &fakeExecutor{result: sqlexec.Result{Rows: `[{"count":42}]`, RowCount: 1, OK: true}}
	svc := newTestService(t, client, executor, &fakeRecorder{}, staticDescriber{})

	outcome, err := svc.Run(context.Background(), nil, "How many courses?")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Answer != "There are 42 courses." {
		t.Fatalf("Answer = %q", outcome.Answer)
	}
	if len(executor.sql) != 1 {
		t.Fatalf("executor ran %d queries, want 1", len(executor.sql))
	}
	if got := outcome.Conversation[len(outcome.Conversation)-1]; got.Role != llm.RoleAssistant || len(got.ToolCalls) != 0 {
		t.Fatalf("final message = %+v", got)
	}
}

func TestRunCatalogPoolUnavailable(t *testing.T) {
	client := &scriptedClient{respond: func(context.Context, int, llm.Request) (llm.Response, error) {
		return llm.Response{Text: "unused"}, nil
	}}
	svc := newTestService(t, client, &fakeExecutor{}, &fakeRecorder{}, staticDescriber{err: database.ErrPoolUnavailable})

	_, err := svc.Run(context.Background(), nil, "How many courses?")
	if KindOf(err) != KindDatabaseUnavailable {
		t.Fatalf("Run() error = %v, want database unavailable", err)
	}
	if len(client.requests) != 0 {
		t.Fatalf("completion requests = %d, want 0", len(client.requests))
	}
}

func TestRunEmptyCompletionIsAnError(t *testing.T) {
	client := &scriptedClient{respond: func(context.Context, int, llm.Request) (llm.Response, error) {
		return llm.Response{Text: "  "}, nil
	}}
	svc := newTestService(t, client, &fakeExecutor{}, &fakeRecorder{}, staticDescriber{})

	if _, err := svc.Run(context.Background(), nil, "hello"); KindOf(err) != KindCompletion {
		t.Fatalf("Run() error = %v, want completion", err)
	}
}

func TestChatWithoutPendingQuestion(t *testing.T) {
	svc := newTestService(t, &scriptedClient{}, &fakeExecutor{}, &fakeRecorder{}, staticDescriber{})
	history, err := svc.Chat(context.Background(), nil)
	if err == nil || len(history) != 0 {
		t.Fatalf("Chat(nil) = %v, %v", history, err)
	}
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	builder, _ := tools.NewBuilder(tools.BuilderConfig{Schema: staticDescriber{}, Definitions: emptyDefinitions{}})
	if _, err := NewService(nil, builder, &fakeExecutor{}, &fakeRecorder{}, Config{ErrorMessage: "x"}, nil); err == nil {
		t.Fatal("expected error for missing client")
	}
	if _, err := NewService(&scriptedClient{}, builder, &fakeExecutor{}, &fakeRecorder{}, Config{}, nil); err == nil {
		t.Fatal("expected error for missing error message")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
