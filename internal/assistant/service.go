// Package assistant runs one chat turn: a first completion that may request
// SQL, execution of that SQL, and a second completion that phrases the rows
// as an answer.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/querychat/querychat/internal/database"
	"github.com/querychat/querychat/internal/llm"
	"github.com/querychat/querychat/internal/observability"
	"github.com/querychat/querychat/internal/querylog"
	"github.com/querychat/querychat/internal/sqlexec"
	"github.com/querychat/querychat/internal/tools"
)

// NoAnswerInstruction replaces the tool result when the query failed or
// returned nothing, so the model declines instead of inventing data.
const NoAnswerInstruction = "Politely reply that you don't have the answer for the question."

type CatalogBuilder interface {
	Build(ctx context.Context) ([]tools.Descriptor, error)
}

type QueryRunner interface {
	Run(ctx context.Context, sqlText string) (sqlexec.Result, error)
}

type AttemptRecorder interface {
	Record(ctx context.Context, attempt querylog.Attempt) error
}

type Config struct {
	Persona      string
	ErrorMessage string
	TurnTimeout  time.Duration
	MaxTokens    int
}

type Service struct {
	client   llm.Client
	catalog  CatalogBuilder
	executor QueryRunner
	attempts AttemptRecorder
	cfg      Config
	logger   *slog.Logger
}

func NewService(client llm.Client, catalog CatalogBuilder, executor QueryRunner, attempts AttemptRecorder, cfg Config, logger *slog.Logger) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("completion client is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("tool catalog is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("query executor is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt recorder is required")
	}
	if strings.TrimSpace(cfg.ErrorMessage) == "" {
		return nil, fmt.Errorf("error message is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:   client,
		catalog:  catalog,
		executor: executor,
		attempts: attempts,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Outcome is a finished turn. Conversation is every message exchanged with
// the model, including tool calls and their results.
type Outcome struct {
	Answer       string
	Conversation []llm.Message
	ToolCalls    int
}

// Run executes one turn for question given the earlier exchanges. Every
// returned error is an *OrchestrationError.
func (s *Service) Run(ctx context.Context, history []Exchange, question string) (Outcome, error) {
	if s.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TurnTimeout)
		defer cancel()
	}

	conversation := FormatConversation(s.cfg.Persona, append(append([]Exchange(nil), history...), Exchange{Question: question}))

	descriptors, err := s.catalog.Build(ctx)
	if err != nil {
		return Outcome{}, classify(ctx, KindCatalog, err)
	}
	specs, err := tools.Specs(descriptors)
	if err != nil {
		return Outcome{}, classify(ctx, KindCatalog, err)
	}

	first, err := s.client.Complete(ctx, llm.Request{
		Messages:   conversation,
		Tools:      specs,
		ToolChoice: llm.ToolChoiceAuto,
		MaxTokens:  s.cfg.MaxTokens,
	})
	if err != nil {
		return Outcome{}, classify(ctx, KindCompletion, fmt.Errorf("first completion: %w", err))
	}

	if len(first.ToolCalls) == 0 {
		answer := strings.TrimSpace(first.Text)
		if answer == "" {
			return Outcome{}, classify(ctx, KindCompletion, errors.New("first completion returned neither text nor tool calls"))
		}
		conversation = append(conversation, llm.AssistantMessage(answer))
		return Outcome{Answer: answer, Conversation: conversation}, nil
	}

	calls := make([]tools.Call, 0, len(first.ToolCalls))
	for _, raw := range first.ToolCalls {
		call, err := tools.ParseCall(raw)
		if err != nil {
			observability.IncrementToolCall(raw.Name, "invalid")
			return Outcome{}, classify(ctx, KindToolCall, err)
		}
		calls = append(calls, call)
	}

	conversation = append(conversation, llm.AssistantMessage(first.Text, first.ToolCalls...))
	for _, call := range calls {
		content, err := s.dispatch(ctx, question, call)
		if err != nil {
			return Outcome{}, err
		}
		conversation = append(conversation, llm.ToolResultMessage(call.CallID(), content))
	}

	second, err := s.client.Complete(ctx, llm.Request{
		Messages:   conversation,
		Tools:      specs,
		ToolChoice: llm.ToolChoiceNone,
		MaxTokens:  s.cfg.MaxTokens,
	})
	if err != nil {
		return Outcome{}, classify(ctx, KindCompletion, fmt.Errorf("second completion: %w", err))
	}
	if len(second.ToolCalls) > 0 {
		s.logger.WarnContext(ctx, "ignoring tool calls in second completion", slog.Int("count", len(second.ToolCalls)))
	}
	answer := strings.TrimSpace(second.Text)
	if answer == "" {
		return Outcome{}, classify(ctx, KindCompletion, errors.New("second completion returned no text"))
	}
	conversation = append(conversation, llm.AssistantMessage(answer))
	return Outcome{Answer: answer, Conversation: conversation, ToolCalls: len(calls)}, nil
}

func (s *Service) dispatch(ctx context.Context, question string, call tools.Call) (string, error) {
	switch c := call.(type) {
	case tools.SQLQueryCall:
		return s.runSQL(ctx, question, c)
	default:
		return "", classify(ctx, KindToolCall, fmt.Errorf("no handler for tool %q", call.ToolName()))
	}
}

func (s *Service) runSQL(ctx context.Context, question string, call tools.SQLQueryCall) (string, error) {
	s.logger.InfoContext(ctx, "generated sql query", slog.String("sql", call.Query))

	result, runErr := s.executor.Run(ctx, call.Query)
	content := result.Rows
	switch {
	case runErr != nil:
		content = runErr.Error()
	case result.Empty():
		content = NoAnswerInstruction
	}

	s.record(ctx, querylog.Attempt{
		Query:        question,
		SQLQuery:     call.Query,
		SQLResponse:  content,
		IsSQLQueryOK: runErr == nil && result.OK,
	})

	switch {
	case runErr != nil:
		observability.IncrementToolCall(call.ToolName(), "serialization_error")
		return "", classify(ctx, KindSerialization, runErr)
	case errors.Is(result.Failure, database.ErrPoolUnavailable):
		observability.IncrementToolCall(call.ToolName(), "database_unavailable")
		return "", classify(ctx, KindDatabaseUnavailable, result.Failure)
	case !result.OK:
		observability.IncrementToolCall(call.ToolName(), "query_error")
		if err := ctx.Err(); err != nil {
			return "", classify(ctx, KindTimeout, err)
		}
	case result.RowCount == 0:
		observability.IncrementToolCall(call.ToolName(), "empty")
	default:
		observability.IncrementToolCall(call.ToolName(), "ok")
	}
	return content, nil
}

// record never fails the turn.
func (s *Service) record(ctx context.Context, attempt querylog.Attempt) {
	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.logger.WarnContext(ctx, "failed to record query attempt", slog.Any("error", err))
	}
}

// Chat answers the last exchange of history, which must still be unanswered.
// The returned history always has that slot filled, either with the answer or
// with the configured error message; err reports why the fallback was used.
func (s *Service) Chat(ctx context.Context, history []Exchange) (out []Exchange, err error) {
	out = append([]Exchange(nil), history...)
	if len(out) == 0 {
		return out, &OrchestrationError{Kind: KindInternal, Err: errors.New("history has no pending question")}
	}
	last := len(out) - 1
	start := time.Now()

	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.ErrorContext(ctx, "chat turn panicked",
				slog.Any("panic", recovered),
				slog.String("stack", string(debug.Stack())),
			)
			err = &OrchestrationError{Kind: KindInternal, Err: fmt.Errorf("panic: %v", recovered)}
		}
		if err != nil {
			out[last].Answer = s.cfg.ErrorMessage
			observability.ObserveChatTurn(string(KindOf(err)), time.Since(start))
		}
	}()

	s.logger.InfoContext(ctx, "chat turn started", slog.String("question", out[last].Question))
	outcome, err := s.Run(ctx, out[:last], out[last].Question)
	if err != nil {
		s.logger.ErrorContext(ctx, "chat turn failed", slog.String("kind", string(KindOf(err))), slog.Any("error", err))
		return out, err
	}

	out[last].Answer = outcome.Answer
	turnOutcome := "direct"
	if outcome.ToolCalls > 0 {
		turnOutcome = "answered"
	}
	observability.ObserveChatTurn(turnOutcome, time.Since(start))
	s.logger.InfoContext(ctx, "chat turn completed", slog.String("outcome", turnOutcome), slog.Int("tool_calls", outcome.ToolCalls))
	return out, nil
}
