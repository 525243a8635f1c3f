package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/querychat/querychat/internal/database"
)

type Kind string

const (
	KindCatalog             Kind = "catalog"
	KindCompletion          Kind = "completion"
	KindToolCall            Kind = "tool_call"
	KindDatabaseUnavailable Kind = "database_unavailable"
	KindSerialization       Kind = "serialization"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal"
)

// OrchestrationError is the only error Run returns. Kind records where the
// turn failed; callers outside this package collapse every kind into one
// user-facing message.
type OrchestrationError struct {
	Kind Kind
	Err  error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("chat turn failed (%s): %v", e.Kind, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

func KindOf(err error) Kind {
	var orchestration *OrchestrationError
	if errors.As(err, &orchestration) {
		return orchestration.Kind
	}
	return KindInternal
}

// classify prefers a timeout over the origin kind once the turn deadline has
// passed, since the origin error is then only a symptom.
func classify(ctx context.Context, kind Kind, err error) *OrchestrationError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &OrchestrationError{Kind: KindTimeout, Err: err}
	}
	if kind == KindCatalog && errors.Is(err, database.ErrPoolUnavailable) {
		kind = KindDatabaseUnavailable
	}
	return &OrchestrationError{Kind: kind, Err: err}
}
