package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/querychat/querychat/internal/assistant"
	"github.com/querychat/querychat/internal/auth"
	"github.com/querychat/querychat/internal/observability"
)

const maxChatBodyBytes = 1 << 20

type chatRequest struct {
	History []assistant.Exchange `json:"history"`
	Message string               `json:"message"`
}

type chatResponse struct {
	Answer  string               `json:"answer"`
	History []assistant.Exchange `json:"history"`
	TraceID string               `json:"trace_id,omitempty"`
}

// handleChat answers with 200 even when the turn failed: the history then
// carries the generic error message, so clients render it like any answer.
func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat dependencies are not configured", false, nil)
		return
	}
	if err := auth.RequireRole(r, auth.RoleChatUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request chatRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return
	}
	message := strings.TrimSpace(request.Message)
	if message == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_REQUIRED", "message is required", false, nil)
		return
	}

	history := append(request.History, assistant.Exchange{Question: message})
	updated, err := deps.Chat.Chat(r.Context(), history)
	if err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "chat turn answered with fallback message",
			slog.String("kind", string(assistant.KindOf(err))),
		)
	}
	if len(updated) == 0 {
		writeError(r.Context(), w, http.StatusInternalServerError, "CHAT_FAILED", "chat turn produced no answer", true, nil)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Answer:  updated[len(updated)-1].Answer,
		History: updated,
		TraceID: observability.TraceIDFromContext(r.Context()),
	})
}
