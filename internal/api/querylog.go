package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/querychat/querychat/internal/auth"
	"github.com/querychat/querychat/internal/querylog"
)

const maxQueryLogLimit = 500

func handleQueryLog(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.QueryLog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_LOG_NOT_CONFIGURED", "query log is not configured", false, nil)
		return
	}
	if err := auth.RequireRole(r, auth.RoleLogReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	limit := deps.QueryLogLimit
	if limit <= 0 {
		limit = 50
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxQueryLogLimit {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 500", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	attempts, err := deps.QueryLog.Recent(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "QUERY_LOG_UNAVAILABLE", "failed to read query log", true, map[string]any{"details": err.Error()})
		return
	}
	if attempts == nil {
		attempts = []querylog.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempts": attempts,
		"count":    len(attempts),
	})
}
