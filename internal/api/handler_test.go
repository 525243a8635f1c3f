package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/querychat/querychat/internal/assistant"
	"github.com/querychat/querychat/internal/auth"
	"github.com/querychat/querychat/internal/config"
	"github.com/querychat/querychat/internal/querylog"
)

type fakeChat struct {
	received []assistant.Exchange
	answer   string
	err      error
}

func (f *fakeChat) Chat(_ context.Context, history []assistant.Exchange) ([]assistant.Exchange, error) {
	f.received = history
	out := append([]assistant.Exchange(nil), history...)
	out[len(out)-1].Answer = f.answer
	return out, f.err
}

type fakeQueryLog struct {
	attempts []querylog.Attempt
	err      error
	limit    int
}

func (f *fakeQueryLog) Recent(_ context.Context, limit int) ([]querylog.Attempt, error) {
	f.limit = limit
	return f.attempts, f.err
}

func loadConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("querychat-api", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected X-Trace-ID header")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{
		Readiness: CheckDatabase(func(context.Context) error {
			return errors.New("pool unavailable")
		}),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestChatEndpointAppendsQuestionAndReturnsAnswer(t *testing.T) {
	chat := &fakeChat{answer: "We have 42 courses."}
	h := NewHandler(loadConfig(t, nil), Dependencies{Chat: chat})

	body := `{"history":[{"question":"hi","answer":"Hello!"}],"message":"How many courses do we have?"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	if len(chat.received) != 2 || chat.received[1].Question != "How many courses do we have?" || chat.received[1].Answer != "" {
		t.Fatalf("received history = %+v", chat.received)
	}
	var resp chatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if resp.Answer != "We have 42 courses." || len(resp.History) != 2 || resp.History[0].Answer != "Hello!" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.TraceID == "" {
		t.Fatal("expected trace id in response")
	}
}

func TestChatEndpointReturnsFallbackAnswerOnFailure(t *testing.T) {
	chat := &fakeChat{
		answer: "Sorry, something went wrong.",
		err:    &assistant.OrchestrationError{Kind: assistant.KindDatabaseUnavailable, Err: errors.New("pool unavailable")},
	}
	h := NewHandler(loadConfig(t, nil), Dependencies{Chat: chat})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"How many courses?"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp chatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if resp.Answer != "Sorry, something went wrong." {
		t.Fatalf("Answer = %q", resp.Answer)
	}
	if strings.Contains(rr.Body.String(), "pool unavailable") {
		t.Fatalf("internal error leaked: %s", rr.Body.String())
	}
}

func TestChatEndpointValidatesRequest(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Chat: &fakeChat{}})
	cases := []struct {
		body string
		code string
	}{
		{body: `{"message":"   "}`, code: "MESSAGE_REQUIRED"},
		{body: `{"message":"hi","extra":true}`, code: "INVALID_JSON"},
		{body: `not json`, code: "INVALID_JSON"},
	}
	for _, tc := range cases {
		body, code := tc.body, tc.code
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q status = %d", body, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), code) {
			t.Fatalf("body %q response = %s, want %s", body, rr.Body.String(), code)
		}
	}
}

func TestChatEndpointNotConfigured(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi"}`)))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestProtectedRoutesRequireAuthAndRoles(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"QUERYCHAT_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:analyst:chat_user,k2:auditor:log_reader")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Chat:           &fakeChat{answer: "ok"},
		QueryLog:       &fakeQueryLog{},
	})

	unauth := httptest.NewRecorder()
	h.ServeHTTP(unauth, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi"}`)))
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauth.Code)
	}

	chatReq := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi"}`))
	chatReq.Header.Set("X-API-Key", "k1")
	chatResp := httptest.NewRecorder()
	h.ServeHTTP(chatResp, chatReq)
	if chatResp.Code != http.StatusOK {
		t.Fatalf("chat status = %d", chatResp.Code)
	}

	logReq := httptest.NewRequest(http.MethodGet, "/v1/query-log", nil)
	logReq.Header.Set("X-API-Key", "k1")
	logResp := httptest.NewRecorder()
	h.ServeHTTP(logResp, logReq)
	if logResp.Code != http.StatusForbidden {
		t.Fatalf("chat_user query-log status = %d", logResp.Code)
	}

	auditReq := httptest.NewRequest(http.MethodGet, "/v1/query-log", nil)
	auditReq.Header.Set("X-API-Key", "k2")
	auditResp := httptest.NewRecorder()
	h.ServeHTTP(auditResp, auditReq)
	if auditResp.Code != http.StatusOK {
		t.Fatalf("log_reader query-log status = %d", auditResp.Code)
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"QUERYCHAT_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{Chat: &fakeChat{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestQueryLogEndpoint(t *testing.T) {
	store := &fakeQueryLog{attempts: []querylog.Attempt{{
		ID:           7,
		Query:        "How many courses do we have?",
		SQLQuery:     "SELECT COUNT(*) FROM courses;",
		SQLResponse:  `[{"count":42}]`,
		IsSQLQueryOK: true,
		CreatedAt:    time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC),
	}}}
	h := NewHandler(loadConfig(t, nil), Dependencies{QueryLog: store, QueryLogLimit: 25})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/query-log", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if store.limit != 25 {
		t.Fatalf("limit = %d, want default 25", store.limit)
	}
	var body struct {
		Attempts []querylog.Attempt `json:"attempts"`
		Count    int                `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.Count != 1 || body.Attempts[0].SQLQuery != "SELECT COUNT(*) FROM courses;" || !body.Attempts[0].IsSQLQueryOK {
		t.Fatalf("body = %+v", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/query-log?limit=3", nil))
	if rr.Code != http.StatusOK || store.limit != 3 {
		t.Fatalf("status = %d limit = %d", rr.Code, store.limit)
	}
}

func TestQueryLogEndpointRejectsBadLimit(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{QueryLog: &fakeQueryLog{}})
	for _, limit := range []string{"0", "-1", "abc", "501"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/query-log?limit="+limit, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("limit %q status = %d", limit, rr.Code)
		}
	}
}

func TestQueryLogEndpointStoreFailure(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{QueryLog: &fakeQueryLog{err: errors.New("pool unavailable")}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/query-log", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "QUERY_LOG_UNAVAILABLE") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestCheckObjectStoreConfig(t *testing.T) {
	if err := CheckObjectStoreConfig(loadConfig(t, nil))(context.Background()); err != nil {
		t.Fatalf("disabled object store should be ready: %v", err)
	}
	cfg := loadConfig(t, map[string]string{"QUERYCHAT_OBJECTSTORE_ENABLED": "true"})
	cfg.ObjectStore.Bucket = ""
	if err := CheckObjectStoreConfig(cfg)(context.Background()); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestUIHandlerServesNonAPIRoutes(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{
		UI: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "<html>ok</html>")
		}),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
