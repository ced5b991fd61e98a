package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cmdrelay/internal/database"
	"cmdrelay/internal/server/audit"
	"cmdrelay/internal/server/config"
	"cmdrelay/internal/server/hub"
	"cmdrelay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubAudit struct {
	entries    []audit.Entry
	filter     audit.Filter
	err        error
	requests   []audit.AccessRequest
	requestErr error
}

func (s *stubAudit) Record(context.Context, *audit.Entry) error { return nil }

func (s *stubAudit) List(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.filter = f
	return s.entries, s.err
}

func (s *stubAudit) RequestAccess(_ context.Context, r *audit.AccessRequest) error {
	if s.requestErr != nil {
		return s.requestErr
	}
	s.requests = append(s.requests, *r)
	return nil
}

type statsAudit struct {
	stubAudit
	stats database.Stats
}

func (s *statsAudit) Stats() database.Stats { return s.stats }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Hub.AccessCodes = []string{"code-1"}
	cfg.API.CORS = config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"http://localhost:5173"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	}
	cfg.Log.Level = "info"
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.Config, store audit.Store) (*Router, *hub.Hub) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := hub.New(hub.Config{AccessCodes: cfg.Hub.AccessCodes}, nil, nil, logger)
	t.Cleanup(func() { _ = h.Close() })
	return NewRouter(cfg, h, store, logger), h
}

func do(r *Router, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), nil)

	w := do(r, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["active_connections"])
	assert.Equal(t, float64(0), body["active_agents"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotContains(t, body, "audit_db")
}

func TestHealthReportsAuditDatabase(t *testing.T) {
	store := &statsAudit{stats: database.Stats{OpenConnections: 2, QueryCount: 7, AvgQueryTime: 3 * time.Millisecond}}
	r, _ := newTestRouter(t, testConfig(), store)

	w := do(r, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		AuditDB map[string]float64 `json:"audit_db"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body.AuditDB["open_connections"])
	assert.Equal(t, float64(7), body.AuditDB["queries"])
	assert.Equal(t, float64(3), body.AuditDB["avg_query_ms"])
}

func TestListCommands(t *testing.T) {
	ok := true
	store := &stubAudit{entries: []audit.Entry{
		{ID: 2, Pair: "co****", Direction: audit.DirectionToWeb, Type: types.MessageCommandResult, CommandID: "c1", Success: &ok},
	}}
	r, _ := newTestRouter(t, testConfig(), store)

	w := do(r, http.MethodGet, "/api/v1/commands?command_id=c1&limit=5&since=2024-01-02T03:04:05Z", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Code int           `json:"code"`
		Data []audit.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "c1", body.Data[0].CommandID)

	assert.Equal(t, "c1", store.filter.CommandID)
	assert.Equal(t, 5, store.filter.Limit)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), store.filter.Since)
}

func TestListCommandsBadQuery(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), &stubAudit{})

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/commands?limit=-1", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/commands?since=yesterday", "", nil).Code)
}

func TestListCommandsStoreError(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), &stubAudit{err: errors.New("db down")})

	w := do(r, http.MethodGet, "/api/v1/commands", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestRequestAccess(t *testing.T) {
	store := &stubAudit{}
	r, _ := newTestRouter(t, testConfig(), store)

	w := do(r, http.MethodPost, "/api/v1/access-requests", `{"email":"me@example.com","use_case":"testing","message":"hi"}`, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, store.requests, 1)
	assert.Equal(t, "me@example.com", store.requests[0].Email)
	assert.Equal(t, "hi", store.requests[0].Message)

	w = do(r, http.MethodPost, "/api/v1/access-requests", `{"email":"nope","use_case":"testing"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "email must be a valid email address")

	w = do(r, http.MethodPost, "/api/v1/access-requests", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, store.requests, 1)
}

func TestRequestAccessDuplicate(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), &stubAudit{requestErr: audit.ErrAccessRequested})

	w := do(r, http.MethodPost, "/api/v1/access-requests", `{"email":"me@example.com","use_case":"testing"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), audit.ErrAccessRequested.Error())
}

func TestRequestAccessStoreError(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), &stubAudit{requestErr: errors.New("db down")})

	w := do(r, http.MethodPost, "/api/v1/access-requests", `{"email":"me@example.com","use_case":"testing"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestCors(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), nil)

	w := do(r, http.MethodOptions, "/api/health", "", map[string]string{"Origin": "http://localhost:5173"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))

	w = do(r, http.MethodGet, "/api/health", "", map[string]string{"Origin": "https://evil.example.com"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsPreflightForPost(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), nil)

	w := do(r, http.MethodOptions, "/api/v1/access-requests", "", map[string]string{
		"Origin":                        "http://localhost:5173",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.API.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 1, Window: time.Hour, Burst: 2}
	r, _ := newTestRouter(t, cfg, nil)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/health", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/api/health", "", nil).Code)
}

func TestWebSocketRouteRejectsUnknownCode(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), nil)
	w := do(r, http.MethodGet, "/ws?code=bad", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
