package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testServer() *Server {
	return New(ServerConfig{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Port:            0,
		Version:         "test",
		MaxRequestBytes: 1 << 16,
	})
}

func doRequest(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	testServer().Handler().ServeHTTP(rec, req)
	return rec
}

func TestResolveRejectsEmptyBatch(t *testing.T) {
	rec := doRequest(t, http.MethodPost, "/v1/resolve", `{"requests":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "must not be empty")
}

func TestResolveRejectsUnknownKind(t *testing.T) {
	rec := doRequest(t, http.MethodPost, "/v1/resolve",
		`{"requests":[{"request_id":"r1","raw_label":"Glucose","kind":"mineral"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveRejectsMalformedJSON(t *testing.T) {
	rec := doRequest(t, http.MethodPost, "/v1/resolve", `{"requests": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewRejectsInvalidID(t *testing.T) {
	rec := doRequest(t, http.MethodPost, "/v1/review/not-a-uuid/approve", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid review item id")
}

func TestUnknownRouteIs404(t *testing.T) {
	rec := doRequest(t, http.MethodGet, "/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDHeaderAssigned(t *testing.T) {
	rec := doRequest(t, http.MethodPost, "/v1/resolve", `{"requests":[]}`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResolveOversizedBodyIs413(t *testing.T) {
	body := `{"requests":[{"request_id":"r1","raw_label":"` + strings.Repeat("a", 1<<17) + `","kind":"analyte"}]}`
	rec := doRequest(t, http.MethodPost, "/v1/resolve", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload_too_large")
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubChecker struct{ err error }

func (s stubChecker) Healthy(context.Context) error { return s.err }

func healthRequest(h *Handlers) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	return rec
}

func TestHealthFailsWhenDatabaseDown(t *testing.T) {
	h := &Handlers{db: stubPinger{err: errors.New("connection refused")}, version: "test"}
	rec := healthRequest(h)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database unreachable")
}

func TestHealthReportsFuzzyUnavailable(t *testing.T) {
	h := &Handlers{db: stubPinger{}, matcher: stubChecker{err: errors.New("down")}, version: "test"}
	rec := healthRequest(h)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"fuzzy":"unavailable"`)
}

func TestHealthReportsFuzzyOK(t *testing.T) {
	h := &Handlers{db: stubPinger{}, matcher: stubChecker{}, version: "test"}
	rec := healthRequest(h)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"fuzzy":"ok"`)
}

func TestRequestIDHeaderPreserved(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/resolve", strings.NewReader(`{"requests":[]}`))
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	testServer().Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}
