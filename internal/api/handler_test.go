package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgenius/internal/analysis"
	"crashgenius/internal/auth"
	"crashgenius/internal/config"
	"crashgenius/internal/llm"
	"crashgenius/internal/observability"
	"crashgenius/internal/queue"
	"crashgenius/internal/ratelimit"
	"crashgenius/internal/report"
	"crashgenius/internal/store"
)

type memReports struct {
	mu      sync.Mutex
	next    int
	reports map[string]store.ReportRecord
	certs   map[string]store.Certification
}

func newMemReports() *memReports {
	return &memReports{reports: map[string]store.ReportRecord{}, certs: map[string]store.Certification{}}
}

func (m *memReports) SaveReport(_ context.Context, rec store.ReportRecord) (store.ReportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	rec.ID = fmt.Sprintf("rep-%d", m.next)
	hash, err := report.Hash(rec.Report)
	if err != nil {
		return rec, err
	}
	rec.ContentHash = hash
	rec.CreatedAt = time.Now()
	m.reports[rec.ID] = rec
	return rec, nil
}

func (m *memReports) GetReport(_ context.Context, id string) (store.ReportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reports[id]
	if !ok {
		return rec, store.ErrNotFound
	}
	return rec, nil
}

func (m *memReports) ListReports(_ context.Context, _, _ int) ([]store.ReportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.ReportRecord{}
	for _, rec := range m.reports {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memReports) DeleteReport(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.reports, id)
	return nil
}

func (m *memReports) CreateCertification(_ context.Context, reportID string) (store.Certification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[reportID]; !ok {
		return store.Certification{}, store.ErrNotFound
	}
	c := store.Certification{ID: "cert-" + reportID, ReportID: reportID, Status: store.CertificationQueued, RequestedAt: time.Now()}
	m.certs[reportID] = c
	return c, nil
}

func (m *memReports) UpdateCertificationStatus(_ context.Context, id, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.certs {
		if c.ID == id {
			c.Status, c.Error = status, reason
			m.certs[k] = c
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memReports) GetCertification(_ context.Context, reportID string) (store.Certification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[reportID]
	if !ok {
		return c, store.ErrNotFound
	}
	return c, nil
}

type memQueue struct {
	jobs []queue.CertificationJob
	err  error
}

func (q *memQueue) PushCertification(_ context.Context, job queue.CertificationJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type fixture struct {
	handler     *Handler
	routes      http.Handler
	reports     *memReports
	queue       *memQueue
	mistralHits *atomic.Int32
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	var hits atomic.Int32
	mistral := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(mistral.Close)

	cfg := config.Default()
	cfg.LLM.DefaultProvider = "noop"
	cfg.RateLimit.AnalysesPerMinute = 100
	if mutate != nil {
		mutate(&cfg)
	}
	settings := analysis.SettingsFromConfig(cfg)
	settings.Mistral.BaseURL = mistral.URL

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	reports := newMemReports()
	q := &memQueue{}
	h := &Handler{
		Config:   cfg,
		Analysis: analysis.NewService(settings, reports, metrics, nil),
		Reports:  reports,
		Queue:    q,
		Auth:     auth.NewService(cfg),
		Limiter:  ratelimit.New(),
		Limits:   observability.NewLimitObserver(nil, metrics),
		Sessions: NewSessionRegistry(10, time.Minute),
		Gatherer: reg,
	}
	return &fixture{handler: h, routes: h.Routes(), reports: reports, queue: q, mistralHits: &hits}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "198.51.100.7:4000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.routes.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndModels(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "noop", body["default_provider"])
	assert.Len(t, body["models"], 3)

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalyzeJSONPersistsReport(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/reports", map[string]any{
		"context":  "cracked bumper after parking",
		"language": "en",
		"evidence": []map[string]any{{
			"name":    "scene.png",
			"payload": "data:image/png;base64,iVBORw0KGgo=",
		}},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "rep-1", body["id"])
	assert.Equal(t, "noop", body["provider"])
	saved, err := f.reports.GetReport(context.Background(), "rep-1")
	require.NoError(t, err)
	assert.Equal(t, saved.ContentHash, body["hash"])
	assert.Equal(t, "Offline analysis: scene.png", saved.Report.Title)
	assert.Equal(t, report.SeverityHigh, saved.Report.DamagePoints[0].Severity)
}

func TestAnalyzeMultipartUpload(t *testing.T) {
	f := newFixture(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("evidence", "crash.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	require.NoError(t, mw.WriteField("context", "dented door"))
	require.NoError(t, mw.WriteField("provider", "noop"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/reports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	rep := body["report"].(map[string]any)
	assert.Equal(t, "Offline analysis: crash.png", rep["title"])
}

func TestAnalyzeErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/reports", map[string]any{"context": "rear hit", "provider": "mistral"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "not_configured", decode(t, rec)["kind"])
	assert.Equal(t, int32(0), f.mistralHits.Load())

	rec = f.do(t, http.MethodPost, "/v1/reports", map[string]any{"context": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/reports", map[string]any{"context": "x", "provider": "openai"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/reports", map[string]any{
		"evidence": []map[string]any{{"name": "bad", "payload": "not a data uri"}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "evidence", decode(t, rec)["kind"])
}

func TestAnalyzeRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.RateLimit.AnalysesPerMinute = 1 })

	rec := f.do(t, http.MethodPost, "/v1/reports", map[string]any{"context": "hood dent"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/reports", map[string]any{"context": "hood dent"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(1), f.handler.Limits.Denials("198.51.100.7"))
}

func TestReportHistoryAndCertification(t *testing.T) {
	f := newFixture(t, nil)
	saved, err := f.reports.SaveReport(context.Background(), store.ReportRecord{Report: report.Sanitize(map[string]any{"title": "X"})})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/reports/"+saved.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/reports", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["reports"], 1)

	rec = f.do(t, http.MethodGet, "/v1/reports/"+saved.ID+"/hash", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, saved.ContentHash, body["hash"])
	assert.Equal(t, report.ContentID(saved.ContentHash), body["contentId"])

	rec = f.do(t, http.MethodPost, "/v1/reports/"+saved.ID+"/certify", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, saved.ID, f.queue.jobs[0].ReportID)

	rec = f.do(t, http.MethodGet, "/v1/reports/"+saved.ID+"/certification", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.CertificationQueued, decode(t, rec)["status"])

	f.queue.err = errors.New("redis down")
	rec = f.do(t, http.MethodPost, "/v1/reports/"+saved.ID+"/certify", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	cert, err := f.reports.GetCertification(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CertificationFailed, cert.Status)

	rec = f.do(t, http.MethodDelete, "/v1/reports/"+saved.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/reports/"+saved.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/reports/"+saved.ID+"/certify", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryUnavailableWithoutStore(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.Reports = nil
	rec := f.do(t, http.MethodGet, "/v1/reports", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatSessionStreamsOverSSE(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"report":   map[string]any{"title": "Case 12"},
		"language": "en",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["session_id"].(string)
	assert.Len(t, created["history"], 2)

	rec = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]any{"message": "Is it drivable?"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	stream := rec.Body.String()
	assert.Contains(t, stream, "event: delta\ndata: {\"text\":\"Offline ")
	assert.True(t, strings.HasSuffix(stream, "event: done\ndata: {\"completed\":true}\n\n"), stream)

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+id+"/messages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode(t, rec)["history"].([]any)
	require.Len(t, history, 4)
	last := history[3].(map[string]any)
	assert.Equal(t, string(llm.RoleModel), last["role"])
	assert.Contains(t, last["text"], `"Case 12"`)

	rec = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]any{"message": " "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	other := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id+"/messages", nil)
	other.RemoteAddr = "203.0.113.9:1234"
	otherRec := httptest.NewRecorder()
	f.routes.ServeHTTP(otherRec, other)
	assert.Equal(t, http.StatusNotFound, otherRec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/sessions/"+id+"/messages", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionFromStoredReport(t *testing.T) {
	f := newFixture(t, nil)
	saved, err := f.reports.SaveReport(context.Background(), store.ReportRecord{Report: report.Sanitize(map[string]any{"title": "Stored"})})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/sessions", map[string]any{"reportId": saved.ID}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/sessions", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/sessions", map[string]any{"report": map[string]any{}, "provider": "mistral"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(0), f.mistralHits.Load())
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Security.APIKey = "secret" })

	rec := f.do(t, http.MethodGet, "/v1/reports", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/reports", nil, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerTokenScopes(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Security.TokenSigningKey = "signing" })
	token, err := f.handler.Auth.IssueToken("reader", []string{auth.ScopeReportsRead}, time.Minute)
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	rec := f.do(t, http.MethodGet, "/v1/reports", nil, bearer)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/reports", map[string]any{"context": "x"}, bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOriginAllowList(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Security.AllowOrigins = []string{"https://app.example"} })

	rec := f.do(t, http.MethodGet, "/v1/models", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodOptions, "/v1/reports", nil, map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(t, http.MethodGet, "/v1/models", nil, map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusForProviderErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&llm.Error{Kind: llm.KindNotConfigured, Provider: "mistral"}, http.StatusBadRequest},
		{&llm.Error{Kind: llm.KindAuth, Provider: "google"}, http.StatusUnauthorized},
		{&llm.Error{Kind: llm.KindQuota, Provider: "google"}, http.StatusTooManyRequests},
		{&llm.Error{Kind: llm.KindFormat, Provider: "google"}, http.StatusUnsupportedMediaType},
		{&llm.Error{Kind: llm.KindProtocol, Provider: "mistral"}, http.StatusBadGateway},
		{fmt.Errorf("turn: %w", llm.ErrSessionBusy), http.StatusConflict},
		{store.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}

func TestSessionRegistryCapacity(t *testing.T) {
	reg := NewSessionRegistry(1, time.Minute)
	now := time.Unix(0, 0)
	reg.now = func() time.Time { return now }

	_, err := reg.Add(&analysis.Session{}, "a")
	require.NoError(t, err)
	_, err = reg.Add(&analysis.Session{}, "a")
	assert.ErrorIs(t, err, ErrTooManySessions)

	now = now.Add(2 * time.Minute)
	_, err = reg.Add(&analysis.Session{}, "a")
	assert.NoError(t, err, "idle sessions are evicted to make room")
	assert.Equal(t, 1, reg.Len())
}
