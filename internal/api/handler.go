package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"crashgenius/internal/analysis"
	"crashgenius/internal/auth"
	"crashgenius/internal/config"
	"crashgenius/internal/llm"
	"crashgenius/internal/mcp"
	"crashgenius/internal/observability"
	"crashgenius/internal/queue"
	"crashgenius/internal/ratelimit"
	"crashgenius/internal/report"
	"crashgenius/internal/store"
)

// Reports is the report history backing the /v1/reports routes.
type Reports interface {
	GetReport(ctx context.Context, id string) (store.ReportRecord, error)
	ListReports(ctx context.Context, limit, offset int) ([]store.ReportRecord, error)
	DeleteReport(ctx context.Context, id string) error
	CreateCertification(ctx context.Context, reportID string) (store.Certification, error)
	UpdateCertificationStatus(ctx context.Context, id, status, reason string) error
	GetCertification(ctx context.Context, reportID string) (store.Certification, error)
}

type CertificationQueue interface {
	PushCertification(ctx context.Context, job queue.CertificationJob) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Config   config.Config
	Analysis *analysis.Service
	Reports  Reports
	Queue    CertificationQueue
	Auth     *auth.Service
	Limiter  *ratelimit.Limiter
	Limits   *observability.LimitObserver
	Sessions *SessionRegistry
	MCP      *mcp.Server
	Gatherer prometheus.Gatherer
	Ready    []Pinger
	Logger   *zap.Logger
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /v1/models", h.handleModels)

	mux.HandleFunc("POST /v1/reports", h.authorized(auth.ScopeReportsWrite, h.handleAnalyze))
	mux.HandleFunc("GET /v1/reports", h.authorized(auth.ScopeReportsRead, h.handleListReports))
	mux.HandleFunc("GET /v1/reports/{id}", h.authorized(auth.ScopeReportsRead, h.handleGetReport))
	mux.HandleFunc("DELETE /v1/reports/{id}", h.authorized(auth.ScopeReportsWrite, h.handleDeleteReport))
	mux.HandleFunc("GET /v1/reports/{id}/hash", h.authorized(auth.ScopeReportsRead, h.handleReportHash))
	mux.HandleFunc("POST /v1/reports/{id}/certify", h.authorized(auth.ScopeCertify, h.handleCertify))
	mux.HandleFunc("GET /v1/reports/{id}/certification", h.authorized(auth.ScopeCertify, h.handleGetCertification))

	mux.HandleFunc("POST /v1/sessions", h.authorized(auth.ScopeChat, h.handleCreateSession))
	mux.HandleFunc("POST /v1/sessions/{id}/messages", h.authorized(auth.ScopeChat, h.handleSendMessage))
	mux.HandleFunc("GET /v1/sessions/{id}/messages", h.authorized(auth.ScopeChat, h.handleHistory))
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.authorized(auth.ScopeChat, h.handleDeleteSession))

	if h.MCP != nil {
		// Per-tool scopes are checked by the MCP server against the principal.
		mux.HandleFunc("POST /mcp", h.authorized("", h.MCP.HandleHTTP))
	}
}

// Routes returns the complete handler chain.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h.cors(mux)
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.NewNop()
}

func (h *Handler) cors(next http.Handler) http.Handler {
	allowed := h.Config.Security.AllowOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !slices.Contains(allowed, origin) && !slices.Contains(allowed, "*") {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Add("Vary", "Origin")
		hdr.Set("Access-Control-Expose-Headers", "MCP-Session-Id, Retry-After")
		if r.Method == http.MethodOptions {
			hdr.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Mistral-Key, X-Provider-Key, MCP-Session-Id")
			hdr.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authorized(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Auth == nil {
			next(w, r.WithContext(auth.WithPrincipal(r.Context(), auth.Principal{ClientID: auth.ClientAddress(r), Scopes: []string{"*"}, AuthMethod: "none"})))
			return
		}
		principal, err := h.Auth.AuthenticateRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := h.Auth.ValidateScopes(principal, scope); err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	}
}

func clientID(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.ClientID != "" {
		return p.ClientID
	}
	return auth.ClientAddress(r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range h.Ready {
		if err := p.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *Handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default_provider": h.Config.LLM.DefaultProvider,
		"models":           h.Config.Models,
	})
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, route string) bool {
	if h.Limiter == nil {
		return true
	}
	id := clientID(r)
	ok, retry := h.Limiter.Allow(id, h.Config.RateLimit.AnalysesPerMinute)
	if ok {
		h.Limits.RecordAllow(id)
		return true
	}
	h.Limits.RecordDeny(id, route, retry)
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded", "kind": "rate_limited", "retry_after": retry})
	return false
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "reports") {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.HTTP.MaxUploadBytes)
	in, err := h.parseAnalyze(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.Analysis.Analyze(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{
		"report":   out.Report,
		"provider": out.Provider,
		"model":    out.Model,
	}
	if out.Record != nil {
		resp["id"] = out.Record.ID
		resp["hash"] = out.Record.ContentHash
	} else if hash, err := report.Hash(out.Report); err == nil {
		resp["hash"] = hash
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) reports(w http.ResponseWriter) bool {
	if h.Reports == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "report history not configured", "kind": "unavailable"})
		return false
	}
	return true
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	if !h.reports(w) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := h.Reports.ListReports(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": list})
}

func (h *Handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if !h.reports(w) {
		return
	}
	rec, err := h.Reports.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	if !h.reports(w) {
		return
	}
	if err := h.Reports.DeleteReport(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReportHash(w http.ResponseWriter, r *http.Request) {
	if !h.reports(w) {
		return
	}
	rec, err := h.Reports.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	hash, err := report.Hash(rec.Report)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": hash, "contentId": report.ContentID(hash)})
}

func (h *Handler) handleCertify(w http.ResponseWriter, r *http.Request) {
	if !h.reports(w) {
		return
	}
	if h.Queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "certification queue not configured", "kind": "unavailable"})
		return
	}
	cert, err := h.Reports.CreateCertification(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	job := queue.CertificationJob{CertificationID: cert.ID, ReportID: cert.ReportID}
	if err := h.Queue.PushCertification(r.Context(), job); err != nil {
		h.logger().Error("certification enqueue failed", zap.String("report_id", cert.ReportID), zap.Error(err))
		_ = h.Reports.UpdateCertificationStatus(r.Context(), cert.ID, store.CertificationFailed, "enqueue failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "certification queue unavailable", "kind": "unavailable"})
		return
	}
	writeJSON(w, http.StatusAccepted, cert)
}

func (h *Handler) handleGetCertification(w http.ResponseWriter, r *http.Request) {
	if !h.reports(w) {
		return
	}
	cert, err := h.Reports.GetCertification(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.HTTP.MaxUploadBytes)
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json", errBadRequest))
		return
	}
	rep, ok := sanitizedReport(req.Report)
	if !ok && req.ReportID != "" {
		if !h.reports(w) {
			return
		}
		rec, err := h.Reports.GetReport(r.Context(), req.ReportID)
		if err != nil {
			writeError(w, err)
			return
		}
		rep, ok = rec.Report, true
	}
	if !ok {
		writeError(w, fmt.Errorf("%w: report or reportId is required", errBadRequest))
		return
	}
	ev, err := decodeEvidence(req.Evidence, h.Logger)
	if err != nil {
		writeError(w, err)
		return
	}
	sel, err := selectorFrom(r, req.Provider, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.Analysis.CreateChatSession(r.Context(), rep, ev, llm.ParseLanguage(req.Language), sel)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := h.Sessions.Add(sess, clientID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"provider":   sess.Provider,
		"model":      sess.Model,
		"history":    sess.History(),
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.PathValue("id"), clientID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json", errBadRequest))
		return
	}
	stream, err := sess.SendMessageStream(r.Context(), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	events, ok := newEventWriter(w)
	if !ok {
		reply, err := llm.Collect(stream)
		h.Analysis.ObserveChatTurn(sess.Provider, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reply": reply})
		return
	}
	for stream.Next() {
		if err := events.send("delta", map[string]string{"text": stream.Text()}); err != nil {
			h.logger().Debug("chat client went away", zap.Error(err))
			return
		}
	}
	err = stream.Err()
	h.Analysis.ObserveChatTurn(sess.Provider, err)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			return
		}
		_, code := statusFor(err)
		h.logger().Warn("chat turn failed", zap.String("provider", sess.Provider), zap.Error(err))
		_ = events.send("error", map[string]string{"error": err.Error(), "kind": code})
		return
	}
	_ = events.send("done", map[string]any{"completed": stream.Completed()})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.PathValue("id"), clientID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": sess.History()})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Remove(r.PathValue("id"), clientID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// sessionSweepInterval bounds how long an idle session outlives its TTL.
const sessionSweepInterval = time.Minute

// RunJanitor periodically evicts idle sessions and rate-limit buckets until ctx ends.
func (h *Handler) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Sessions.Sweep(); n > 0 {
				h.logger().Debug("evicted idle chat sessions", zap.Int("count", n))
			}
			if h.Limiter != nil {
				h.Limiter.Sweep(10 * time.Minute)
			}
		}
	}
}
