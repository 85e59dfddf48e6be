package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crashgenius/internal/analysis"
	"crashgenius/internal/auth"
	"crashgenius/internal/config"
	"crashgenius/internal/evidence"
	"crashgenius/internal/llm"
	"crashgenius/internal/observability"
	"crashgenius/internal/ratelimit"
	"crashgenius/internal/report"
	"crashgenius/internal/store"
)

const sessionTTL = 24 * time.Hour

type Reports interface {
	GetReport(ctx context.Context, id string) (store.ReportRecord, error)
	ListReports(ctx context.Context, limit, offset int) ([]store.ReportRecord, error)
}

// Server exposes report generation as MCP tools over JSON-RPC. Scopes are enforced
// only when the request context carries an authenticated principal.
type Server struct {
	Analysis *analysis.Service
	Reports  Reports
	Models   []config.ModelInfo
	Auth     *auth.Service
	Limiter  *ratelimit.Limiter
	Limits   *observability.LimitObserver
	RPM      int
	Logger   *zap.Logger
	Now      func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time
}

func NewServer(cfg config.Config, svc *analysis.Service, reports Reports, logger *zap.Logger) *Server {
	return &Server{
		Analysis: svc,
		Reports:  reports,
		Models:   cfg.Models,
		RPM:      cfg.RateLimit.AnalysesPerMinute,
		Logger:   logger,
		sessions: make(map[string]time.Time),
	}
}

func (s *Server) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s *Server) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, codeParse, "invalid json")
		return
	}
	ctx := r.Context()
	if principal, ok := auth.PrincipalFromContext(ctx); ok && s.Auth != nil {
		if err := s.Auth.ValidateScopes(principal, s.requiredScope(req)); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	if req.ID == nil && isNotification(req.Method) {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	sessionID := r.Header.Get("MCP-Session-Id")
	if req.Method != "initialize" && !s.isSessionValid(sessionID) {
		writeError(w, req.ID, codeServer, "missing or invalid MCP-Session-Id")
		return
	}
	result, err := s.dispatch(ctx, req)
	if err != nil {
		s.writeDispatchError(w, req.ID, err)
		return
	}
	if req.Method == "initialize" {
		if sessionID == "" || !s.isSessionValid(sessionID) {
			sessionID = s.newSession()
		}
		w.Header().Set("MCP-Session-Id", sessionID)
	}
	w.Header().Set("MCP-Protocol-Version", ProtocolVersion)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo": map[string]any{
				"name":    "crashgenius",
				"version": "0.1.0",
			},
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return s.listTools(), nil
	case "tools/call":
		return s.callTool(ctx, req)
	case "resources/list":
		return listResources(s.Reports != nil), nil
	case "resources/read":
		return s.readResource(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownMethod, req.Method)
	}
}

var (
	errUnknownMethod = errors.New("unknown method")
	errUnknownTool   = errors.New("unknown tool")
)

type rateLimitError struct {
	RetryAfterSeconds int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds)
}

func (s *Server) callTool(ctx context.Context, req Request) (any, error) {
	var params ToolCallParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	def, ok := findTool(params.Name)
	if !ok || (def.NeedsStore && s.Reports == nil) {
		return nil, fmt.Errorf("%w: %s", errUnknownTool, params.Name)
	}
	if err := validateArguments(params.Name, params.Arguments); err != nil {
		return nil, err
	}
	if def.Scope == auth.ScopeReportsWrite {
		if err := s.allow(ctx, params.Name); err != nil {
			return nil, err
		}
	}
	exec, err := s.toolExecutor(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidArguments, err)
	}

	start := s.now()
	callID := uuid.NewString()
	result, callErr := exec(ctx)
	fields := []zap.Field{
		zap.String("tool", params.Name),
		zap.String("call_id", callID),
		zap.String("inputs_hash", hashJSON(params.Arguments)),
		zap.Duration("elapsed", s.now().Sub(start)),
	}
	if callErr != nil {
		s.logger().Warn("mcp tool failed", append(fields, zap.Error(callErr))...)
		return nil, callErr
	}
	s.logger().Info("mcp tool call", append(fields, zap.String("outputs_hash", hashJSON(result)))...)
	if m, ok := result.(map[string]any); ok {
		m["call_id"] = callID
	}
	return textContent(result)
}

func (s *Server) allow(ctx context.Context, route string) error {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || s.Limiter == nil {
		return nil
	}
	allowed, retry := s.Limiter.Allow(principal.ClientID, s.RPM)
	if allowed {
		s.Limits.RecordAllow(principal.ClientID)
		return nil
	}
	s.Limits.RecordDeny(principal.ClientID, "mcp:"+route, retry)
	return &rateLimitError{RetryAfterSeconds: retry}
}

func (s *Server) readResource(ctx context.Context, req Request) (any, error) {
	var params ResourceReadParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	var (
		body     any
		mimeType = "application/json"
	)
	switch {
	case params.URI == ResourceModels:
		body = map[string]any{"models": s.Models}
	case params.URI == ResourceReportSchema:
		return resourceContents(params.URI, "application/schema+json", report.SchemaJSON()), nil
	case strings.HasPrefix(params.URI, resourceReportPrefix) && s.Reports != nil:
		rec, err := s.Reports.GetReport(ctx, strings.TrimPrefix(params.URI, resourceReportPrefix))
		if err != nil {
			return nil, err
		}
		body = rec
	default:
		return nil, fmt.Errorf("%w: resource %s", store.ErrNotFound, params.URI)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return resourceContents(params.URI, mimeType, string(data)), nil
}

func resourceContents(uri, mimeType, text string) map[string]any {
	return map[string]any{
		"contents": []map[string]any{{"uri": uri, "mimeType": mimeType, "text": text}},
	}
}

func (s *Server) requiredScope(req Request) string {
	if req.Method != "tools/call" {
		return auth.ScopeReportsRead
	}
	var params ToolCallParams
	if err := decodeParams(req.Params, &params); err != nil {
		return auth.ScopeReportsRead
	}
	if def, ok := findTool(params.Name); ok {
		return def.Scope
	}
	return auth.ScopeReportsRead
}

// errorFor maps a dispatch failure to a JSON-RPC error. Internal failures are masked.
func errorFor(err error) ResponseError {
	var (
		rateErr *rateLimitError
		llmErr  *llm.Error
	)
	switch {
	case errors.As(err, &rateErr):
		return ResponseError{Code: codeRateLimited, Message: "rate_limited", Data: map[string]any{
			"retryable":           true,
			"retry_after_seconds": rateErr.RetryAfterSeconds,
		}}
	case errors.As(err, &llmErr):
		return ResponseError{Code: codeProvider, Message: err.Error(), Data: map[string]any{
			"kind":      string(llmErr.Kind),
			"retryable": llmErr.Kind == llm.KindQuota || llmErr.Kind == llm.KindProtocol,
		}}
	case errors.Is(err, errInvalidArguments), errors.Is(err, analysis.ErrNoInput), errors.Is(err, evidence.ErrInvalidDataURI):
		return ResponseError{Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return ResponseError{Code: codeNotFound, Message: "not found"}
	case errors.Is(err, errUnknownMethod), errors.Is(err, errUnknownTool), errors.Is(err, errMissingParams):
		return ResponseError{Code: codeServer, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return ResponseError{Code: codeServer, Message: "deadline exceeded", Data: map[string]any{"retryable": true}}
	default:
		return ResponseError{Code: codeServer, Message: "internal error"}
	}
}

func (s *Server) writeDispatchError(w http.ResponseWriter, id any, err error) {
	rerr := errorFor(err)
	if rerr.Message == "internal error" {
		s.logger().Error("mcp dispatch failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: id, Error: &rerr})
}

func (s *Server) newSession() string {
	id := uuid.NewString()
	now := s.now()
	s.mu.Lock()
	for sid, expiry := range s.sessions {
		if now.After(expiry) {
			delete(s.sessions, sid)
		}
	}
	s.sessions[id] = now.Add(sessionTTL)
	s.mu.Unlock()
	return id
}

func (s *Server) isSessionValid(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	expiry, ok := s.sessions[id]
	s.mu.Unlock()
	return ok && s.now().Before(expiry)
}

var errMissingParams = errors.New("missing params")

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errMissingParams
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidArguments, err)
	}
	return nil
}

func hashJSON(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

func writeError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ResponseError{Code: code, Message: message},
	})
}
