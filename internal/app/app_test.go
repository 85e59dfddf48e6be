package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgenius/internal/config"
)

func TestNewWithoutBackingServices(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.DefaultProvider = "noop"

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Store)
	assert.Nil(t, a.Queue)
	assert.Nil(t, a.API.Reports)

	rec := httptest.NewRecorder()
	a.API.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.API.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	assert.Error(t, a.RunWorker(context.Background()))
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.DefaultProvider = "noop"
	cfg.Redis.URL = "http://nope"

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestMCPIsMounted(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.DefaultProvider = "noop"

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	routes := a.API.Routes()
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	session := rec.Header().Get("MCP-Session-Id")
	require.NotEmpty(t, session)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	req.Header.Set("MCP-Session-Id", session)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "generate_crash_report")
	assert.NotContains(t, rec.Body.String(), "list_reports")

	var out strings.Builder
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	require.NoError(t, a.RunMCP(context.Background(), in, &out))
	assert.Contains(t, out.String(), "bounding_box_region")
}
