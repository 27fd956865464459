package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"agent-proxy/internal/config"
	"agent-proxy/internal/metrics"
	"agent-proxy/internal/middleware"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	agent := testBackend()
	azure := config.BackendConfig{
		Name:         "azure",
		Route:        "/api/azure",
		URLEnv:       "AZURE_FUNCTION_URL",
		KeyEnv:       "AZURE_FUNCTION_KEY",
		PostEndpoint: "agent",
		GetEndpoint:  "health",
	}
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Backends: []config.BackendConfig{agent, azure},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	env := map[string]string{
		"AGENT_FUNCTION_URL": upstream.URL,
		"AGENT_FUNCTION_KEY": "test-key",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := newTestService(cfg, env)

	proxy := NewProxyHandler(svc, logger)
	health := NewHealthHandler(svc, "test")

	e := echo.New()
	RegisterRoutes(e, cfg, proxy, health, metrics.New("/api/agent", "/api/azure"))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", "", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", "", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"GET /api/agent", http.MethodGet, "/api/agent", "", http.StatusOK},
		{"POST /api/agent", http.MethodPost, "/api/agent?endpoint=agent", `{"q":1}`, http.StatusOK},
		{"GET /api/azure unconfigured", http.MethodGet, "/api/azure", "", http.StatusInternalServerError},
		{"PUT /api/agent not allowed", http.MethodPut, "/api/agent", "", http.StatusMethodNotAllowed},
		{"GET /unknown", http.MethodGet, "/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{
		Backends: []config.BackendConfig{testBackend()},
		Metrics:  config.MetricsConfig{Path: "/metrics"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := newTestService(cfg, nil)

	e := echo.New()
	RegisterRoutes(e, cfg, NewProxyHandler(svc, logger), NewHealthHandler(svc, "test"), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes_OversizedBody(t *testing.T) {
	fn := newFakeFunction(t, replyJSON(http.StatusOK, `{}`))

	tests := []struct {
		name      string
		env       map[string]string
		wantError string
	}{
		{"missing config", map[string]string{}, "Missing agent function configuration"},
		{"configured", configuredEnv(fn.URL), "Failed to call agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Server: config.ServerConfig{BodyMaxBytes: 16},
				Upstream: config.UpstreamConfig{
					TimeoutSeconds:  10,
					IdleConnections: 10,
				},
				Backends: []config.BackendConfig{testBackend()},
			}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			svc := newTestService(cfg, tt.env)

			e := echo.New()
			e.Use(middleware.RequestLogger(logger))
			RegisterRoutes(e, cfg, NewProxyHandler(svc, logger), NewHealthHandler(svc, "test"), nil)

			body := `{"message":"` + strings.Repeat("x", 64) + `"}`
			req := httptest.NewRequest(http.MethodPost, "/api/agent", strings.NewReader(body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
			}
			if got := decodeError(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
		})
	}

	if n := fn.calls.Load(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}
