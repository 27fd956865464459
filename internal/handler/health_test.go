package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"agent-proxy/internal/client"
	"agent-proxy/internal/config"
	"agent-proxy/internal/service"
)

func newTestService(cfg *config.Config, env map[string]string) *service.ProxyService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fc := client.NewFunctionClient(cfg, logger, nil)
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return service.NewProxyService(fc, nil, lookup, cfg, logger)
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(newTestService(&config.Config{}, nil), "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{
		Backends: []config.BackendConfig{
			config.DefaultBackend(),
			{Name: "azure", Route: "/api/azure", URLEnv: "AZURE_FUNCTION_URL", KeyEnv: "AZURE_FUNCTION_KEY"},
		},
	}
	svc := newTestService(cfg, map[string]string{
		"AGENT_FUNCTION_URL": "https://agent.example.com",
		"AGENT_FUNCTION_KEY": "top-secret",
	})
	h := NewHealthHandler(svc, "1.2.3")
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("body.status = %q, want %q", body.Status, "ok")
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if len(body.Backends) != 2 {
		t.Fatalf("len(body.backends) = %d, want 2", len(body.Backends))
	}
	if !body.Backends[0].Configured || body.Backends[0].Name != "agent" {
		t.Errorf("backends[0] = %+v, want configured agent", body.Backends[0])
	}
	if body.Backends[1].Configured {
		t.Errorf("backends[1] = %+v, want unconfigured azure", body.Backends[1])
	}

	for _, leak := range []string{"top-secret", "agent.example.com"} {
		if strings.Contains(rec.Body.String(), leak) {
			t.Errorf("status body leaked %q: %s", leak, rec.Body.String())
		}
	}
}
