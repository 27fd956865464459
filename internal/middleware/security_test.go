package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestSecurityHeaders_StripsHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	var gotConnection, gotProxyAuth string
	e.POST("/api/agent", func(c echo.Context) error {
		gotConnection = c.Request().Header.Get("Connection")
		gotProxyAuth = c.Request().Header.Get("Proxy-Authorization")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/agent", http.NoBody)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotConnection != "" {
		t.Errorf("Connection header should be stripped, got %q", gotConnection)
	}
	if gotProxyAuth != "" {
		t.Errorf("Proxy-Authorization header should be stripped, got %q", gotProxyAuth)
	}
}
