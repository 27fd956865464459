package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent-proxy/internal/config"
	"agent-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// m may be nil when metrics are disabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	for _, b := range cfg.Backends {
		h := proxy.Handle(b)
		e.POST(b.Route, h)
		e.GET(b.Route, h)
	}

	if m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
