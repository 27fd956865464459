package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"agent-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			req := c.Request()
			labels := []string{
				metrics.NormalizeMethod(req.Method),
				strconv.Itoa(responseStatus(c, err)),
				m.NormalizePath(req.URL.Path),
			}

			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(elapsed)

			return err
		}
	}
}

// responseStatus returns the status the client will see. An *echo.HTTPError
// returned by the handler has not been written yet; Echo's error handler
// writes it after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		if !c.Response().Committed {
			return http.StatusInternalServerError
		}
	}
	return c.Response().Status
}
