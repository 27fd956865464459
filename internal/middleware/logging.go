// Package middleware provides Echo middleware for logging, security headers and metrics.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors are logged at warn level; the proxy handler logs their cause.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let Echo's error handler write the response so the
				// logged status matches what the client receives.
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"endpoint", c.QueryParam("endpoint"),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return nil
		}
	}
}
