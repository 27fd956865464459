package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests. Agent replies are per-caller,
// so responses are marked non-cacheable.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Set before next: headers are frozen once the handler writes.
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
