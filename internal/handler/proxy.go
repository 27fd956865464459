package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"agent-proxy/internal/config"
	"agent-proxy/internal/model"
	"agent-proxy/internal/service"
)

// Fixed error bodies returned to callers. The underlying cause is only logged.
const (
	msgMissingConfig = "Missing agent function configuration"
	msgCallFailed    = "Failed to call agent"
)

// codePattern matches code query parameter values in URLs embedded in error messages.
var codePattern = regexp.MustCompile(`(?i)(code=)[^&\s"]+`)

// ProxyHandler forwards requests to function backends.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle returns the handler serving both POST and GET on b's route.
// The endpoint query parameter selects the backend path segment and defaults
// to b.PostEndpoint for POST and b.GetEndpoint for GET.
func (h *ProxyHandler) Handle(b config.BackendConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		pr := &model.ProxyRequest{
			Ctx:      req.Context(),
			Method:   req.Method,
			Backend:  b.Name,
			Endpoint: c.QueryParam("endpoint"),
		}

		if req.Method == http.MethodPost {
			pr.Body = req.Body
			if pr.Endpoint == "" {
				pr.Endpoint = b.PostEndpoint
			}
		} else if pr.Endpoint == "" {
			pr.Endpoint = b.GetEndpoint
		}

		resp, err := h.service.Forward(pr)
		if err != nil {
			return h.mapError(c, b.Name, err)
		}

		return c.JSONBlob(resp.StatusCode, resp.Body)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, backend string, err error) error {
	if errors.Is(err, service.ErrMissingConfig) || errors.Is(err, service.ErrUnknownBackend) {
		h.logger.Error("agent function configuration missing",
			"err", sanitizeError(err),
			"backend", backend,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": msgMissingConfig,
		})
	}

	h.logger.Error("agent proxy error",
		"err", sanitizeError(err),
		"backend", backend,
		"path", c.Request().URL.Path,
	)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": msgCallFailed,
	})
}

// sanitizeError redacts function keys from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return codePattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
