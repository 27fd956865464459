package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"agent-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	service *service.ProxyService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.ProxyService, v Version) *HealthHandler {
	return &HealthHandler{service: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status   string                  `json:"status"`
	Version  string                  `json:"version"`
	Backends []service.BackendStatus `json:"backends"`
}

// Status reports the build version and whether each backend is configured.
// Backend URLs and keys are never included.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:   "ok",
		Version:  string(h.version),
		Backends: h.service.Status(c.Request().Context()),
	})
}
