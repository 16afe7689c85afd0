package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"html-rewrite-proxy/internal/config"
	"html-rewrite-proxy/internal/gate"
	"html-rewrite-proxy/internal/rewrite"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	gate    *gate.Gate
	engine  *rewrite.Engine
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, g *gate.Gate, e *rewrite.Engine) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, gate: g, engine: e}
}

// Healthz reports liveness without contacting the upstream.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"ok":     true,
		"target": h.cfg.Upstream.BaseURL,
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        string(h.version),
		"upstream_url":   h.cfg.Upstream.BaseURL,
		"rewrite_prefix": h.gate.Prefix(),
		"rules":          h.engine.Len(),
	})
}
