package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"quik-go/internal/broadcast"
	"quik-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	hub     *broadcast.Hub
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, hub *broadcast.Hub) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, hub: hub}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	PublicAddr  string `json:"public_addr"`
	BackendAddr string `json:"backend_addr"`
	EventsPath  string `json:"events_path"`
	Subscribers int    `json:"subscribers"`
	Watching    bool   `json:"watching"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		PublicAddr:  h.cfg.Server.Addr(),
		BackendAddr: h.cfg.Backend.Addr(),
		EventsPath:  h.cfg.Inject.EventsPath,
		Subscribers: h.hub.Len(),
		Watching:    h.cfg.Watch.Enabled,
	})
}
