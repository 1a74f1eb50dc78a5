package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quik-go/internal/config"
	"quik-go/internal/metrics"
)

// RegisterRoutes wires all admin route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, health *HealthHandler, reload *ReloadHandler, m *metrics.Metrics, cfg *config.Config) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	e.POST("/reload", reload.Handle)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
