package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that marks admin responses as
// uncacheable and unframeable. The admin API only ever serves JSON and metrics.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
