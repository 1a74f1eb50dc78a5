package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"quik-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each admin request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(statusOf(c, err)),
				metrics.NormalizePath(c.Request().URL.Path),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// statusOf resolves the status an error will be rendered with. Echo writes
// *echo.HTTPError responses after the middleware chain returns.
func statusOf(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
