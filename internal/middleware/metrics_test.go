package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"quik-go/internal/metrics"
)

// requestCount returns the quik_admin_requests_total sample matching want,
// and whether one was found.
func requestCount(t *testing.T, m *metrics.Metrics, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, f := range families {
		if f.GetName() != "quik_admin_requests_total" {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			return metric.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.POST("/reload", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if rec := serve(e, http.MethodPost, "/reload"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	v, ok := requestCount(t, m, map[string]string{
		"method": "POST", "status_code": "200", "path_prefix": "/reload",
	})
	if !ok {
		t.Fatal("expected quik_admin_requests_total with path_prefix=/reload")
	}
	if v != 1 {
		t.Errorf("counter value = %v, want 1", v)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/healthz")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "quik_admin_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetHistogram().GetSampleCount() > 0 {
				return
			}
		}
	}
	t.Error("expected quik_admin_request_duration_seconds with at least one sample")
}

func TestMetricsMiddleware_StatusLabels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   map[string]string
	}{
		{
			name:   "handler HTTPError",
			method: http.MethodPost,
			path:   "/reload",
			want:   map[string]string{"path_prefix": "/reload", "status_code": "400"},
		},
		{
			name:   "unknown method",
			method: "XYZZY",
			path:   "/status",
			want:   map[string]string{"path_prefix": "/status", "method": "other"},
		},
		{
			name:   "router not found",
			method: http.MethodGet,
			path:   "/nonexistent",
			want:   map[string]string{"path_prefix": "other", "method": "GET", "status_code": "404"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.POST("/reload", func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusBadRequest, "bad reason")
			})
			e.Any("/status", func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})

			serve(e, tt.method, tt.path)

			if _, ok := requestCount(t, m, tt.want); !ok {
				t.Errorf("no quik_admin_requests_total sample with labels %v", tt.want)
			}
		})
	}
}
