package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"github.com/elastic/llm-debug-proxy/internal/metrics"
)

// findMetric returns the first sample of family name whose labels include want.
func findMetric(t *testing.T, m *metrics.Metrics, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/", func(c echo.Context) error {
		return c.String(http.StatusCreated, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/?target_url=http://example.test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	metric := findMetric(t, m, "llm_debug_proxy_http_requests_total", map[string]string{
		"path_prefix": "/", "method": "POST", "status_code": "201",
	})
	if metric == nil {
		t.Fatal("expected llm_debug_proxy_http_requests_total with path_prefix=/")
	}
	if v := metric.GetCounter().GetValue(); v != 1 {
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

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	metric := findMetric(t, m, "llm_debug_proxy_http_request_duration_seconds", map[string]string{"path_prefix": "/healthz"})
	if metric == nil || metric.GetHistogram().GetSampleCount() == 0 {
		t.Error("expected llm_debug_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy/status", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if findMetric(t, m, "llm_debug_proxy_http_requests_total", map[string]string{
		"path_prefix": "/proxy/status", "status_code": "503",
	}) == nil {
		t.Error("expected llm_debug_proxy_http_requests_total with path_prefix=/proxy/status, status_code=503")
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if findMetric(t, m, "llm_debug_proxy_http_requests_total", map[string]string{
		"path_prefix": "/", "method": "other",
	}) == nil {
		t.Error("expected llm_debug_proxy_http_requests_total with path_prefix=/ and method=other")
	}
}

func TestMetricsMiddleware_CatchAllPathsBounded(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "info")
	})

	for _, p := range []string{"/a", "/b/c", "/chat/completions"} {
		req := httptest.NewRequest(http.MethodGet, p, http.NoBody)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	metric := findMetric(t, m, "llm_debug_proxy_http_requests_total", map[string]string{"path_prefix": "other"})
	if metric == nil {
		t.Fatal("expected llm_debug_proxy_http_requests_total with path_prefix=other")
	}
	if v := metric.GetCounter().GetValue(); v != 3 {
		t.Errorf("counter value = %v, want 3", v)
	}
}

func TestMetricsMiddleware_AbortedStream(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		panic(http.ErrAbortHandler)
	})

	func() {
		defer func() {
			if r := recover(); r != http.ErrAbortHandler {
				t.Errorf("recovered %v, want http.ErrAbortHandler", r)
			}
		}()
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", http.NoBody))
	}()

	if findMetric(t, m, "llm_debug_proxy_http_requests_total", map[string]string{
		"path_prefix": "/", "status_code": "200",
	}) == nil {
		t.Error("aborted stream not counted")
	}

	var g dto.Metric
	if err := m.RequestsInFlight.Write(&g); err != nil {
		t.Fatal(err)
	}
	if v := g.GetGauge().GetValue(); v != 0 {
		t.Errorf("in-flight = %v, want 0", v)
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	// No routes registered; request should yield 404.

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	if findMetric(t, m, "llm_debug_proxy_http_requests_total", map[string]string{
		"path_prefix": "other", "method": "GET", "status_code": "404",
	}) == nil {
		t.Error("expected llm_debug_proxy_http_requests_total with path_prefix=other, method=GET, status_code=404")
	}
}
