package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elastic/llm-debug-proxy/internal/config"
	"github.com/elastic/llm-debug-proxy/internal/metrics"
	"github.com/elastic/llm-debug-proxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The proxy
// route keeps upstream headers untouched; every other route gets the
// security headers.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, info *InfoHandler, health *HealthHandler) {
	secure := middleware.SecurityHeaders()

	e.GET("/healthz", health.Healthz, secure)
	e.GET("/proxy/status", health.Status, secure)

	if cfg.Metrics.Enabled && m != nil {
		h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
		e.GET(cfg.Metrics.Path, echo.WrapHandler(h), secure)
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", info.CatchAll, secure)
}
