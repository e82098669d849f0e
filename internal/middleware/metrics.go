package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/elastic/llm-debug-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			// Deferred so that streams aborted by panic(http.ErrAbortHandler)
			// are counted with the status that was already sent.
			defer func() {
				m.RequestsInFlight.Dec()

				// When a handler returns an *echo.HTTPError, the response
				// status hasn't been written yet; Echo's central error
				// handler will do that later.
				statusCode := c.Response().Status
				if err != nil {
					var he *echo.HTTPError
					if errors.As(err, &he) {
						statusCode = he.Code
					}
				}

				status := strconv.Itoa(statusCode)
				method := metrics.NormalizeMethod(c.Request().Method)
				path := metrics.NormalizePath(c.Request().URL.Path)
				duration := time.Since(start).Seconds()

				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(duration)
			}()

			return next(c)
		}
	}
}
