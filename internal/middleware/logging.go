// Package middleware provides Echo middleware for logging, metrics, rate
// limiting and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// requestIDKey is the echo.Context key holding the request ID.
const requestIDKey = "request_id"

// StoreRequestID keeps id on c. It is meant as the RequestIDHandler of
// echo's RequestID middleware, so the ID survives handlers that replace the
// response headers.
func StoreRequestID(c echo.Context, id string) {
	c.Set(requestIDKey, id)
}

// RequestID returns the ID stored by StoreRequestID, falling back to the
// X-Request-Id response header.
func RequestID(c echo.Context) string {
	if id, ok := c.Get(requestIDKey).(string); ok {
		return id
	}
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Deferred so aborted streams are logged too.
			defer func() {
				req := c.Request()
				res := c.Response()

				logger.Info("request",
					"method", req.Method,
					"path", req.URL.Path,
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", RequestID(c),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				)
			}()

			return next(c)
		}
	}
}
