// Package middleware provides Echo middleware for logging, metrics and CORS.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/metrics"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server-side failures (5xx) are logged at error level. Requests whose
// handler panicked, including responses aborted mid-body, are still logged
// with aborted=true before the panic continues.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()
			returned := false

			defer func() {
				req := c.Request()
				res := c.Response()

				status := res.Status
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}

				level := slog.LevelInfo
				if status >= 500 || !returned {
					level = slog.LevelError
				}

				attrs := []any{
					"method", req.Method,
					"path", req.URL.Path,
					"route", metrics.RouteFor(req.Method),
					"status", status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", requestID(c),
					"remote_addr", req.RemoteAddr,
					"bytes_in", req.ContentLength,
					"bytes_out", res.Size,
				}
				if !returned {
					attrs = append(attrs, "aborted", true)
				}
				logger.Log(context.Background(), level, "request", attrs...)
			}()

			err = next(c)
			returned = true
			return err
		}
	}
}
