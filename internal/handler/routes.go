package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/metrics"
)

// RegisterRoutes wires the proxy listener: every method and path goes to
// the forwarder, except OPTIONS which is answered as a CORS preflight.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	dispatch := Dispatch(proxy.Handle, Preflight)
	e.Any("/", dispatch)
	e.Any("/*", dispatch)
	// Methods outside echo's standard set match no route; send them through
	// the same dispatcher instead of answering 404/405.
	e.RouteNotFound("/*", dispatch)
}

// Dispatch routes a request by method only.
func Dispatch(forward, preflight echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method == http.MethodOptions {
			return preflight(c)
		}
		return forward(c)
	}
}

// RegisterAdminRoutes wires health, status and (optionally) metrics onto the
// admin listener. m may be nil when metrics are disabled.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
