package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// AllowAnyOrigin returns an Echo middleware that puts
// Access-Control-Allow-Origin: * on every response, including the error
// responses generated by the proxy itself (upstream failures, body limit,
// rate limit, recovered panics). Without it a browser would hide those
// errors behind a generic CORS failure.
func AllowAnyOrigin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
			return next(c)
		}
	}
}

// IsPreflight reports whether the request is a CORS preflight. It doubles as
// an echo Skipper so guards that could reject a request (body limit, rate
// limit) never interfere with the fixed preflight answer.
func IsPreflight(c echo.Context) bool {
	return c.Request().Method == http.MethodOptions
}
