package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// ContextKeyRequestID is the echo context key holding the request id.
const ContextKeyRequestID = "request_id"

// RequestID assigns every request an id for the request log: the inbound
// X-Request-Id when present, a generated one otherwise. The id stays out of
// the response, which carries only headers the upstream sent.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, rid string) {
			c.Response().Header().Del(echo.HeaderXRequestID)
			c.Set(ContextKeyRequestID, rid)
		},
	})
}

func requestID(c echo.Context) string {
	rid, _ := c.Get(ContextKeyRequestID).(string)
	return rid
}
