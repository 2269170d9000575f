package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// preflightHeaders is the fixed header set of every preflight response.
var preflightHeaders = [...]struct{ key, value string }{
	{echo.HeaderAccessControlAllowOrigin, "*"},
	{echo.HeaderAccessControlAllowCredentials, "true"},
	{echo.HeaderAccessControlAllowHeaders, "Authorization,Accept,Origin,DNT,X-CustomHeader,Keep-Alive,User-Agent,X-Requested-With,If-Modified-Since,Cache-Control,Content-Type,Content-Range,Range"},
	{echo.HeaderAccessControlAllowMethods, "GET,POST,OPTIONS,PUT,DELETE,PATCH"},
	{echo.HeaderAccessControlMaxAge, "1728000"}, // 20 days
	{echo.HeaderContentType, "text/plain; charset=UTF-8"},
	{echo.HeaderContentLength, "0"},
}

// Preflight answers CORS preflight requests without contacting the upstream.
// The response does not depend on the request.
//
// net/http drops Content-Length from every 204 it writes, so on HTTP/1.x
// connections the response is written on the hijacked connection instead.
// Writers that cannot be hijacked get the regular response.
func Preflight(c echo.Context) error {
	res := c.Response()
	h := res.Header()
	for _, ph := range preflightHeaders {
		h.Set(ph.key, ph.value)
	}

	if c.Request().ProtoMajor == 1 && writeRawPreflight(res) {
		return nil
	}

	res.WriteHeader(http.StatusNoContent)
	return nil
}

// writeRawPreflight writes the preflight response directly on the
// connection and closes it. It reports false when nothing was written.
func writeRawPreflight(res *echo.Response) bool {
	conn, rw, err := res.Hijack()
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	// The connection is not handed back to the server, so the client is told
	// not to reuse it.
	w := rw.Writer
	_, _ = w.WriteString("HTTP/1.1 204 No Content\r\n")
	for _, ph := range preflightHeaders {
		_, _ = w.WriteString(ph.key + ": " + ph.value + "\r\n")
	}
	_, _ = w.WriteString("Date: " + time.Now().UTC().Format(http.TimeFormat) + "\r\n")
	_, _ = w.WriteString("Connection: close\r\n\r\n")
	_ = w.Flush()

	res.Status = http.StatusNoContent
	res.Committed = true
	return true
}
