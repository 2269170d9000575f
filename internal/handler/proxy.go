package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/service"
)

// secretParamPattern matches credential-looking query values in URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api_?key|access_token|token|password|secret|signature)=)[^&\s"]+`)

// Stream directions reported by StreamError.
const (
	DirectionUpstreamRead = "upstream_read"
	DirectionClientWrite  = "client_write"
)

// streamBufferSize is the chunk size used when relaying response bodies.
const streamBufferSize = 32 * 1024

// StreamError reports a body relay failure after the response status and
// headers were already sent to the client.
type StreamError struct {
	Direction string
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Direction, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Forwarder is the part of the proxy service the handler depends on.
type Forwarder interface {
	Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error)
}

// ProxyHandler forwards requests to the upstream target.
type ProxyHandler struct {
	service Forwarder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return newProxyHandler(svc, logger, m)
}

func newProxyHandler(f Forwarder, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: f,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request to the upstream target and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RequestURI:    requestTarget(req),
		Host:          req.Host,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RemoteAddr:    req.RemoteAddr,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Replace rather than add so the forced allow-origin value wins over
	// anything set earlier in the middleware chain.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Flush each chunk when the length is unknown so event streams and
	// long-polling responses reach the client as they are produced.
	flush := resp.Header.Get(echo.HeaderContentLength) == ""
	if err := copyBody(c.Response(), resp.Body, flush); err != nil {
		h.streamFailed(req, err)
	}

	return nil
}

// requestTarget returns the origin-form target as the client sent it.
// Absolute-form targets fall back to the parsed URL.
func requestTarget(req *http.Request) string {
	if strings.HasPrefix(req.RequestURI, "/") {
		return req.RequestURI
	}
	return req.URL.RequestURI()
}

// copyBody relays src to dst chunk by chunk, tagging failures with the side
// that caused them.
func copyBody(dst *echo.Response, src io.Reader, flush bool) error {
	buf := make([]byte, streamBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return &StreamError{Direction: DirectionClientWrite, Err: werr}
			}
			if flush {
				dst.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return &StreamError{Direction: DirectionUpstreamRead, Err: rerr}
		}
	}
}

// streamFailed logs a mid-body failure and aborts the response. The status
// has already been sent, so the only honest signal left is to cut the
// connection instead of terminating the body cleanly.
func (h *ProxyHandler) streamFailed(req *http.Request, err error) {
	direction := "unknown"
	var se *StreamError
	if errors.As(err, &se) {
		direction = se.Direction
	}

	h.logger.Error("streaming response body",
		"err", sanitizeError(err),
		"direction", direction,
		"path", req.URL.Path,
	)
	if h.metrics != nil {
		h.metrics.StreamErrors.WithLabelValues(direction).Inc()
	}

	panic(http.ErrAbortHandler)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts credential-looking query values from error messages.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
