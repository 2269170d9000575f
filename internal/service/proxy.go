// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"cors-proxy-go/internal/model"
)

const (
	headerConnection   = "Connection"
	headerForwardedFor = "X-Forwarded-For"

	// HeaderAllowOrigin is forced onto every response the proxy sends.
	HeaderAllowOrigin = "Access-Control-Allow-Origin"
	// AllowAnyOrigin is the only value the proxy ever sends for HeaderAllowOrigin.
	AllowAnyOrigin = "*"
)

// Upstream is the outbound connection pool the service forwards through.
// *client.UpstreamClient implements it; tests substitute fakes.
type Upstream interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// ForwardError reports that the upstream call failed before a response was
// received: the backend was unreachable, reset the connection, or timed out.
type ForwardError struct {
	Method string
	URL    string
	Err    error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	upstream Upstream
	target   model.UpstreamTarget
	logger   *slog.Logger
}

// NewProxyService creates a ProxyService bound to a single upstream target.
func NewProxyService(u Upstream, target model.UpstreamTarget, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		upstream: u,
		target:   target,
		logger:   logger.With("component", "proxy_service"),
	}
}

// Target returns the upstream target requests are forwarded to.
func (s *ProxyService) Target() model.UpstreamTarget {
	return s.target
}

// Forward sends a ProxyRequest to the upstream target and returns the
// response with rewritten headers. The request body is streamed, not
// buffered. The caller is responsible for closing the response body.
//
// Transport failures are returned as *ForwardError and never retried.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.BuildUpstreamURL(pr.RequestURI)
	display := s.target.String() + upstreamURL.RequestURI()
	if strings.HasPrefix(upstreamURL.Opaque, "//") {
		display = upstreamURL.RequestURI()
	}

	var body io.Reader = pr.Body
	if pr.Body == nil || pr.ContentLength == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, s.target.String(), body)
	if err != nil {
		return nil, &ForwardError{Method: pr.Method, URL: display, Err: err}
	}
	req.URL = upstreamURL
	if pr.Host != "" {
		req.Host = pr.Host
	}
	req.Header = BuildOutboundHeader(pr.Header, pr.RemoteAddr)
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"upstream", s.target.Addr(),
	)

	resp, err := s.upstream.Do(req)
	if err != nil {
		return nil, &ForwardError{Method: pr.Method, URL: display, Err: err}
	}

	resp.Header = RewriteResponseHeaders(resp.Header)
	return resp, nil
}

// BuildUpstreamURL points the request target at the upstream. The path and
// query travel as an opaque string so the request line carries them byte
// for byte, including characters Go would otherwise re-escape and a bare
// trailing '?'.
func (s *ProxyService) BuildUpstreamURL(requestURI string) *url.URL {
	u := s.target.URL()
	path, query, hasQuery := strings.Cut(requestURI, "?")
	if path == "" {
		path = "/"
	}
	// An opaque value starting with "//" is written as scheme:opaque, so it
	// must carry the authority to form a valid absolute request target.
	if strings.HasPrefix(path, "//") {
		path = "//" + u.Host + path
	}
	u.Opaque = path
	u.RawQuery = query
	u.ForceQuery = hasQuery && query == ""
	return u
}

// BuildOutboundHeader copies every inbound header and sets X-Forwarded-For
// to the peer IP. An existing X-Forwarded-For value is replaced, not
// appended to. The header is left out when the peer address is unknown.
func BuildOutboundHeader(src http.Header, remoteAddr string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	if ip := PeerIP(remoteAddr); ip != "" {
		dst.Set(headerForwardedFor, ip)
	}
	return dst
}

// PeerIP returns the IP part of a "host:port" peer address, or the address
// itself when it is a bare IP. Anything else (empty, unix socket names)
// yields "".
func PeerIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	// Link-local peers carry a zone ("fe80::1%eth0") that ParseIP rejects.
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

// RewriteResponseHeaders copies every upstream header except Connection
// (matched case-insensitively) and forces Access-Control-Allow-Origin: *.
func RewriteResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src)+1)
	for key, vals := range src {
		if strings.EqualFold(key, headerConnection) || strings.EqualFold(key, HeaderAllowOrigin) {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	dst.Set(HeaderAllowOrigin, AllowAnyOrigin)
	return dst
}
