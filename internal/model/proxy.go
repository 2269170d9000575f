// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
)

// UpstreamTarget is the single backend every request is forwarded to.
// It is created once at startup and never mutated.
type UpstreamTarget struct {
	Scheme string
	Host   string
	Port   int
}

// Addr returns host:port, bracketing IPv6 literals.
func (t UpstreamTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL returns a fresh copy of the target base URL.
func (t UpstreamTarget) URL() *url.URL {
	return &url.URL{Scheme: t.Scheme, Host: t.Addr()}
}

// String returns the base URL, e.g. "http://api.internal:8080".
func (t UpstreamTarget) String() string {
	return t.URL().String()
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string // decoded path, for logging
	RequestURI    string // request target exactly as received, path and query
	Host          string // inbound Host, forwarded unchanged
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	RemoteAddr    string // peer "ip:port", empty when unknown
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
