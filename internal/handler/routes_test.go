package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/middleware"
	"cors-proxy-go/internal/model"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(r.Method + " " + r.URL.RequestURI()))
	}))
	defer upstream.Close()

	e := echo.New()
	RegisterRoutes(e, newTestProxyHandler(t, targetFor(t, upstream.URL), nil))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"GET root", http.MethodGet, "/", http.StatusOK, "GET /"},
		{"GET nested with query", http.MethodGet, "/a/b/c?x=1&y=2", http.StatusOK, "GET /a/b/c?x=1&y=2"},
		{"POST", http.MethodPost, "/items", http.StatusOK, "POST /items"},
		{"PUT", http.MethodPut, "/items/1", http.StatusOK, "PUT /items/1"},
		{"DELETE", http.MethodDelete, "/items/1", http.StatusOK, "DELETE /items/1"},
		{"PATCH", http.MethodPatch, "/items/1", http.StatusOK, "PATCH /items/1"},
		{"healthz is forwarded too", http.MethodGet, "/healthz", http.StatusOK, "GET /healthz"},
		{"WebDAV method", "PROPFIND", "/dav", http.StatusOK, "PROPFIND /dav"},
		{"non-standard method", "PURGE", "/cache", http.StatusOK, "PURGE /cache"},
		{"non-standard method at root", "PURGE", "/", http.StatusOK, "PURGE /"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}

	if got := calls.Load(); got != int32(len(tests)) {
		t.Errorf("upstream calls = %d, want %d", got, len(tests))
	}
}

func TestRegisterRoutes_PreflightSkipsUpstream(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := echo.New()
	RegisterRoutes(e, newTestProxyHandler(t, targetFor(t, upstream.URL), nil))

	for _, path := range []string{"/", "/anything", "/deep/path?q=1"} {
		req := httptest.NewRequest(http.MethodOptions, path, strings.NewReader("body"))
		req.Header.Set("Origin", "https://app.example")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, http.StatusNoContent)
		}
		if rec.Header().Get("Content-Length") != "0" {
			t.Errorf("%s: Content-Length = %q, want %q", path, rec.Header().Get("Content-Length"), "0")
		}
		if rec.Header().Get("Access-Control-Max-Age") != "1728000" {
			t.Errorf("%s: Access-Control-Max-Age = %q, want %q", path, rec.Header().Get("Access-Control-Max-Age"), "1728000")
		}
	}

	if got := calls.Load(); got != 0 {
		t.Errorf("upstream calls = %d, want 0", got)
	}
}

func TestRegisterRoutes_UpstreamFailureIsIsolated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/reset" {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer does not support hijacking")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte("fine"))
	}))
	defer upstream.Close()

	e := echo.New()
	e.Use(middleware.AllowAnyOrigin())
	RegisterRoutes(e, newTestProxyHandler(t, targetFor(t, upstream.URL), nil))
	proxy := httptest.NewServer(e)
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/reset")
	if err != nil {
		t.Fatalf("GET /reset: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("/reset status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("error response missing Access-Control-Allow-Origin: *")
	}

	resp, err = http.Get(proxy.URL + "/ok")
	if err != nil {
		t.Fatalf("GET /ok: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "fine" {
		t.Errorf("/ok = %d %q, want 200 %q", resp.StatusCode, body, "fine")
	}
}

func TestRegisterRoutes_UpstreamGone(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	target := targetFor(t, upstream.URL)

	e := echo.New()
	RegisterRoutes(e, newTestProxyHandler(t, target, nil))

	req := httptest.NewRequest(http.MethodGet, "/before", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("before close: status = %d, want %d", rec.Code, http.StatusOK)
	}

	upstream.Close()

	req = httptest.NewRequest(http.MethodGet, "/after", http.NoBody)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("after close: status = %d, want %d", rec.Code, http.StatusBadGateway)
	}

	// Preflight never needed the upstream.
	req = httptest.NewRequest(http.MethodOptions, "/after", http.NoBody)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight after close: status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestDispatch(t *testing.T) {
	var got string
	dispatch := Dispatch(
		func(echo.Context) error { got = "forward"; return nil },
		func(echo.Context) error { got = "preflight"; return nil },
	)

	e := echo.New()
	for method, want := range map[string]string{
		http.MethodOptions: "preflight",
		http.MethodGet:     "forward",
		http.MethodHead:    "forward",
		"PROPFIND":         "forward",
	} {
		c := e.NewContext(httptest.NewRequest(method, "/", http.NoBody), httptest.NewRecorder())
		if err := dispatch(c); err != nil {
			t.Fatalf("dispatch(%s) error = %v", method, err)
		}
		if got != want {
			t.Errorf("dispatch(%s) went to %q, want %q", method, got, want)
		}
	}
}

func TestRegisterAdminRoutes(t *testing.T) {
	m := metrics.New()
	m.RequestsTotal.WithLabelValues("GET", "200", metrics.RouteForward).Inc()

	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"}}
	health := NewHealthHandler(model.UpstreamTarget{Scheme: "http", Host: "api.internal", Port: 8080}, "test")

	e := echo.New()
	RegisterAdminRoutes(e, health, cfg, m)

	tests := []struct {
		name         string
		path         string
		wantStatus   int
		wantContains string
	}{
		{"healthz", "/healthz", http.StatusOK, `"status":"ok"`},
		{"status", "/proxy/status", http.StatusOK, `"upstream_url":"http://api.internal:8080"`},
		{"metrics", "/metrics", http.StatusOK, "cors_proxy_http_requests_total"},
		{"unknown", "/items", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantContains != "" && !strings.Contains(rec.Body.String(), tt.wantContains) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantContains)
			}
		})
	}
}

func TestRegisterAdminRoutes_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: false, Path: "/metrics"}}
	health := NewHealthHandler(model.UpstreamTarget{}, "test")

	e := echo.New()
	RegisterAdminRoutes(e, health, cfg, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
