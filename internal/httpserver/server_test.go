package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitekit/internal/httpmw"
	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/startup"
	"github.com/keithlinneman/sitekit/internal/static"
)

// test helpers

// stubProbe implements health.Probe for testing.
type stubProbe struct {
	err error
}

func (p *stubProbe) Check(ctx context.Context) error { return p.err }

// defaultOpts returns minimal valid Options for testing.
func defaultOpts() *Options {
	return &Options{
		Logger: log.Nop(),
	}
}

// doRequest is a helper to send a request through a handler and return the recorder.
func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

// getFreePort finds a free TCP port.
func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func readyGate(t *testing.T) *startup.Gate {
	t.Helper()
	g := startup.New(startup.Options{Threshold: 1})
	g.Advance(context.Background(), startup.TaskDirectories)
	return g
}

// prepMarker stands in for request prep and tags the requests it saw.
func prepMarker(seen *atomic.Int32) httpmw.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen.Add(1)
			w.Header().Set("X-Prepped", "1")
			next.ServeHTTP(w, r)
		})
	}
}

// NewHandler - built-in routes

func TestNewHandler_Ping(t *testing.T) {
	var seen atomic.Int32
	opts := defaultOpts()
	opts.Prep = prepMarker(&seen)

	h := NewHandler(opts)
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodPost} {
		rec := doRequest(t, h, method, "/ping")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s /ping status = %d, want 200", method, rec.Code)
		}
		if method == http.MethodGet && rec.Body.String() != "pong!" {
			t.Fatalf("body = %q, want pong!", rec.Body.String())
		}
	}
	if seen.Load() != 0 {
		t.Fatal("/ping should not go through request prep")
	}
}

func TestNewHandler_NotFoundPage(t *testing.T) {
	h := NewHandler(defaultOpts())
	rec := doRequest(t, h, "GET", "/nonexistent-path-12345")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec.Body.String() != notFoundBody {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestNewHandler_CustomNotFound(t *testing.T) {
	opts := defaultOpts()
	opts.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("custom"))
	})
	rec := doRequest(t, NewHandler(opts), "GET", "/missing")
	if rec.Code != http.StatusNotFound || rec.Body.String() != "custom" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

// NewHandler - security headers

func TestNewHandler_SecurityHeaders(t *testing.T) {
	opts := defaultOpts()
	opts.Production = true
	opts.Security.ContentSecurityPolicy = "default-src 'self'"
	h := NewHandler(opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "https://example.com/anything", nil)
	h.ServeHTTP(rec, req)

	required := []string{
		"Strict-Transport-Security",
		"Content-Security-Policy",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Referrer-Policy",
		"Cross-Origin-Opener-Policy",
		"Cross-Origin-Resource-Policy",
	}
	for _, hdr := range required {
		if rec.Header().Get(hdr) == "" {
			t.Errorf("missing security header: %s", hdr)
		}
	}
}

func TestNewHandler_NoHSTSOutsideProduction(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), "GET", "/")
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS should not be sent outside production")
	}
	if rec.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("X-Content-Type-Options missing on 404 response")
	}
}

// NewHandler - force tls

func TestNewHandler_ForceTLS_Production(t *testing.T) {
	opts := defaultOpts()
	opts.Production = true
	h := NewHandler(opts)

	rec := doRequest(t, h, "GET", "http://example.com/about?x=1")
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/about?x=1" {
		t.Fatalf("Location = %q", loc)
	}

	// /ping sits behind the redirect too; uptime checks use https
	rec = doRequest(t, h, "POST", "http://example.com/ping")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("POST over http status = %d, want 403", rec.Code)
	}
}

func TestNewHandler_ForceTLS_SpoofedProtoIgnored(t *testing.T) {
	opts := defaultOpts()
	opts.Production = true
	h := NewHandler(opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "http://example.com/", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("untrusted X-Forwarded-Proto honoured: status = %d", rec.Code)
	}
}

// NewHandler - request id

func TestNewHandler_RequestID_Generated(t *testing.T) {
	h := NewHandler(defaultOpts())
	rec := doRequest(t, h, "GET", "/")

	id := rec.Header().Get("X-Request-Id")
	if id == "" {
		t.Fatal("X-Request-Id not set on response")
	}
	if len(id) != 32 {
		t.Fatalf("X-Request-Id length = %d, want 32 (16 hex bytes)", len(id))
	}
}

func TestNewHandler_RequestID_Propagated(t *testing.T) {
	h := NewHandler(defaultOpts())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "upstream-abc-123")
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "upstream-abc-123" {
		t.Fatalf("X-Request-Id = %q, want %q", got, "upstream-abc-123")
	}
}

// NewHandler - pages, static and prep

func TestNewHandler_Routes(t *testing.T) {
	var seen atomic.Int32
	opts := defaultOpts()
	opts.Prep = prepMarker(&seen)
	opts.Routes = func(r chi.Router) {
		r.Get("/posts/{slug}", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("post " + chi.URLParam(r, "slug")))
		})
	}

	rec := doRequest(t, NewHandler(opts), "GET", "/posts/hello")
	if rec.Code != http.StatusOK || rec.Body.String() != "post hello" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Prepped") != "1" || seen.Load() != 1 {
		t.Fatal("page request should go through prep")
	}
}

func TestNewHandler_StaticBeforePages(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "about"), []byte("static about"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := static.New(static.Options{Dir: dir, Logger: log.Nop()})
	if err != nil {
		t.Fatal(err)
	}

	var seen atomic.Int32
	opts := defaultOpts()
	opts.Static = st.Middleware
	opts.Prep = prepMarker(&seen)
	opts.Routes = func(r chi.Router) {
		r.Get("/{page}", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("page"))
		})
	}
	h := NewHandler(opts)

	rec := doRequest(t, h, "GET", "/about")
	if rec.Body.String() != "static about" {
		t.Fatalf("body = %q, want the static file", rec.Body.String())
	}
	if seen.Load() != 0 {
		t.Fatal("static hits should not go through prep")
	}

	rec = doRequest(t, h, "GET", "/contact")
	if rec.Body.String() != "page" {
		t.Fatalf("body = %q, want the page", rec.Body.String())
	}
}

func TestNewHandler_DataLimit(t *testing.T) {
	opts := defaultOpts()
	opts.DataLimit = 16
	opts.Routes = func(r chi.Router) {
		r.Post("/form", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}
	h := NewHandler(opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/form", strings.NewReader(strings.Repeat("x", 64)))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestNewHandler_UnmatchedMethodIs404(t *testing.T) {
	opts := defaultOpts()
	opts.Routes = func(r chi.Router) {
		r.Get("/only-get", func(w http.ResponseWriter, r *http.Request) {})
	}
	rec := doRequest(t, NewHandler(opts), "DELETE", "/only-get")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// NewHandler - health and readiness

func TestNewHandler_HealthEndpoints(t *testing.T) {
	opts := defaultOpts()
	opts.Health = &stubProbe{}
	opts.Readiness = &stubProbe{err: errors.New("server is starting")}
	h := NewHandler(opts)

	if rec := doRequest(t, h, "GET", "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("/-/healthy status = %d", rec.Code)
	}
	rec := doRequest(t, h, "GET", "/-/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/-/ready status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "server is starting") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestNewHandler_HealthEndpoints_NilProbe(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), "GET", "/-/healthy")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// NewHandler - startup gate

func TestNewHandler_GateHoldsRequests(t *testing.T) {
	g := startup.New(startup.Options{Threshold: 1, Wait: 10 * time.Millisecond})
	opts := defaultOpts()
	opts.Gate = g
	h := NewHandler(opts)

	rec := doRequest(t, h, "GET", "/ping")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Fatalf("Retry-After = %q, want 5", got)
	}

	g.Advance(context.Background(), startup.TaskDirectories)
	if rec := doRequest(t, h, "GET", "/ping"); rec.Code != http.StatusOK {
		t.Fatalf("status after ready = %d, want 200", rec.Code)
	}
}

// NewHandler - optional middleware

func TestNewHandler_RateLimitMW_Applied(t *testing.T) {
	var calls atomic.Int32
	opts := defaultOpts()
	opts.RateLimitMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			if httpmw.ClientIPFromContext(r.Context()) == "" {
				t.Error("rate limiter ran before client ip resolution")
			}
			next.ServeHTTP(w, r)
		})
	}
	doRequest(t, NewHandler(opts), "GET", "/")
	if calls.Load() != 1 {
		t.Fatalf("rate limit middleware calls = %d", calls.Load())
	}
}

func TestNewHandler_MetricsMW_Applied(t *testing.T) {
	var called bool
	opts := defaultOpts()
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}
	doRequest(t, NewHandler(opts), "GET", "/")
	if !called {
		t.Fatal("metrics middleware not called")
	}
}

func TestNewHandler_RecoverMW_CallsOnPanic(t *testing.T) {
	var panics atomic.Int32
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.OnPanic = func() { panics.Add(1) }
	opts.Routes = func(r chi.Router) {
		r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		})
	}

	rec := doRequest(t, NewHandler(opts), "GET", "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("security headers missing after panic recovery")
	}
	if panics.Load() != 1 {
		t.Fatalf("OnPanic calls = %d, want 1", panics.Load())
	}
}

func TestNewHandler_Timeout(t *testing.T) {
	opts := defaultOpts()
	opts.Timeout = 20 * time.Millisecond
	opts.Routes = func(r chi.Router) {
		r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		})
	}
	rec := doRequest(t, NewHandler(opts), "GET", "/slow")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != httpmw.TimeoutRetryAfter {
		t.Fatalf("Retry-After = %q", got)
	}
}

// NewHandler - compression

func TestNewHandler_CompressesHTML(t *testing.T) {
	opts := defaultOpts()
	opts.Routes = func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("<p>" + strings.Repeat("abcdefghij", 200) + "</p>"))
		})
	}
	h := NewHandler(opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	h.ServeHTTP(rec, req)
	if ce := rec.Header().Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", ce)
	}

	rec = doRequest(t, h, "GET", "/")
	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Fatal("should not compress without Accept-Encoding header")
	}
}

// shouldTrace

func TestShouldTrace(t *testing.T) {
	tests := map[string]bool{
		"/":                 true,
		"/posts/hello":      true,
		"/ping":             false,
		"/-/ready":          false,
		"/css/site.CSS":     false,
		"/icons/icon-1.png": false,
		"/manifest.json":    false,
	}
	for p, want := range tests {
		if got := shouldTrace(p); got != want {
			t.Errorf("shouldTrace(%q) = %v, want %v", p, got, want)
		}
	}
}

// NewServer

func TestNewServer_Configuration(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	srv := NewServer(":8080", handler)

	if srv.Addr != ":8080" {
		t.Fatalf("Addr = %q, want %q", srv.Addr, ":8080")
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.ReadTimeout != DefaultReadTimeout {
		t.Fatalf("read timeouts = %v/%v", srv.ReadHeaderTimeout, srv.ReadTimeout)
	}
	if srv.WriteTimeout != DefaultWriteTimeout || srv.IdleTimeout != DefaultIdleTimeout {
		t.Fatalf("write/idle timeouts = %v/%v", srv.WriteTimeout, srv.IdleTimeout)
	}
	if srv.MaxHeaderBytes != 1<<20 {
		t.Fatalf("MaxHeaderBytes = %d, want %d", srv.MaxHeaderBytes, 1<<20)
	}
}

// Describe / bindError

func TestDescribe(t *testing.T) {
	if got := Describe("3000"); got != "Port 3000" {
		t.Fatalf("Describe(3000) = %q", got)
	}
	if got := Describe("/run/site.sock"); got != "Pipe /run/site.sock" {
		t.Fatalf("Describe(socket) = %q", got)
	}
}

func TestBindError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{syscall.EACCES, "Port 80 requires elevated privileges"},
		{syscall.EADDRINUSE, "Port 80 is already in use"},
		{errors.New("boom"), "listen on Port 80"},
	}
	for _, tt := range tests {
		opErr := &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", tt.err)}
		err := bindError("80", opErr)
		if !strings.HasPrefix(err.Error(), tt.want) {
			t.Errorf("bindError(%v) = %q, want prefix %q", tt.err, err, tt.want)
		}
		if !errors.Is(err, tt.err) {
			t.Errorf("bindError(%v) lost the cause", tt.err)
		}
	}
}

// Start - lifecycle

func TestStart_TCP(t *testing.T) {
	port := getFreePort(t)

	opts := defaultOpts()
	opts.Addr = strconv.Itoa(port)
	opts.Gate = readyGate(t)

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(ctx)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ping", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "pong!" {
		t.Fatalf("body = %q, want pong!", body)
	}
	if len(resp.Header.Get("X-Request-Id")) != 32 {
		t.Fatal("X-Request-Id missing from live server response")
	}
}

func TestStart_UnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "site.sock")

	opts := defaultOpts()
	opts.Addr = sock

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(ctx)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	resp, err := client.Get("http://site/ping")
	if err != nil {
		t.Fatalf("GET over unix socket: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong!" {
		t.Fatalf("body = %q", body)
	}
}

func TestStart_GracefulShutdown(t *testing.T) {
	port := getFreePort(t)

	opts := defaultOpts()
	opts.Addr = strconv.Itoa(port)

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d/ping", port)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("server not accepting: %v", err)
	}
	resp.Body.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// repeated stops are no-ops
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := http.Get(addr); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortInUseFailsGate(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	var states []startup.State
	g := startup.New(startup.Options{OnStateChange: func(s startup.State) { states = append(states, s) }})
	opts := defaultOpts()
	opts.Addr = port
	opts.Gate = g

	_, err = Start(context.Background(), opts)
	if err == nil {
		t.Fatal("expected error for port conflict")
	}
	if want := "Port " + port + " is already in use"; !strings.HasPrefix(err.Error(), want) {
		t.Fatalf("err = %q, want prefix %q", err, want)
	}
	if g.State() != startup.Failed {
		t.Fatalf("gate state = %v, want failed", g.State())
	}
	if len(states) != 1 || states[0] != startup.Failed {
		t.Fatalf("transitions = %v", states)
	}

	// the gate never recovers
	g.Advance(context.Background(), startup.TaskDirectories)
	g.Advance(context.Background(), startup.TaskPWA)
	if g.State() != startup.Failed {
		t.Fatal("failed gate became ready")
	}
}
