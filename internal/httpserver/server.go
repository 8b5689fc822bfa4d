package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/sitekit/internal/health"
	"github.com/keithlinneman/sitekit/internal/httpmw"
	"github.com/keithlinneman/sitekit/internal/metrics"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

const notFoundBody = "<h1>Error: 404 (Not Found)</h1><h2>Page Not Found</h2>"

// NewHandler builds the public handler with routes + middleware
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts *Options) http.Handler {
	o := *opts
	o.setDefaults()

	r := chi.NewRouter()

	// Compress text responses (HTML/CSS/JS/JSON/SVG)
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"text/plain",
		"application/javascript",
		"text/javascript",
		"application/json",
		"application/manifest+json",
		"image/svg+xml",
		"image/x-icon",
	))

	// Annotate tracer with http.route once the route is known
	r.Use(httpmw.AnnotateRoute)

	r.Use(httpmw.AccessLog())

	// uptime checks must work without a browser or host header
	r.HandleFunc("/ping", pong)

	if o.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(o.Health))
	}
	if o.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(o.Readiness))
	}

	site := siteHandler(&o)
	r.NotFound(site.ServeHTTP)
	r.MethodNotAllowed(site.ServeHTTP)

	// Middleware (outermost last in wrapping order)
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, etc)
	h = httpmw.WithLogger(o.Logger)(h)

	if o.MetricsMW != nil {
		h = o.MetricsMW(h)
	}

	h = httpmw.TraceHeaders(httpmw.DefaultTraceHeader, httpmw.DefaultSpanHeader)(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateRoute renames the span to the final route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	h = httpmw.Timeout(o.Timeout)(h)

	// after ClientIP so a spoofed X-Forwarded-Proto has already been dropped
	h = httpmw.ForceTLS(o.Production)(h)

	// Rate limiting (after client ip mw so it uses the resolved ip)
	if o.RateLimitMW != nil {
		h = o.RateLimitMW(h)
	}

	h = httpmw.ClientIP(httpmw.ClientIPOptions{TrustedHops: o.TrustedHops})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	if o.UseRecoverMW {
		h = httpmw.Recover(o.Logger, o.OnPanic)(h)
	}

	// Security headers on every response, including the gate's 503s
	h = httpmw.SecurityHeaders(o.Security)(h)

	if o.Gate != nil {
		h = o.Gate.Middleware(h)
	}

	return h
}

// siteHandler is everything past the built-in routes: static files first,
// then the body cap and request prep, then the pages and the 404 page.
func siteHandler(o *Options) http.Handler {
	pages := chi.NewRouter()
	if o.Routes != nil {
		o.Routes(pages)
	}
	notFound := o.NotFound
	pages.NotFound(notFound.ServeHTTP)
	pages.MethodNotAllowed(notFound.ServeHTTP)

	return httpmw.Chain(pages,
		routeName(metrics.RouteStatic),
		o.Static,
		routeName(""),
		httpmw.MaxBody(o.DataLimit),
		o.Prep,
	)
}

// routeName labels the request for metrics until a chi pattern or a later
// call replaces it.
func routeName(name string) httpmw.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.SetRoute(r.Context(), name)
			next.ServeHTTP(w, r)
		})
	}
}

func pong(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte("pong!"))
}

// NotFound writes the plain 404 page.
func NotFound(w http.ResponseWriter, r *http.Request) {
	metrics.SetRoute(r.Context(), metrics.RouteNotFound)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundBody))
}

// shouldTrace decides which requests get a span.
func shouldTrace(p string) bool {
	switch p {
	case "/ping", "/-/healthy", "/-/ready", "/favicon.ico", "/robots.txt", "/manifest.json", "/sw.js":
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
		return false
	}
	return true
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Describe names addr the way bind errors report it: "Port 3000" for a tcp
// port, "Pipe /run/site.sock" for a unix socket.
func Describe(addr string) string {
	if isPort(addr) {
		return "Port " + addr
	}
	return "Pipe " + addr
}

func isPort(addr string) bool {
	n, err := strconv.Atoi(addr)
	return err == nil && n >= 0
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := &net.ListenConfig{}
	if isPort(addr) {
		return lc.Listen(ctx, "tcp", ":"+addr)
	}
	return lc.Listen(ctx, "unix", addr)
}

// bindError explains the two bind failures an operator can act on.
func bindError(addr string, err error) error {
	desc := Describe(addr)
	switch {
	case errors.Is(err, syscall.EACCES):
		return xerrors.Wrapf(err, "%s requires elevated privileges", desc)
	case errors.Is(err, syscall.EADDRINUSE):
		return xerrors.Wrapf(err, "%s is already in use", desc)
	}
	return xerrors.Wrapf(err, "listen on %s", desc)
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown. A bind failure fails the
// startup gate before the error is returned.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	o := *opts
	o.setDefaults()

	ln, err := listen(ctx, o.Addr)
	if err != nil {
		err = bindError(o.Addr, err)
		if o.Gate != nil {
			o.Gate.Fail(ctx, err)
		}
		return nil, err
	}

	srv := NewServer(ln.Addr().String(), NewHandler(&o))

	go func() {
		o.Logger.Info(ctx, "http server listening", "addr", ln.Addr().String(), "network", ln.Addr().Network())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			o.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
