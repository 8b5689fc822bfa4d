// Package prep cleans every request before page handlers see it. Query,
// body and cookies are run through clean, the host, user agent and client
// address are validated, and the result is stored in the request context.
package prep

import (
	"context"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mileusna/useragent"

	"github.com/keithlinneman/sitekit/clean"
	"github.com/keithlinneman/sitekit/internal/geoip"
	"github.com/keithlinneman/sitekit/internal/httpmw"
	"github.com/keithlinneman/sitekit/internal/log"
)

// Reasons passed to Options.OnReject.
const (
	RejectHost    = "host"
	RejectBrowser = "browser"
	RejectIP      = "ip"
	RejectBody    = "body"
)

const (
	badHostBody    = "<h1>Error: 400 (Bad Request)</h1><h2>Invalid or Missing Host</h2>"
	badBrowserBody = "<h1>Error: 400 (Bad Request)</h1><h2>Invalid or Missing Browser</h2>"
	badIPBody      = "<h1>Error: 400 (Bad Request)</h1><h2>Server failed to find your public IP</h2>"
	badBodyBody    = "<h1>Error: 400 (Bad Request)</h1><h2>Invalid Request Body</h2>"
	tooLargeBody   = "<h1>Error: 413 (Payload Too Large)</h1>"
)

// Request is the cleaned view of an incoming request.
type Request struct {
	Query   clean.Value
	Body    clean.Value
	Cookies clean.Value
	// Data is the query for GET and the body for POST, merged under any
	// data an earlier handler stored.
	Data clean.Value

	Host      string
	Browser   string
	IP        string
	Localhost bool
	Geo       *geoip.Geo
	Bot       bool
	// URL is the path without query string or trailing slash.
	URL string

	// Static is the static mount prefix, "" for the root.
	Static string
	// Limit is the request body limit in bytes.
	Limit int64
}

type ctxKey struct{}

func WithRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, ctxKey{}, req)
}

// FromContext returns the cleaned request, or nil outside the middleware.
func FromContext(ctx context.Context) *Request {
	req, _ := ctx.Value(ctxKey{}).(*Request)
	return req
}

// Params returns the cleaned chi URL parameters of the matched route. It
// must be called from within the route handler.
func Params(r *http.Request) clean.Value {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return clean.NewMap()
	}
	entries := make([]clean.Entry, 0, len(rc.URLParams.Keys))
	for i, k := range rc.URLParams.Keys {
		if k == "*" && rc.URLParams.Values[i] == "" {
			continue
		}
		entries = append(entries, clean.Entry{Key: k, Value: clean.NewText(rc.URLParams.Values[i])})
	}
	return clean.Clean(clean.NewMap(entries...), false)
}

type Options struct {
	// Production requires the host to be a fully qualified domain name.
	Production bool
	Geo        geoip.Locator
	StaticURL  string
	DataLimit  int64
	Logger     log.Logger
	// OnReject is called with one of the Reject* reasons for every 400.
	OnReject func(reason string)
}

// Middleware runs after httpmw.ClientIP and httpmw.MaxBody.
func Middleware(opts Options) httpmw.Middleware {
	if opts.Geo == nil {
		opts.Geo = geoip.None
	}
	opts.Logger = log.OrNop(opts.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reject := func(status int, reason, body string) {
				if opts.OnReject != nil {
					opts.OnReject(reason)
				}
				log.FromContext(ctx).Debug(ctx, "request rejected", "reason", reason)
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(body))
			}

			req := &Request{
				Query:   clean.Clean(clean.FromValues(r.URL.Query()), false),
				Cookies: cookies(r),
				Static:  opts.StaticURL,
				Limit:   opts.DataLimit,
			}

			body, err := readBody(r)
			if err != nil {
				if httpmw.IsTooLarge(err) {
					reject(http.StatusRequestEntityTooLarge, RejectBody, tooLargeBody)
					return
				}
				reject(http.StatusBadRequest, RejectBody, badBodyBody)
				return
			}
			req.Body = body

			req.Host = normalizeHost(r.Host)
			if req.Host == "" || (opts.Production && !isFQDN(req.Host)) {
				reject(http.StatusBadRequest, RejectHost, badHostBody)
				return
			}

			req.Browser, _ = clean.String(r.UserAgent(), false)
			if strings.TrimSpace(req.Browser) == "" {
				reject(http.StatusBadRequest, RejectBrowser, badBrowserBody)
				return
			}

			addr := httpmw.ClientIPFromContext(ctx)
			if addr == "" {
				addr = httpmw.ResolveClientIP(r, 0)
			}
			addr, _ = clean.String(addr, false)
			addr = strings.Trim(addr, "[]")
			ip := net.ParseIP(addr)
			if ip == nil {
				reject(http.StatusBadRequest, RejectIP, badIPBody)
				return
			}
			req.IP = ip.String()

			if ip.IsLoopback() {
				req.Localhost = true
			} else {
				geo, err := opts.Geo.Lookup(ip)
				if err != nil {
					opts.Logger.Warn(ctx, "geoip lookup failed", "client.address", req.IP, "error", err)
				}
				req.Geo = geo
				req.Bot = useragent.Parse(req.Browser).Bot
			}

			req.URL = normalizeURL(r.URL.Path)

			data := clean.NewMap()
			if prev := FromContext(ctx); prev != nil && prev.Data.Kind() == clean.KindMap {
				data = prev.Data
			}
			switch r.Method {
			case http.MethodPost:
				data = clean.Merge(data, req.Body)
			case http.MethodGet:
				data = clean.Merge(data, req.Query)
			}
			req.Data = data

			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET,POST")
			h.Set("Access-Control-Allow-Headers", "Origin,X-Requested-With,content-type,Accept")
			h.Set("Access-Control-Allow-Credentials", "true")

			next.ServeHTTP(w, r.WithContext(WithRequest(ctx, req)))
		})
	}
}

// readBody decodes JSON (including CSP reports) and urlencoded forms. Other
// content types, and requests without a body, yield an empty map.
func readBody(r *http.Request) (clean.Value, error) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return clean.NewMap(), nil
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mt == "application/json", mt == "application/csp-report", strings.HasSuffix(mt, "+json"):
		v, err := clean.DecodeJSON(r.Body)
		if err != nil {
			return clean.Value{}, err
		}
		return clean.Clean(v, false), nil
	case mt == "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return clean.Value{}, err
		}
		return clean.Clean(clean.FromValues(r.PostForm), false), nil
	}
	return clean.NewMap(), nil
}

func cookies(r *http.Request) clean.Value {
	cs := r.Cookies()
	entries := make([]clean.Entry, 0, len(cs))
	for _, c := range cs {
		entries = append(entries, clean.Entry{Key: c.Name, Value: clean.NewText(c.Value)})
	}
	return clean.Clean(clean.NewMap(entries...), false)
}

func normalizeURL(p string) string {
	u, ok := clean.String(p, false)
	if !ok || u == "" {
		return "/"
	}
	if u != "/" {
		u = strings.TrimRight(u, "/")
		if u == "" {
			u = "/"
		}
	}
	return u
}
