// Package sitekit runs a website on a chi router with the usual pieces
// already in place: security headers, per-ip rate limiting, request
// timeouts, static files, html/template views, a PWA manifest, js/css
// minification and a cleaned view of every request.
//
// A Server starts NotReady. Requests that arrive before the static and
// views directories exist (and, when enabled, before the PWA files are
// written) are held by a startup gate and answered with a 503 and a
// growing Retry-After if startup takes too long.
package sitekit

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitekit/internal/geoip"
	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/metrics"
	"github.com/keithlinneman/sitekit/internal/pwa"
	"github.com/keithlinneman/sitekit/internal/staticsync"
	"github.com/keithlinneman/sitekit/internal/views"
)

var ErrInvalidConfig = errors.New("sitekit: invalid config")

type (
	// Logger is the structured logger every component writes to.
	Logger = log.Logger
	// Engine renders a named view. The default engine is html/template.
	Engine = views.Engine
	// Page is what the default engine executes views against.
	Page = views.Page
	// GeoLocator resolves client addresses; see geoip.Open for MaxMind files.
	GeoLocator = geoip.Locator
	Geo        = geoip.Geo
	// IconGenerator renders PWA icons from the configured source icon.
	IconGenerator = pwa.IconGenerator
	// Metrics is the prometheus registry the server reports into.
	Metrics = metrics.ServerMetrics
	// ObjectAPI is the S3 client surface used to seed the static directory.
	ObjectAPI = staticsync.ObjectAPI
)

type Config struct {
	// Addr is a tcp port number or a unix socket path. default: "3000"
	Addr string
	// Production redirects plain http to https, sends HSTS and requires a
	// fully qualified host on page requests.
	Production bool

	// Pages maps a chi pattern to a handler served for GET and POST.
	Pages map[string]http.Handler
	// Routes registers handlers directly, after Pages.
	Routes func(chi.Router)
	// NotFound answers paths nothing else matched. default: a plain 404 page
	NotFound http.Handler

	Static StaticConfig
	// PWA writes a manifest, service worker and icons. nil disables it.
	PWA   *PWAConfig
	Views ViewsConfig
	// ViewEngine replaces the html/template engine. Views then only
	// supplies Vars.
	ViewEngine Engine

	// DataLimit caps request bodies: "512kb", "2mb", or a bare number of
	// megabytes. default: "1mb"
	DataLimit string
	RateLimit RateLimitConfig
	// Minify lists the asset types ("js", "css") to keep .min copies of.
	Minify []string

	// TrustedHops is the number of reverse proxies in front of the server.
	TrustedHops int
	// ContentSecurityPolicy is sent verbatim when set.
	ContentSecurityPolicy string
	// Timeout per request. default: 5s
	Timeout time.Duration

	GeoLocator GeoLocator
	// StaticSeed copies an S3 prefix into the static directory at startup.
	StaticSeed *StaticSeed

	Logger  Logger
	Metrics *Metrics
}

type StaticConfig struct {
	// Dir is served as static files. default: "public"
	Dir string
	// Prefix is the URL path Dir is mounted at. default: "/"
	Prefix string
}

type PWAConfig struct {
	// Manifest fields override the defaults (name "App Name", short_name
	// "App", start_url "/?pwa=true", ...). "icon" names the source icon
	// inside the static directory.
	Manifest map[string]any
	// Generator renders icons. default: 192 and 512 pixel PNGs
	Generator IconGenerator
}

type ViewsConfig struct {
	// Dir holds the views. default: "views"
	Dir string
	// Layout is the layout view name. default: "layout"
	Layout   string
	NoLayout bool
	// Ext is the view file extension. default: "html"
	Ext   string
	Vars  map[string]any
	Funcs template.FuncMap
}

type RateLimitConfig struct {
	// Max requests per Window for each client ip. default: 5000 per 10 minutes
	Max      int
	Window   time.Duration
	Disabled bool
}

type StaticSeed struct {
	Bucket string
	Prefix string
	// Overwrite replaces local files even when their size matches.
	Overwrite bool
	// Client defaults to an S3 client from the default AWS config chain.
	Client ObjectAPI
}

func (c *Config) setDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = "3000"
	}
	if c.Static.Dir == "" {
		c.Static.Dir = "public"
	}
	if c.Static.Prefix == "" {
		c.Static.Prefix = "/"
	}
	if c.Views.Dir == "" {
		c.Views.Dir = "views"
	}
	if c.PWA != nil && c.PWA.Generator == nil {
		c.PWA.Generator = pwa.ScaleGenerator{}
	}
	c.Logger = log.OrNop(c.Logger)
}

func (c *Config) validate() error {
	var errs []error
	for p, h := range c.Pages {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("page %q must start with /", p))
		}
		if h == nil {
			errs = append(errs, fmt.Errorf("page %q has no handler", p))
		}
	}
	if !strings.HasPrefix(c.Static.Prefix, "/") {
		errs = append(errs, fmt.Errorf("static prefix %q must start with /", c.Static.Prefix))
	}
	if c.RateLimit.Max < 0 || c.RateLimit.Window < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative"))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("trusted hops must not be negative"))
	}
	if c.StaticSeed != nil && c.StaticSeed.Bucket == "" {
		errs = append(errs, fmt.Errorf("static seed needs a bucket"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
