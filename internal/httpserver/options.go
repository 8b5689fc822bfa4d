package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitekit/internal/health"
	"github.com/keithlinneman/sitekit/internal/httpmw"
	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/startup"
)

const DefaultAddr = "3000"

type Options struct {
	Logger log.Logger

	// Addr is a port number to listen on over tcp, or a filesystem path for
	// a unix socket. default: "3000"
	Addr string

	// Production enables the https redirect and HSTS.
	Production bool

	// Gate holds requests until startup completes. A bind failure fails it.
	Gate *startup.Gate

	Security    httpmw.SecurityOptions
	TrustedHops int

	RateLimitMW httpmw.Middleware
	MetricsMW   httpmw.Middleware

	// Timeout per request. default: httpmw.DefaultTimeout
	Timeout time.Duration

	UseRecoverMW bool
	OnPanic      func()

	// DataLimit caps request bodies in bytes. <= 0 disables the cap.
	DataLimit int64

	// Static serves files and falls through on a miss. Prep cleans the
	// request for pages. Both run only for requests no built-in route took.
	Static httpmw.Middleware
	Prep   httpmw.Middleware

	// Routes registers page handlers.
	Routes func(chi.Router)

	// NotFound answers requests nothing else matched. default: a plain 404 page
	NotFound http.Handler

	// Health and Readiness are also served on the public listener at
	// /-/healthy and /-/ready when set.
	Health    health.Probe
	Readiness health.Probe
}

func (o *Options) setDefaults() {
	o.Logger = log.OrNop(o.Logger)
	o.Addr = strings.TrimSpace(o.Addr)
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.Timeout <= 0 {
		o.Timeout = httpmw.DefaultTimeout
	}
	if o.NotFound == nil {
		o.NotFound = http.HandlerFunc(NotFound)
	}
	// HSTS on plain-http development hosts just pins browsers to a port
	// nothing serves tls on.
	if !o.Production {
		o.Security.DisableHSTS = true
	}
}
