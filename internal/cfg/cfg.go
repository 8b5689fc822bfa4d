package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"

	"github.com/keithlinneman/sitekit/internal/log"
)

// EnvPrefix is prepended to flag names to form environment variable names.
const EnvPrefix = "SITEKIT_"

// DefaultDataLimit is the request body cap when none is configured: 1mb.
const DefaultDataLimit = 1 << 20

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	Listen      string
	AdminPort   int
	Production  bool
	TrustedHops int

	SiteFile     string
	StaticDir    string
	StaticPrefix string
	ViewsDir     string
	ViewsLayout  string
	NoLayout     bool
	DataLimit    string
	Minify       string
	PWA          bool
	CSP          string
	GeoIPDB      string

	RateLimitMax     int
	RateLimitWindow  time.Duration
	DisableRateLimit bool

	StaticS3Bucket string
	StaticS3Prefix string

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
}

// defaultListen honours the conventional PORT variable of app platforms.
func defaultListen() string {
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		return p
	}
	return "3000"
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.StringVar(&c.Listen, "listen", defaultListen(), "TCP port or unix socket path to serve the site on")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.Production, "production", false, "Production mode: force https, require a FQDN host, send HSTS")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of reverse proxies whose X-Forwarded-For is trusted")

	fs.StringVar(&c.SiteFile, "site-file", "", "YAML file with pages, pwa manifest fields and view variables")
	fs.StringVar(&c.StaticDir, "static-dir", "public", "directory served as static files")
	fs.StringVar(&c.StaticPrefix, "static-prefix", "/", "URL path the static directory is mounted at")
	fs.StringVar(&c.ViewsDir, "views-dir", "views", "directory holding view templates")
	fs.StringVar(&c.ViewsLayout, "views-layout", "layout", "layout view name")
	fs.BoolVar(&c.NoLayout, "no-layout", false, "render views without the layout")
	fs.StringVar(&c.DataLimit, "data-limit", "1mb", "request body limit, e.g. 512kb or 2mb; a bare number is megabytes")
	fs.StringVar(&c.Minify, "minify", "", "comma separated asset types to minify (js,css)")
	fs.BoolVar(&c.PWA, "pwa", false, "write a web app manifest, service worker and icons")
	fs.StringVar(&c.CSP, "csp", "", "Content-Security-Policy header value")
	fs.StringVar(&c.GeoIPDB, "geoip-db", "", "MaxMind city or country database for client geo lookups")

	fs.IntVar(&c.RateLimitMax, "rate-limit-max", 5000, "requests allowed per client ip per window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", 10*time.Minute, "rate limit window")
	fs.BoolVar(&c.DisableRateLimit, "disable-rate-limit", false, "turn off per-ip rate limiting")

	fs.StringVar(&c.StaticS3Bucket, "static-s3-bucket", "", "s3 bucket to seed the static directory from at startup")
	fs.StringVar(&c.StaticS3Prefix, "static-s3-prefix", "", "s3 prefix (key) to seed the static directory from")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
}

// LoadDotEnv adds variables from a .env file to the environment without
// replacing ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// ParseDataLimit turns "512kb", "2mb" or a bare number of megabytes into
// bytes. "" is DefaultDataLimit.
func ParseDataLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultDataLimit, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f <= 0 {
			return 0, fmt.Errorf("data limit must be positive (got %q)", s)
		}
		return int64(f * units.MiB), nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid data limit %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("data limit must be positive (got %q)", s)
	}
	return n, nil
}

// ParseMinify splits the -minify list. "" means minification is off.
func ParseMinify(s string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		t := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "."))
		if t == "" || seen[t] {
			continue
		}
		if t != "js" && t != "css" {
			return nil, fmt.Errorf("invalid minify type %q (valid types are js|css)", t)
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Listeners
	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("LISTEN is required (port or unix socket path)"))
	} else if n, err := strconv.Atoi(c.Listen); err == nil {
		if n < 1 || n > 65535 {
			errs = append(errs, fmt.Errorf("invalid LISTEN port %d (must be 1..65535)", n))
		}
		if n == c.AdminPort {
			errs = append(errs, fmt.Errorf("ADMIN_PORT and LISTEN must differ (both %d)", n))
		}
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Site
	if c.StaticDir == "" {
		errs = append(errs, fmt.Errorf("STATIC_DIR is required"))
	}
	if !strings.HasPrefix(c.StaticPrefix, "/") {
		errs = append(errs, fmt.Errorf("STATIC_PREFIX must start with / (got %q)", c.StaticPrefix))
	}
	if c.ViewsDir == "" {
		errs = append(errs, fmt.Errorf("VIEWS_DIR is required"))
	}
	if _, err := ParseDataLimit(c.DataLimit); err != nil {
		errs = append(errs, fmt.Errorf("invalid DATA_LIMIT: %w", err))
	}
	if _, err := ParseMinify(c.Minify); err != nil {
		errs = append(errs, fmt.Errorf("invalid MINIFY: %w", err))
	}
	if !c.DisableRateLimit {
		if c.RateLimitMax < 1 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX must be >= 1 (got %d)", c.RateLimitMax))
		}
		if c.RateLimitWindow <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be positive (got %s)", c.RateLimitWindow))
		}
	}
	if c.StaticS3Prefix != "" && c.StaticS3Bucket == "" {
		errs = append(errs, fmt.Errorf("STATIC_S3_BUCKET required when STATIC_S3_PREFIX is set"))
	}
	if c.GeoIPDB != "" {
		if _, err := os.Stat(c.GeoIPDB); err != nil {
			errs = append(errs, fmt.Errorf("GEOIP_DB %q: %w", c.GeoIPDB, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
