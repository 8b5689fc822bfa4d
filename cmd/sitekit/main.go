package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitekit"
	"github.com/keithlinneman/sitekit/internal/cfg"
	"github.com/keithlinneman/sitekit/internal/geoip"
	"github.com/keithlinneman/sitekit/internal/health"
	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/metrics"
	"github.com/keithlinneman/sitekit/internal/opshttp"
	"github.com/keithlinneman/sitekit/internal/otelx"
	"github.com/keithlinneman/sitekit/internal/prof"
	v "github.com/keithlinneman/sitekit/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	var envFile string

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading SITEKIT_ variables")
	flag.Parse()

	if showVersion {
		fmt.Println(vi)
		return 0
	}

	if err := cfg.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	var site cfg.Site
	if conf.SiteFile != "" {
		var err error
		if site, err = cfg.LoadSite(conf.SiteFile); err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			return 1
		}
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		return 1
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		return 1
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", v.Component)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"listen", conf.Listen,
		"admin_port", conf.AdminPort,
		"production", conf.Production,
		"site_file", conf.SiteFile,
		"static_dir", conf.StaticDir,
		"views_dir", conf.ViewsDir,
		"pages", len(site.Pages),
		"pwa", conf.PWA,
		"minify", conf.Minify,
		"rate_limit_disabled", conf.DisableRateLimit,
		"static_s3_bucket", conf.StaticS3Bucket,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": v.Component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure because the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: v.Component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	sc, err := siteConfig(conf, site)
	if err != nil {
		L.Error(ctx, err, "invalid site config")
		return 1
	}
	sc.Logger = L
	sc.Metrics = m

	if conf.GeoIPDB != "" {
		db, err := geoip.Open(conf.GeoIPDB)
		if err != nil {
			L.Error(ctx, err, "geoip database unavailable", "path", conf.GeoIPDB)
			return 1
		}
		defer db.Close()
		sc.GeoLocator = db
	}

	// pages are bound to views once the server exists
	var srv *sitekit.Server
	sc.Routes = func(r chi.Router) {
		for _, p := range site.Pages {
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				srv.View(p.View, p.Data).ServeHTTP(w, r)
			})
			for _, method := range p.Methods {
				r.Method(method, p.Path, h)
			}
		}
	}
	if site.NotFound != "" {
		sc.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			srv.StatusView(http.StatusNotFound, site.NotFound).ServeHTTP(w, r)
		})
	}

	srv, err = sitekit.New(sc)
	if err != nil {
		L.Error(ctx, err, "failed to configure site")
		return 1
	}

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), srv)

	siteStop, err := srv.Start(ctx)
	if err != nil {
		// the gate is already Failed; nothing is listening to report it
		L.Error(ctx, err, "failed to start site listener")
		return 1
	}
	defer func() { _ = siteStop(context.Background()) }()

	// ops listener: metrics, probes, startup state, pprof
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Startup:      srv.Gate(),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}
	defer func() { _ = opsStop(context.Background()) }()

	go func() {
		select {
		case <-srv.Gate().Ready():
			if err := notifySystemd(); err != nil {
				L.Debug(ctx, "systemd not notified", "reason", err.Error())
			}
		case <-ctx.Done():
		}
	}()

	<-ctx.Done()
	stopSignals()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so load balancers stop sending traffic
	gate.Set("draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "site http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	return 0
}

// siteConfig maps flags and the site file onto a sitekit.Config.
func siteConfig(conf cfg.App, site cfg.Site) (sitekit.Config, error) {
	types, err := cfg.ParseMinify(conf.Minify)
	if err != nil {
		return sitekit.Config{}, err
	}
	sc := sitekit.Config{
		Addr:       conf.Listen,
		Production: conf.Production,
		Static:     sitekit.StaticConfig{Dir: conf.StaticDir, Prefix: conf.StaticPrefix},
		Views: sitekit.ViewsConfig{
			Dir:      conf.ViewsDir,
			Layout:   conf.ViewsLayout,
			NoLayout: conf.NoLayout,
			Vars:     site.Vars,
		},
		DataLimit: conf.DataLimit,
		RateLimit: sitekit.RateLimitConfig{
			Max:      conf.RateLimitMax,
			Window:   conf.RateLimitWindow,
			Disabled: conf.DisableRateLimit,
		},
		Minify:                types,
		TrustedHops:           conf.TrustedHops,
		ContentSecurityPolicy: conf.CSP,
	}
	if conf.PWA || len(site.PWA) > 0 {
		sc.PWA = &sitekit.PWAConfig{Manifest: site.PWA}
	}
	if conf.StaticS3Bucket != "" {
		sc.StaticSeed = &sitekit.StaticSeed{Bucket: conf.StaticS3Bucket, Prefix: conf.StaticS3Prefix}
	}
	return sc, nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return conn.Close()
}
