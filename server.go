package sitekit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitekit/internal/cfg"
	"github.com/keithlinneman/sitekit/internal/health"
	"github.com/keithlinneman/sitekit/internal/httpmw"
	"github.com/keithlinneman/sitekit/internal/httpserver"
	"github.com/keithlinneman/sitekit/internal/minify"
	"github.com/keithlinneman/sitekit/internal/prep"
	"github.com/keithlinneman/sitekit/internal/pwa"
	"github.com/keithlinneman/sitekit/internal/ratelimit"
	"github.com/keithlinneman/sitekit/internal/startup"
	"github.com/keithlinneman/sitekit/internal/static"
	"github.com/keithlinneman/sitekit/internal/staticsync"
	"github.com/keithlinneman/sitekit/internal/views"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

type Server struct {
	cfg       Config
	logger    Logger
	dataLimit int64

	gate     *startup.Gate
	static   *static.Handler
	engine   Engine
	html     *views.HTML // nil with a custom ViewEngine
	pwa      *pwa.PWA
	minifier *minify.Minifier
	limiter  *ratelimit.IPLimiter
	opts     *httpserver.Options
	handler  http.Handler

	// bg scopes the rate limiter and the file watchers
	bg     context.Context
	cancel context.CancelFunc

	startOnce sync.Once
}

// New validates cfg and builds the handler. Nothing touches the disk or
// the network until Start.
func New(c Config) (*Server, error) {
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	limit, err := cfg.ParseDataLimit(c.DataLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	s := &Server{cfg: c, logger: c.Logger, dataLimit: limit}
	s.bg, s.cancel = context.WithCancel(context.Background())

	s.static, err = static.New(static.Options{
		Dir:    c.Static.Dir,
		Prefix: c.Static.Prefix,
		Logger: s.logger,
	})
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if len(c.Minify) > 0 {
		s.minifier, err = minify.New(minify.Options{
			Dir:    c.Static.Dir,
			Types:  c.Minify,
			Logger: s.logger,
			OnRun:  s.observeMinify,
		})
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	if c.PWA != nil {
		s.pwa = pwa.New(pwa.Options{
			Dir:       c.Static.Dir,
			StaticURL: s.static.URL(),
			Manifest:  c.PWA.Manifest,
			Generator: c.PWA.Generator,
			Logger:    s.logger,
		})
	}

	vars := s.viewVars()
	if c.ViewEngine != nil {
		s.engine = c.ViewEngine
	} else {
		s.html = views.New(views.Options{
			Dir:      c.Views.Dir,
			Layout:   c.Views.Layout,
			NoLayout: c.Views.NoLayout,
			Ext:      c.Views.Ext,
			Vars:     vars,
			Funcs:    c.Views.Funcs,
			Logger:   s.logger,
		})
		s.engine = s.html
	}

	s.gate = startup.New(startup.Options{
		Threshold: startup.DefaultThreshold,
		Logger:    s.logger,
		OnReject:  s.observeGateReject,
		OnStateChange: func(st startup.State) {
			if c.Metrics != nil {
				c.Metrics.SetGateState(int(st))
			}
		},
		ClientAddr: func(r *http.Request) string {
			return httpmw.ResolveClientIP(r, c.TrustedHops)
		},
	})

	if !c.RateLimit.Disabled {
		s.limiter = ratelimit.New(s.bg,
			ratelimit.WithWindow(c.RateLimit.Max, c.RateLimit.Window),
			ratelimit.WithOnDenied(func(string) {
				if c.Metrics != nil {
					c.Metrics.IncRateLimitDenied()
				}
			}),
			ratelimit.WithOnFirstDenied(func(ip string) {
				s.logger.Warn(s.bg, "rate limit reached", "client.address", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				if c.Metrics != nil {
					c.Metrics.IncRateLimitCapacity()
				}
				s.logger.Warn(s.bg, "rate limiter visitor table full")
			}),
		)
	}

	s.opts = s.serverOptions()
	s.handler = httpserver.NewHandler(s.opts)
	return s, nil
}

// viewVars are the variables every view sees; configured Vars win.
func (s *Server) viewVars() map[string]any {
	vars := map[string]any{
		"static": s.static.URL(),
		"pwa":    s.pwa != nil,
		"min": map[string]any{
			"js":  s.minifier.Ext("js"),
			"css": s.minifier.Ext("css"),
		},
	}
	if s.pwa != nil {
		vars["icon"] = s.pwa.Icon()
		vars["icon_type"] = s.pwa.IconType()
	}
	maps.Copy(vars, s.cfg.Views.Vars)
	return vars
}

func (s *Server) serverOptions() *httpserver.Options {
	c := s.cfg
	opts := &httpserver.Options{
		Logger:       s.logger,
		Addr:         c.Addr,
		Production:   c.Production,
		Gate:         s.gate,
		Security:     httpmw.SecurityOptions{ContentSecurityPolicy: c.ContentSecurityPolicy},
		TrustedHops:  c.TrustedHops,
		Timeout:      c.Timeout,
		UseRecoverMW: true,
		DataLimit:    s.dataLimit,
		Static:       s.static.Middleware,
		Prep: prep.Middleware(prep.Options{
			Production: c.Production,
			Geo:        c.GeoLocator,
			StaticURL:  s.static.URL(),
			DataLimit:  s.dataLimit,
			Logger:     s.logger,
			OnReject: func(reason string) {
				if c.Metrics != nil {
					c.Metrics.IncPrepRejected(reason)
				}
			},
		}),
		Routes:    s.routes,
		NotFound:  c.NotFound,
		Readiness: s.gate,
	}
	if s.limiter != nil {
		opts.RateLimitMW = s.limiter.Middleware
	}
	if c.Metrics != nil {
		opts.MetricsMW = c.Metrics.Middleware
		opts.OnPanic = c.Metrics.IncHttpPanic
	}
	return opts
}

func (s *Server) routes(r chi.Router) {
	for p, h := range s.cfg.Pages {
		r.Method(http.MethodGet, p, h)
		r.Method(http.MethodPost, p, h)
	}
	if s.cfg.Routes != nil {
		s.cfg.Routes(r)
	}
}

// Handler is the full middleware stack, for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.handler }

// Gate exposes the startup gate, which is also a readiness probe.
func (s *Server) Gate() *startup.Gate { return s.gate }

// Check reports the gate state, so a Server is a readiness probe.
func (s *Server) Check(ctx context.Context) error { return s.gate.Check(ctx) }

var _ health.Probe = (*Server)(nil)

// Start binds the listener and runs the startup tasks in the background.
// A bind failure fails the gate and is returned. stop shuts the listener
// down and stops the file watchers.
func (s *Server) Start(ctx context.Context) (stop func(context.Context) error, err error) {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return nil, xerrors.New("sitekit: server already started")
	}

	srvStop, err := httpserver.Start(ctx, s.opts)
	if err != nil {
		s.cancel()
		return nil, err
	}

	go s.runStartup(s.bg)

	var once sync.Once
	stop = func(sctx context.Context) (retErr error) {
		once.Do(func() {
			s.cancel()
			retErr = srvStop(sctx)
		})
		return retErr
	}
	return stop, nil
}

// runStartup completes the two startup tasks. They run concurrently; the
// gate opens once both have reported.
func (s *Server) runStartup(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.prepareDirectories(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.gate.Fail(ctx, err)
			}
			return
		}
		s.gate.Advance(ctx, startup.TaskDirectories)
	}()
	go func() {
		defer wg.Done()
		s.preparePWA(ctx)
		s.gate.Advance(ctx, startup.TaskPWA)
	}()
	wg.Wait()
}

// prepareDirectories seeds and creates the static directory, creates the
// views directory and starts minification and view reloading.
func (s *Server) prepareDirectories(ctx context.Context) error {
	if seed := s.cfg.StaticSeed; seed != nil {
		syncer, err := staticsync.New(ctx, staticsync.Options{
			Bucket:    seed.Bucket,
			Prefix:    seed.Prefix,
			Dir:       s.cfg.Static.Dir,
			Overwrite: seed.Overwrite,
			Client:    seed.Client,
			Logger:    s.logger,
		})
		if err != nil {
			s.logger.Error(ctx, err, "static seed unavailable, serving local files only")
		} else {
			res, err := syncer.Sync(ctx)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.ObserveStaticSync(res.Written, res.Skipped, res.Bytes)
			}
			if err != nil {
				s.logger.Error(ctx, err, "static seed incomplete", "written", res.Written)
			}
		}
	}

	if err := s.static.EnsureDir(ctx); err != nil {
		return err
	}
	if s.html != nil {
		if err := s.html.EnsureDir(ctx); err != nil {
			return err
		}
		if err := s.html.Watch(ctx); err != nil {
			s.logger.Warn(ctx, "view reloading disabled", "error", err)
		}
	}
	if s.minifier != nil {
		if err := s.minifier.Run(ctx); err != nil {
			s.logger.Warn(ctx, "minify failed", "error", err)
		}
		if err := s.minifier.Watch(ctx); err != nil {
			s.logger.Warn(ctx, "minify watcher disabled", "error", err)
		}
	}
	return ctx.Err()
}

// preparePWA never blocks startup: a site without its manifest still works.
func (s *Server) preparePWA(ctx context.Context) {
	if s.pwa == nil {
		return
	}
	// the static dir may not exist yet
	if err := s.static.EnsureDir(ctx); err != nil {
		s.logger.Error(ctx, err, "pwa setup skipped")
		return
	}
	err := s.pwa.Setup(ctx)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveManifest(err)
	}
	if err != nil {
		s.logger.Error(ctx, err, "pwa setup failed")
		return
	}
	if err := s.pwa.Watch(ctx); err != nil {
		s.logger.Warn(ctx, "pwa icon watcher disabled", "error", err)
	}
}

func (s *Server) observeMinify(kind string, err error) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveMinify(kind, err)
	}
}

func (s *Server) observeGateReject(st startup.State, retryAfter int) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncGateRejected(st.String(), retryAfter)
	}
}
