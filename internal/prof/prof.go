// Package prof starts continuous profiling with Pyroscope.
package prof

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	Tags          map[string]string
	// ProfileTypes defaults to DefaultProfileTypes.
	ProfileTypes         []pyroscope.ProfileType
	ProfileMutexFraction int
	BlockProfileRate     int
	// OnActive reports whether the profiler is running after Start and
	// after stop, e.g. for a gauge.
	OnActive func(bool)
}

// DefaultProfileTypes are the CPU, heap, goroutine and contention profiles.
var DefaultProfileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

func (o Options) active(v bool) {
	if o.OnActive != nil {
		o.OnActive(v)
	}
}

// config checks the options and builds the agent config.
func (o Options) config(L log.Logger) (pyroscope.Config, error) {
	if o.AppName == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope: app name is required")
	}
	u, err := url.Parse(o.ServerAddress)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return pyroscope.Config{}, xerrors.Newf("pyroscope: invalid server address (%q)", o.ServerAddress)
	}
	types := o.ProfileTypes
	if len(types) == 0 {
		types = DefaultProfileTypes
	}
	return pyroscope.Config{
		ApplicationName: o.AppName,
		ServerAddress:   o.ServerAddress,
		AuthToken:       o.AuthToken,
		TenantID:        o.TenantID,
		Tags:            o.Tags,
		ProfileTypes:    types,
		Logger:          agentLogger{L: L},
	}, nil
}

// agentLogger routes the agent's own messages into the site log.
type agentLogger struct{ L log.Logger }

func (a agentLogger) Infof(format string, args ...any) {
	a.L.Debug(context.Background(), fmt.Sprintf(format, args...), "source", "pyroscope")
}

func (a agentLogger) Debugf(format string, args ...any) {
	a.L.Debug(context.Background(), fmt.Sprintf(format, args...), "source", "pyroscope")
}

func (a agentLogger) Errorf(format string, args ...any) {
	a.L.Warn(context.Background(), fmt.Sprintf(format, args...), "source", "pyroscope")
}

// Start returns a stop func that is always safe to call, even on error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		opts.active(false)
		return noop, nil
	}

	cfg, err := opts.config(L)
	if err != nil {
		L.Error(ctx, err, "pyroscope options")
		opts.active(false)
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		err = xerrors.Wrap(err, "pyroscope start")
		L.Error(ctx, err, "pyroscope start failed", "server_address", opts.ServerAddress)
		opts.active(false)
		return noop, err
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
		"profile_types", len(cfg.ProfileTypes),
	)
	opts.active(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			opts.active(false)
			L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
		})
	}, nil
}
