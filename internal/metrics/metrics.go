package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/sitekit/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	profilingActive        prometheus.Gauge

	// startup gate
	gateState       prometheus.Gauge
	gateRejectTotal *prometheus.CounterVec

	// request preparation
	prepRejectTotal *prometheus.CounterVec

	// asset pipeline
	minifyRunsTotal  *prometheus.CounterVec
	staticSyncTotal  *prometheus.CounterVec
	staticSyncBytes  prometheus.Counter
	pwaManifestTotal *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		gateState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "startup_gate_state",
			Help: "Startup gate state: 0 not ready, 1 ready, 2 failed",
		}),
		gateRejectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "startup_gate_rejected_total",
			Help: "Requests answered 503 by the startup gate, by gate state and Retry-After",
		}, []string{"state", "retry_after"}),
		prepRejectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rejected_total",
			Help: "Requests rejected during preparation, by reason",
		}, []string{"reason"}),
		minifyRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minify_runs_total",
			Help: "Minification passes by asset kind and result",
		}, []string{"kind", "result"}),
		staticSyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "static_sync_objects_total",
			Help: "Objects handled by static sync, by outcome",
		}, []string{"outcome"}),
		staticSyncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "static_sync_bytes_total",
			Help: "Bytes written by static sync",
		}),
		pwaManifestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pwa_manifest_writes_total",
			Help: "Manifest generations by result",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.profilingActive,
		m.gateState,
		m.gateRejectTotal,
		m.prepRejectTotal,
		m.minifyRunsTotal,
		m.staticSyncTotal,
		m.staticSyncBytes,
		m.pwaManifestTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// SetGateState takes the numeric startup.State so this package does not
// import the gate.
func (m *ServerMetrics) SetGateState(state int) {
	m.gateState.Set(float64(state))
}

func (m *ServerMetrics) IncGateRejected(state string, retryAfter int) {
	m.gateRejectTotal.WithLabelValues(state, strconv.Itoa(retryAfter)).Inc()
}

func (m *ServerMetrics) IncPrepRejected(reason string) {
	m.prepRejectTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) ObserveMinify(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.minifyRunsTotal.WithLabelValues(kind, result).Inc()
}

func (m *ServerMetrics) ObserveStaticSync(written, skipped int, bytes int64) {
	m.staticSyncTotal.WithLabelValues("written").Add(float64(written))
	m.staticSyncTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.staticSyncBytes.Add(float64(bytes))
}

func (m *ServerMetrics) ObserveManifest(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pwaManifestTotal.WithLabelValues(result).Inc()
}
