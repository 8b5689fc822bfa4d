package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Route labels for requests that never reach a chi pattern.
const (
	RouteStatic    = "static"
	RouteNotFound  = "not_found"
	RouteUnmatched = "unmatched"
)

type routeHolderKey struct{}

// SetRoute names the route of a request served outside the chi router,
// such as a static file or the 404 page. Outside Middleware it does nothing.
func SetRoute(ctx context.Context, route string) {
	if h, ok := ctx.Value(routeHolderKey{}).(*atomic.Pointer[string]); ok {
		h.Store(&route)
	}
}

// Middleware records the request counters and histograms. Labels stay
// bounded: the method is folded to a known set and the route is a chi
// pattern or one of the Route names, never the raw path.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rctx := chi.RouteContext(ctx)
		if rctx == nil {
			rctx = chi.NewRouteContext()
			ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
		}
		named := new(atomic.Pointer[string])
		r = r.WithContext(context.WithValue(ctx, routeHolderKey{}, named))

		m.inflight.Inc()
		defer m.inflight.Dec()
		snoop := httpsnoop.CaptureMetrics(next, w, r)

		method := methodLabel(r.Method)
		route := routeLabel(rctx, named)
		m.reqTotal.WithLabelValues(method, route, strconv.Itoa(snoop.Code)).Inc()
		if snoop.Code >= http.StatusInternalServerError {
			m.errorsTotal.WithLabelValues(method, route).Inc()
		}
		observe(m.reqDur.WithLabelValues(method, route), snoop.Duration.Seconds(), traceExemplar(ctx))
		m.respBytes.WithLabelValues(method, route).Observe(float64(snoop.Written))
	})
}

func routeLabel(rctx *chi.Context, named *atomic.Pointer[string]) string {
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	if p := named.Load(); p != nil && *p != "" {
		return *p
	}
	return RouteUnmatched
}

// methodLabel keeps arbitrary client methods out of the label set.
func methodLabel(m string) string {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return m
	}
	return "OTHER"
}

func observe(o prometheus.Observer, v float64, ex prometheus.Labels) {
	if eo, ok := o.(prometheus.ExemplarObserver); ok && ex != nil {
		eo.ObserveWithExemplar(v, ex)
		return
	}
	o.Observe(v)
}

// traceExemplar links a sampled trace to the latency histogram.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
