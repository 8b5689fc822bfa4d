// Package startup holds requests back until background startup work is done.
//
// A Gate starts NotReady. Startup tasks report completion with Advance; once
// the configured number of distinct tasks has completed the gate is Ready for
// the rest of the process lifetime. A bind failure moves it to Failed, which
// is terminal. Requests that arrive while NotReady wait up to Options.Wait
// for either transition and otherwise get a 503 whose Retry-After grows with
// the number of times that client has been turned away.
package startup

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keithlinneman/sitekit/internal/httpmw"
	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

type State int

const (
	NotReady State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Startup task names used by sitekit.
const (
	TaskDirectories = "directories"
	TaskPWA         = "pwa"
)

const (
	DefaultThreshold = 2
	DefaultWait      = 5000 * time.Millisecond

	// FailedRetryAfter is the hint, in seconds, sent once the gate has failed.
	FailedRetryAfter = 600
)

var (
	ErrNotReady = errors.New("server is starting")
	ErrFailed   = errors.New("server failed to start")
)

const (
	startingBody = "<h1>Error: 503 (Service Unavailable)</h1><h2>Server is starting. Please try again shortly.</h2>"
	failedBody   = "<h1>Error: 503 (Service Unavailable)</h1><h2>Server failed to start. Please try again later.</h2>"
)

type Options struct {
	// Threshold is how many distinct tasks must complete. default: 2
	Threshold int
	// Wait caps how long a request is held while NotReady. default: 5s
	Wait time.Duration
	// Clock drives the wait timer. default: real clock
	Clock  clockwork.Clock
	Logger log.Logger
	// OnReject is called for every 503 the gate writes, with the Retry-After sent.
	OnReject func(state State, retryAfter int)
	// OnStateChange is called after every transition.
	OnStateChange func(State)
	// ClientAddr keys the attempt counter. default: httpmw client ip, then peer address
	ClientAddr func(*http.Request) string
}

func (o *Options) setDefaults() {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.ClientAddr == nil {
		o.ClientAddr = clientAddr
	}
	o.Logger = log.OrNop(o.Logger)
}

type Gate struct {
	opts Options

	mu       sync.Mutex
	state    State
	done     map[string]bool
	attempts map[string]int
	err      error

	ready  chan struct{}
	failed chan struct{}
}

func New(opts Options) *Gate {
	opts.setDefaults()
	return &Gate{
		opts:     opts,
		done:     make(map[string]bool),
		attempts: make(map[string]int),
		ready:    make(chan struct{}),
		failed:   make(chan struct{}),
	}
}

// Advance records that task finished. Repeated reports of the same task
// count once. Reports after Ready or Failed are ignored.
func (g *Gate) Advance(ctx context.Context, task string) {
	g.mu.Lock()
	if g.state != NotReady || g.done[task] {
		g.mu.Unlock()
		return
	}
	g.done[task] = true
	level := len(g.done)
	becameReady := level >= g.opts.Threshold
	if becameReady {
		g.state = Ready
		clear(g.attempts)
		close(g.ready)
	}
	g.mu.Unlock()

	g.opts.Logger.Info(ctx, "startup task complete", "task", task, "level", level, "threshold", g.opts.Threshold)
	if becameReady {
		g.opts.Logger.Info(ctx, "server ready")
		g.notify(Ready)
	}
}

// Fail moves a NotReady gate to Failed. It has no effect once Ready.
func (g *Gate) Fail(ctx context.Context, err error) {
	g.mu.Lock()
	if g.state != NotReady {
		g.mu.Unlock()
		return
	}
	g.state = Failed
	g.err = err
	close(g.failed)
	g.mu.Unlock()

	g.opts.Logger.Error(ctx, err, "startup failed, gate closed")
	g.notify(Failed)
}

func (g *Gate) notify(s State) {
	if g.opts.OnStateChange != nil {
		g.opts.OnStateChange(s)
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Level is the number of distinct tasks completed so far.
func (g *Gate) Level() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.done)
}

// Ready is closed when the gate becomes Ready.
func (g *Gate) Ready() <-chan struct{} { return g.ready }

// Attempts is how many times addr has been turned away since the last reset.
func (g *Gate) Attempts(addr string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[addr]
}

// Check implements health.Probe: nil only once Ready.
func (g *Gate) Check(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case Ready:
		return nil
	case Failed:
		if g.err != nil {
			return xerrors.Newf("%w: %v", ErrFailed, g.err)
		}
		return ErrFailed
	}
	return ErrNotReady
}

// RetryAfter maps the number of times a client has been turned away to the
// Retry-After hint in seconds.
func RetryAfter(attempt int) int {
	switch {
	case attempt <= 1:
		return 5
	case attempt <= 3:
		return 10
	}
	return 600
}

// reject counts a timed-out wait for addr. It returns the state observed
// under the lock so a request that lost the race with Advance can proceed.
func (g *Gate) reject(addr string) (State, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != NotReady {
		return g.state, 0
	}
	g.attempts[addr]++
	return NotReady, RetryAfter(g.attempts[addr])
}

// Middleware must sit first in the chain so nothing else runs before startup completes.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch g.State() {
		case Ready:
			next.ServeHTTP(w, r)
			return
		case Failed:
			g.writeUnavailable(w, Failed, FailedRetryAfter)
			return
		}

		timer := g.opts.Clock.NewTimer(g.opts.Wait)
		defer timer.Stop()

		select {
		case <-g.ready:
			next.ServeHTTP(w, r)
		case <-g.failed:
			g.writeUnavailable(w, Failed, FailedRetryAfter)
		case <-r.Context().Done():
			// client went away, nothing to answer
		case <-timer.Chan():
			state, retry := g.reject(g.opts.ClientAddr(r))
			switch state {
			case Ready:
				next.ServeHTTP(w, r)
			case Failed:
				g.writeUnavailable(w, Failed, FailedRetryAfter)
			default:
				g.writeUnavailable(w, NotReady, retry)
			}
		}
	})
}

func (g *Gate) writeUnavailable(w http.ResponseWriter, state State, retry int) {
	if g.opts.OnReject != nil {
		g.opts.OnReject(state, retry)
	}
	body := startingBody
	if state == Failed {
		body = failedBody
	}
	secs := strconv.Itoa(retry)
	h := w.Header()
	h.Set("Retry-After", secs)
	h.Set("Refresh", secs)
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(body))
}

// clientAddr prefers the address resolved by httpmw.ClientIP and falls back
// to the peer address when the gate runs ahead of it.
func clientAddr(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
