package httpmw

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout = 5000 * time.Millisecond

	// TimeoutRetryAfter is the Retry-After hint, in seconds, on timed-out requests.
	TimeoutRetryAfter = "600"

	timeoutBody = "<h1>Error: 503 (Service Unavailable)</h1><h2>Request timed out. Please try again later.</h2>"
)

// Timeout aborts handlers that run longer than d with a 503. The response
// carries Retry-After and Refresh so browsers back off. d <= 0 uses
// DefaultTimeout.
func Timeout(d time.Duration) Middleware {
	if d <= 0 {
		d = DefaultTimeout
	}
	return func(next http.Handler) http.Handler {
		th := http.TimeoutHandler(next, d, timeoutBody)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			th.ServeHTTP(&timeoutWriter{ResponseWriter: w}, r)
		})
	}
}

// timeoutWriter decorates the 503 that http.TimeoutHandler writes on expiry.
// Handlers answering 503 themselves keep whatever headers they set.
type timeoutWriter struct {
	http.ResponseWriter
}

func (tw *timeoutWriter) WriteHeader(code int) {
	if code == http.StatusServiceUnavailable {
		h := tw.Header()
		if h.Get("Retry-After") == "" {
			h.Set("Retry-After", TimeoutRetryAfter)
			h.Set("Refresh", TimeoutRetryAfter)
		}
		if h.Get("Content-Type") == "" {
			h.Set("Content-Type", "text/html; charset=utf-8")
		}
	}
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Unwrap() http.ResponseWriter { return tw.ResponseWriter }
