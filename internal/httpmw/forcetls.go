package httpmw

import (
	"net/http"
	"strings"
)

// ForceTLS redirects plain-http GET and HEAD requests to https with a 301
// and refuses every other method with 403. Requests that arrived over TLS,
// directly or per X-Forwarded-Proto, pass through. Disabled when enabled is
// false so local development works over http.
func ForceTLS(enabled bool) Middleware {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Scheme(r) == "https" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				http.Error(w, "SSL Required!", http.StatusForbidden)
				return
			}
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})
	}
}

// Scheme reports the scheme the client used. X-Forwarded-Proto only
// survives ClientIP when it came from a trusted proxy.
func Scheme(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		return strings.ToLower(strings.TrimSpace(first))
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
