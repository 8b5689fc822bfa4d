package httpmw

import "net/http"

// SecurityOptions tunes SecurityHeaders. The zero value sends the default set
// without a Content-Security-Policy, since pages usually load third-party
// scripts and styles the server cannot know about.
type SecurityOptions struct {
	// ContentSecurityPolicy is sent verbatim when non-empty.
	ContentSecurityPolicy string
	// HSTSMaxAge in seconds. default: 15552000 (180 days)
	HSTSMaxAge int
	// DisableHSTS skips Strict-Transport-Security, for plain-http development.
	DisableHSTS bool
}

// SecurityHeaders sets the usual hardening headers on every response.
func SecurityHeaders(opts SecurityOptions) Middleware {
	hsts := "max-age=15552000; includeSubDomains"
	if opts.HSTSMaxAge > 0 {
		hsts = "max-age=" + itoa(opts.HSTSMaxAge) + "; includeSubDomains"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if opts.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", opts.ContentSecurityPolicy)
			}
			if !opts.DisableHSTS {
				h.Set("Strict-Transport-Security", hsts)
			}
			h.Set("Cross-Origin-Opener-Policy", "same-origin")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
			h.Set("Origin-Agent-Cluster", "?1")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-DNS-Prefetch-Control", "off")
			h.Set("X-Download-Options", "noopen")
			h.Set("X-Frame-Options", "SAMEORIGIN")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
			// legacy XSS auditors do more harm than good
			h.Set("X-XSS-Protection", "0")
			next.ServeHTTP(w, r)
		})
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
