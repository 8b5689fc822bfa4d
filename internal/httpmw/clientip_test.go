package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		hops   int
		want   string
	}{
		{"peer only", "203.0.113.5:1234", "", 0, "203.0.113.5"},
		{"xff ignored without hops", "10.0.0.2:80", "198.51.100.7", 0, "10.0.0.2"},
		{"one hop takes rightmost", "10.0.0.2:80", "1.1.1.1, 198.51.100.7", 1, "198.51.100.7"},
		{"two hops", "10.0.0.2:80", "198.51.100.9, 198.51.100.7", 2, "198.51.100.9"},
		{"public peer not trusted", "203.0.113.5:1234", "198.51.100.7", 1, "203.0.113.5"},
		{"loopback peer trusted", "127.0.0.1:5555", "198.51.100.7", 1, "198.51.100.7"},
		{"too few entries", "10.0.0.2:80", "198.51.100.7", 3, "10.0.0.2"},
		{"garbage candidate", "10.0.0.2:80", "not-an-ip", 1, "10.0.0.2"},
		{"ipv6 peer", "[2001:db8::1]:443", "", 0, "2001:db8::1"},
		{"bracketed xff", "[::1]:8080", "[2001:db8::7]", 1, "2001:db8::7"},
		{"no port", "192.0.2.10", "", 0, "192.0.2.10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ResolveClientIP(r, tt.hops); got != tt.want {
				t.Fatalf("ResolveClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveClientIP_DropsUntrustedForwardedHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	r.Header.Set("X-Forwarded-Proto", "https")
	ResolveClientIP(r, 1)
	if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("X-Forwarded-Proto") != "" {
		t.Fatal("forwarded headers from an untrusted peer should be removed")
	}
}

func TestClientIP_Middleware(t *testing.T) {
	var got string
	h := ClientIP(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:9000"
	r.Header.Set("X-Forwarded-For", "198.51.100.20")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got != "198.51.100.20" {
		t.Fatalf("client ip = %q", got)
	}
}

func TestClientIPFromContext_Empty(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if ClientIPFromContext(r.Context()) != "" {
		t.Fatal("expected empty ip")
	}
	if WithClientIP(r.Context(), "") != r.Context() {
		t.Fatal("empty ip should not wrap the context")
	}
}
