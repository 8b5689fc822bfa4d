package prep

import "testing"

func TestNormalizeHost(t *testing.T) {
	tests := []struct{ in, want string }{
		{"example.com", "example.com"},
		{"example.com:8080", "example.com"},
		{"https://Example.com:443", "Example.com"},
		{"[::1]:3000", "::1"},
		{"::1", "::1"},
		{"exa mple<>.com", "example.com"},
		{"", ""},
		{"localhost", "localhost"},
	}
	for _, tt := range tests {
		if got := normalizeHost(tt.in); got != tt.want {
			t.Errorf("normalizeHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsFQDN(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"www.example.co.uk", true},
		{"example.com.", true},
		{"xn--bcher-kva.example", true},
		{"bücher.example", true},
		{"localhost", false},
		{"127.0.0.1", false},
		{"-bad.com", false},
		{"bad-.com", false},
		{"example.c", false},
		{"example.c0m", false},
		{"a..com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isFQDN(tt.host); got != tt.want {
			t.Errorf("isFQDN(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
