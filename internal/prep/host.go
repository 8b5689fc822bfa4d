package prep

import (
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"github.com/keithlinneman/sitekit/clean"
)

var (
	hostStrip  = regexp.MustCompile(`[^\w\-./:]`)
	hostScheme = regexp.MustCompile(`(?i)^https?://`)
)

// normalizeHost cleans a Host header down to a bare host name: disallowed
// characters, any scheme and the port are removed.
func normalizeHost(raw string) string {
	h, ok := clean.String(raw, false)
	if !ok {
		return ""
	}
	h = hostScheme.ReplaceAllString(strings.TrimSpace(h), "")
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	} else if !strings.HasPrefix(h, "[") && strings.Count(h, ":") == 1 {
		h, _, _ = strings.Cut(h, ":")
	}
	h = strings.Trim(h, "[]")
	return hostStrip.ReplaceAllString(h, "")
}

// isFQDN reports whether host is a fully qualified domain name with an
// alphabetic top-level label. Internationalised names are checked in their
// ASCII form.
func isFQDN(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return false
	}
	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 || strings.HasPrefix(l, "-") || strings.HasSuffix(l, "-") {
			return false
		}
		for _, c := range l {
			if !(c == '-' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
				return false
			}
		}
	}
	tld := labels[len(labels)-1]
	if strings.HasPrefix(tld, "xn--") {
		return len(tld) > 4
	}
	if len(tld) < 2 {
		return false
	}
	for _, c := range tld {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
