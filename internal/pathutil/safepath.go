// Package pathutil holds path checks shared by the static handler, the S3
// seed and page code that builds file paths from request input.
package pathutil

import (
	"path/filepath"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// SafeJoin joins parts onto root and reports false if any step would leave
// the directory built so far. If the first part is already an absolute path
// inside root it is used as the starting point. ".." in a part collapses to
// "." and "%" is dropped, so encoded traversal never reaches the filesystem.
// A part that adds nothing (empty, ".") also fails.
func SafeJoin(root string, parts ...string) (string, bool) {
	base, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	p := base
	if len(parts) > 0 && filepath.IsAbs(parts[0]) {
		first := filepath.Clean(parts[0])
		if within(base, first) {
			p = first
			parts = parts[1:]
		}
	}
	for _, part := range parts {
		part = strings.ReplaceAll(part, "..", ".")
		part = strings.ReplaceAll(part, "%", "")
		next := filepath.Join(p, part)
		if next == p || !within(p, next) {
			return "", false
		}
		p = next
	}
	return p, true
}

// within reports whether p is dir or below it.
func within(dir, p string) bool {
	if p == dir {
		return true
	}
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
