// Package static serves a directory of files under a URL prefix. Requests
// that match no file fall through to the next handler, so pages and the
// 404 page still get their turn.
package static

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/keithlinneman/sitekit/internal/xerrors"
)

type Handler struct {
	opts Options
	fsys fs.FS
}

func New(opts Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts, fsys: os.DirFS(opts.Dir)}, nil
}

// Dir is the directory on disk being served.
func (h *Handler) Dir() string { return h.opts.Dir }

// URL is the mount prefix without a trailing slash, "" for the root mount.
// Views use it to build asset links.
func (h *Handler) URL() string { return strings.TrimSuffix(h.opts.Prefix, "/") }

// EnsureDir creates the static directory when missing.
func (h *Handler) EnsureDir(ctx context.Context) error {
	if err := os.MkdirAll(h.opts.Dir, 0o755); err != nil {
		return xerrors.Wrapf(err, "create static dir %s", h.opts.Dir)
	}
	h.opts.Logger.Debug(ctx, "static dir ready", "dir", h.opts.Dir, "prefix", h.opts.Prefix)
	return nil
}

// Middleware serves matching GET and HEAD requests and passes everything
// else to next.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		rel, mounted := h.strip(r.URL.Path)
		if !mounted {
			next.ServeHTTP(w, r)
			return
		}
		file, redirect, found := resolvePath(rel, h.fsys)
		if redirect != "" {
			http.Redirect(w, r, h.URL()+redirect, http.StatusPermanentRedirect)
			return
		}
		if !found {
			next.ServeHTTP(w, r)
			return
		}
		if cc := cacheControlForFile(file, &h.opts); cc != "" {
			w.Header().Set("Cache-Control", cc)
		}
		http.ServeFileFS(w, r, h.fsys, file)
	})
}

// strip removes the mount prefix. "/static" matches "/static" and
// "/static/..." but not "/staticfoo".
func (h *Handler) strip(p string) (string, bool) {
	prefix := h.URL()
	if prefix == "" {
		return p, true
	}
	if p == prefix {
		return "/", true
	}
	if rest, ok := strings.CutPrefix(p, prefix); ok && strings.HasPrefix(rest, "/") {
		return rest, true
	}
	return "", false
}
