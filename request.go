package sitekit

import (
	"bytes"
	"errors"
	"maps"
	"net/http"

	"github.com/keithlinneman/sitekit/clean"
	"github.com/keithlinneman/sitekit/internal/cryptoutil"
	"github.com/keithlinneman/sitekit/internal/httpserver"
	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/pathutil"
	"github.com/keithlinneman/sitekit/internal/prep"
	"github.com/keithlinneman/sitekit/internal/views"
)

// Request is the cleaned view of a page request.
type Request = prep.Request

// RequestData returns the cleaned request, or nil for requests that did
// not pass through the page middleware (static files, /ping).
func RequestData(r *http.Request) *Request { return prep.FromContext(r.Context()) }

// Params returns the cleaned route parameters of the matched page.
func Params(r *http.Request) clean.Value { return prep.Params(r) }

// Render executes a view. A nil data renders the request data.
func (s *Server) Render(w http.ResponseWriter, r *http.Request, name string, data any) error {
	return s.render(w, r, http.StatusOK, name, data)
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) error {
	if data == nil {
		if req := RequestData(r); req != nil {
			data = req.Data.Interface()
		}
	}
	// buffered so a failed render can still send an error status
	var buf bytes.Buffer
	if err := s.engine.Render(&buf, name, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err
}

// StatusView renders a view with the given status, e.g. a custom 404 page.
// When the view cannot be rendered the plain page for the status is sent.
func (s *Server) StatusView(status int, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		err := s.render(w, r, status, name, nil)
		if err == nil {
			return
		}
		log.FromContext(ctx).Error(ctx, err, "render failed", "view", name)
		if status == http.StatusNotFound {
			httpserver.NotFound(w, r)
			return
		}
		http.Error(w, http.StatusText(status), status)
	})
}

// View serves a view for every request. The view's data is data with the
// request data and route parameters laid over it. A missing view answers
// with the 404 page.
func (s *Server) View(name string, data map[string]any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		merged := maps.Clone(data)
		if merged == nil {
			merged = make(map[string]any)
		}
		if req := RequestData(r); req != nil {
			if m, ok := req.Data.Interface().(map[string]any); ok {
				maps.Copy(merged, m)
			}
		}
		if m, ok := Params(r).Interface().(map[string]any); ok {
			maps.Copy(merged, m)
		}

		err := s.Render(w, r, name, merged)
		switch {
		case err == nil:
		case errors.Is(err, views.ErrNotFound):
			log.FromContext(ctx).Warn(ctx, "view not found", "view", name)
			s.notFound().ServeHTTP(w, r)
		default:
			log.FromContext(ctx).Error(ctx, err, "render failed", "view", name)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	})
}

func (s *Server) notFound() http.Handler {
	if s.cfg.NotFound != nil {
		return s.cfg.NotFound
	}
	return http.HandlerFunc(httpserver.NotFound)
}

// RandToken returns n random bytes hex encoded. n <= 0 uses 64 bytes.
func RandToken(n int) (string, error) { return cryptoutil.RandToken(n) }

// SafeJoin joins parts onto root and reports false if the result would
// leave root.
func SafeJoin(root string, parts ...string) (string, bool) {
	return pathutil.SafeJoin(root, parts...)
}

// Clean sanitizes an arbitrary value the same way request input is
// sanitized. Control characters are stripped; a string holding nothing but
// unsupported characters is dropped.
func Clean(v any) any { return clean.Clean(clean.FromAny(v), false).Interface() }
