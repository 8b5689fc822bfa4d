package httpserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitekit/internal/httpserver"
	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/prep"
	"github.com/keithlinneman/sitekit/internal/startup"
	"github.com/keithlinneman/sitekit/internal/static"
	"github.com/keithlinneman/sitekit/internal/views"
)

// TestIntegration_FullStack wires httpserver.NewHandler with the real gate,
// static handler, request prep and view engine, then drives requests through
// every middleware layer.
func TestIntegration_FullStack(t *testing.T) {
	t.Parallel()

	publicDir := t.TempDir()
	viewsDir := t.TempDir()
	writeFile(t, filepath.Join(publicDir, "style.css"), "body { color: red; }")
	writeFile(t, filepath.Join(viewsDir, "hello.html"), `<p>Hello {{.Data.name}} from {{.Vars.static}}</p>`)

	st, err := static.New(static.Options{Dir: publicDir, Logger: log.Nop()})
	if err != nil {
		t.Fatalf("static.New: %v", err)
	}
	engine := views.New(views.Options{
		Dir:      viewsDir,
		NoLayout: true,
		Vars:     map[string]any{"static": st.URL() + "/"},
		Logger:   log.Nop(),
	})

	gate := startup.New(startup.Options{Threshold: 1})
	gate.Advance(context.Background(), startup.TaskDirectories)

	handler := httpserver.NewHandler(&httpserver.Options{
		Logger:    log.Nop(),
		Gate:      gate,
		DataLimit: 1 << 10,
		Static:    st.Middleware,
		Prep:      prep.Middleware(prep.Options{StaticURL: st.URL()}),
		Routes: func(r chi.Router) {
			page := func(w http.ResponseWriter, r *http.Request) {
				req := prep.FromContext(r.Context())
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				if err := engine.Render(w, "hello", req.Data.Interface()); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
				}
			}
			r.Get("/hello", page)
			r.Post("/hello", page)
		},
	})

	browser := "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	t.Run("renders a page with cleaned query data", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/hello?name=Ada%00", http.NoBody)
		req.Header.Set("User-Agent", browser)
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		if body := rec.Body.String(); body != "<p>Hello Ada from /</p>" {
			t.Fatalf("body = %q", body)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Error("X-Request-Id not set")
		}
		if rec.Header().Get("X-Content-Type-Options") == "" {
			t.Error("security headers missing")
		}
	})

	t.Run("renders posted form data", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hello", strings.NewReader("name=Grace"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("User-Agent", browser)
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK || rec.Body.String() != "<p>Hello Grace from /</p>" {
			t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("serves static assets without a browser", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/style.css", http.NoBody)
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "color: red") {
			t.Fatalf("body = %q", rec.Body.String())
		}
	})

	t.Run("rejects pages without a browser", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/hello", http.NoBody)
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("returns the 404 page for missing paths", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/does-not-exist", http.NoBody)
		req.Header.Set("User-Agent", browser)
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Page Not Found") {
			t.Fatalf("body = %q", rec.Body.String())
		}
	})

	t.Run("ping bypasses prep", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", http.NoBody))
		if rec.Code != http.StatusOK || rec.Body.String() != "pong!" {
			t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
		}
	})
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}
