// Package views renders pages through html/template. Each view file is
// parsed together with the layout so it can fill the layout's blocks
// ("title", "head", "body"); templates are cached until a file in the views
// directory changes.
package views

import (
	"context"
	"errors"
	"html/template"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/pathutil"
	"github.com/keithlinneman/sitekit/internal/watch"
	"github.com/keithlinneman/sitekit/internal/webassets"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

var ErrNotFound = errors.New("views: view not found")

// Engine renders a named view with page data.
type Engine interface {
	Render(w io.Writer, name string, data any) error
}

// Page is the value templates execute against.
type Page struct {
	// Vars are the site-wide view variables: static, pwa, icon, icon_type
	// and min (a map with js and css keys).
	Vars map[string]any
	Data any
}

type Options struct {
	// Dir holds the view files. default: "views"
	Dir string
	// Layout is the layout file name without extension. default: "layout"
	Layout string
	// NoLayout renders views on their own.
	NoLayout bool
	// Ext is the view file extension without the dot. default: "html"
	Ext string

	Vars   map[string]any
	Funcs  template.FuncMap
	Logger log.Logger
}

func (o *Options) setDefaults() {
	if o.Dir == "" {
		o.Dir = "views"
	}
	if o.Layout == "" {
		o.Layout = "layout"
	}
	if o.Ext == "" {
		o.Ext = "html"
	}
	o.Ext = strings.TrimPrefix(o.Ext, ".")
	o.Logger = log.OrNop(o.Logger)
}

// HTML is the default Engine.
type HTML struct {
	opts Options

	mu    sync.RWMutex
	cache map[string]*template.Template
}

func New(opts Options) *HTML {
	opts.setDefaults()
	return &HTML{opts: opts, cache: make(map[string]*template.Template)}
}

// Vars returns a copy of the view variables.
func (e *HTML) Vars() map[string]any { return maps.Clone(e.opts.Vars) }

// EnsureDir creates the views directory and, unless layouts are off, writes
// the default layout when none exists.
func (e *HTML) EnsureDir(ctx context.Context) error {
	if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
		return xerrors.Wrapf(err, "create views dir %s", e.opts.Dir)
	}
	if e.opts.NoLayout {
		return nil
	}
	p := filepath.Join(e.opts.Dir, e.opts.Layout+"."+e.opts.Ext)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.WriteFile(p, webassets.Layout(), 0o644); err != nil {
		return xerrors.Wrapf(err, "write default layout %s", p)
	}
	e.opts.Logger.Info(ctx, "wrote default layout", "path", p)
	return nil
}

// Watch drops cached templates whenever a file in the views directory changes.
func (e *HTML) Watch(ctx context.Context) error {
	ext := "." + e.opts.Ext
	return watch.Start(ctx, []string{e.opts.Dir}, watch.Options{
		Logger: e.opts.Logger,
		Match:  func(p string) bool { return strings.HasSuffix(p, ext) },
	}, func(ctx context.Context, p string) {
		e.Invalidate()
		e.opts.Logger.Debug(ctx, "views reloaded", "path", p)
	})
}

// Invalidate drops every cached template.
func (e *HTML) Invalidate() {
	e.mu.Lock()
	clear(e.cache)
	e.mu.Unlock()
}

// Render executes view name with data wrapped in a Page. Names may contain
// slashes for subdirectories but never leave the views directory.
func (e *HTML) Render(w io.Writer, name string, data any) error {
	t, err := e.lookup(name)
	if err != nil {
		return err
	}
	entry := name
	if !e.opts.NoLayout && t.Lookup(e.opts.Layout) != nil {
		entry = e.opts.Layout
	}
	if err := t.ExecuteTemplate(w, entry, Page{Vars: e.opts.Vars, Data: data}); err != nil {
		return xerrors.Wrapf(err, "render view %s", name)
	}
	return nil
}

func (e *HTML) lookup(name string) (*template.Template, error) {
	e.mu.RLock()
	t, ok := e.cache[name]
	e.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := e.parse(name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[name] = t
	e.mu.Unlock()
	return t, nil
}

func (e *HTML) parse(name string) (*template.Template, error) {
	viewPath, ok := pathutil.SafeJoin(e.opts.Dir, filepath.FromSlash(name)+"."+e.opts.Ext)
	if !ok {
		return nil, xerrors.Wrapf(ErrNotFound, "view %q", name)
	}
	src, err := os.ReadFile(viewPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, xerrors.Wrapf(ErrNotFound, "view %q", name)
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "read view %s", viewPath)
	}

	root := template.New(name).Funcs(e.opts.Funcs)
	hasLayout := false
	if !e.opts.NoLayout {
		layoutPath := filepath.Join(e.opts.Dir, e.opts.Layout+"."+e.opts.Ext)
		layout, err := os.ReadFile(layoutPath)
		switch {
		case err == nil:
			if _, err := root.New(e.opts.Layout).Parse(string(layout)); err != nil {
				return nil, xerrors.Wrapf(err, "parse layout %s", layoutPath)
			}
			hasLayout = true
		case !errors.Is(err, os.ErrNotExist):
			return nil, xerrors.Wrapf(err, "read layout %s", layoutPath)
		}
	}
	// parsed last so the view's block definitions override the layout defaults
	if _, err := root.Parse(string(src)); err != nil {
		return nil, xerrors.Wrapf(err, "parse view %s", viewPath)
	}
	// a view without its own body block is the body
	if hasLayout && !strings.Contains(string(src), `define "body"`) && !strings.Contains(string(src), `block "body"`) {
		if _, err := root.New("body").Parse(string(src)); err != nil {
			return nil, xerrors.Wrapf(err, "attach view %s as body", viewPath)
		}
	}
	return root, nil
}
