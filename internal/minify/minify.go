// Package minify keeps x.min.js and x.min.css next to every x.js and x.css
// in the static directory. Only the top level of the directory is handled.
package minify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"

	"github.com/keithlinneman/sitekit/internal/cryptoutil"
	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/watch"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

var ErrUnknownType = errors.New("minify: unknown type")

var mediaTypes = map[string]string{
	"js":  "application/javascript",
	"css": "text/css",
}

// DefaultTypes is used when Options.Types is empty.
var DefaultTypes = []string{"js", "css"}

type Options struct {
	Dir    string
	Types  []string
	Logger log.Logger
	// OnRun is called after every file, with err nil on success.
	OnRun func(kind string, err error)
}

type Minifier struct {
	opts  Options
	m     *minify.M
	types map[string]bool
}

func New(opts Options) (*Minifier, error) {
	if len(opts.Types) == 0 {
		opts.Types = DefaultTypes
	}
	opts.Logger = log.OrNop(opts.Logger)

	m := minify.New()
	m.AddFunc(mediaTypes["css"], css.Minify)
	m.AddFunc(mediaTypes["js"], js.Minify)

	types := make(map[string]bool, len(opts.Types))
	for _, t := range opts.Types {
		t = strings.ToLower(strings.TrimPrefix(t, "."))
		if _, ok := mediaTypes[t]; !ok {
			return nil, fmt.Errorf("%w: %q (valid types are js|css)", ErrUnknownType, t)
		}
		types[t] = true
	}
	return &Minifier{opts: opts, m: m, types: types}, nil
}

// Enabled reports whether kind ("js" or "css") is minified.
func (mz *Minifier) Enabled(kind string) bool { return mz != nil && mz.types[kind] }

// Ext is the extension views should link for kind: "min.js" when minified,
// plain "js" otherwise. Safe on a nil Minifier.
func (mz *Minifier) Ext(kind string) string {
	if mz.Enabled(kind) {
		return "min." + kind
	}
	return kind
}

// sourceKind returns the type of a minifiable source file, or "".
func (mz *Minifier) sourceKind(path string) string {
	base := filepath.Base(path)
	for kind := range mz.types {
		if strings.HasSuffix(base, "."+kind) && !strings.HasSuffix(base, ".min."+kind) {
			return kind
		}
	}
	return ""
}

func minPath(path, kind string) string {
	return strings.TrimSuffix(path, "."+kind) + ".min." + kind
}

// Run minifies every source file currently in the directory.
func (mz *Minifier) Run(ctx context.Context) error {
	entries, err := os.ReadDir(mz.opts.Dir)
	if err != nil {
		return xerrors.Wrapf(err, "read %s", mz.opts.Dir)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := mz.File(ctx, filepath.Join(mz.opts.Dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch re-runs File for every source file that changes until ctx is done.
func (mz *Minifier) Watch(ctx context.Context) error {
	return watch.Start(ctx, []string{mz.opts.Dir}, watch.Options{
		Logger: mz.opts.Logger,
		Match:  func(p string) bool { return mz.sourceKind(p) != "" },
	}, func(ctx context.Context, p string) {
		if err := mz.File(ctx, p); err != nil {
			mz.opts.Logger.Warn(ctx, "minify failed", "path", p, "error", err)
		}
	})
}

// File brings the .min twin of path up to date. A missing source, or one
// that minifies to nothing, removes the twin. Non-source paths are ignored.
func (mz *Minifier) File(ctx context.Context, path string) (err error) {
	kind := mz.sourceKind(path)
	if kind == "" {
		return nil
	}
	defer func() {
		if mz.opts.OnRun != nil {
			mz.opts.OnRun(kind, err)
		}
	}()
	out := minPath(path, kind)

	src, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return removeIfExists(out)
	}
	if err != nil {
		return xerrors.Wrapf(err, "read %s", path)
	}

	minified, err := mz.m.Bytes(mediaTypes[kind], src)
	if err != nil {
		// keep the last good .min file; the source is probably mid-edit
		return xerrors.Wrapf(err, "minify %s", path)
	}
	if len(strings.TrimSpace(string(minified))) == 0 {
		return removeIfExists(out)
	}
	// an unchanged twin keeps its mtime, and with it the cached copies
	if have, err := cryptoutil.FileSHA256(out); err == nil && cryptoutil.HashEqual(have, cryptoutil.SHA256Hex(minified)) {
		return nil
	}
	if err := os.WriteFile(out, minified, 0o644); err != nil {
		return xerrors.Wrapf(err, "write %s", out)
	}
	mz.opts.Logger.Debug(ctx, "minified", "path", path, "bytes_in", len(src), "bytes_out", len(minified))
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrapf(err, "remove %s", path)
	}
	return nil
}
