// Package pwa writes the web app manifest, service worker and loader script
// into the static directory, and keeps generated icons in step with the
// source icon.
package pwa

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/watch"
	"github.com/keithlinneman/sitekit/internal/webassets"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

const (
	ManifestFile = "manifest.json"
	iconDir      = "icon"
)

// Defaults are merged under the configured manifest fields.
func Defaults() map[string]any {
	return map[string]any{
		"name":             "App Name",
		"short_name":       "App",
		"start_url":        "/?pwa=true",
		"theme_color":      "#000000",
		"background_color": "#ffffff",
		"display":          "standalone",
		"orientation":      "any",
		"icon":             "favicon.ico",
	}
}

type Options struct {
	// Dir is the static directory the files are written to.
	Dir string
	// StaticURL is the URL prefix the static directory is served at, "" for the root.
	StaticURL string
	// Manifest fields override Defaults. "icon" names the source icon
	// relative to Dir; "icon_type" overrides the type derived from its
	// extension; "icon_background" sets the icon background colour.
	Manifest map[string]any
	// Generator renders icons. nil disables icon generation.
	Generator IconGenerator
	Logger    log.Logger
}

type PWA struct {
	opts     Options
	manifest map[string]any
	icon     string
	iconType string
	iconBG   string

	mu sync.Mutex // serialises manifest writes
}

func New(opts Options) *PWA {
	opts.Logger = log.OrNop(opts.Logger)
	opts.StaticURL = strings.TrimRight(opts.StaticURL, "/")

	m := Defaults()
	maps.Copy(m, opts.Manifest)

	p := &PWA{opts: opts, manifest: m}
	p.icon, _ = m["icon"].(string)
	p.iconType, _ = m["icon_type"].(string)
	if p.iconType == "" && p.icon != "" {
		p.iconType = strings.TrimPrefix(strings.ToLower(path.Ext(p.icon)), ".")
	}
	if p.iconType == "ico" {
		p.iconType = "x-icon"
	}
	delete(m, "icon_type")

	p.iconBG, _ = m["icon_background"].(string)
	delete(m, "icon_background")
	if p.iconBG == "" {
		p.iconBG, _ = m["background_color"].(string)
	}
	if p.iconBG == "" {
		p.iconBG = "#ffffff"
	}
	return p
}

// Icon is the source icon path relative to the static directory.
func (p *PWA) Icon() string { return p.icon }

// IconType is the image subtype for the icon link, e.g. "png" or "x-icon".
func (p *PWA) IconType() string { return p.iconType }

// Setup writes the manifest and copies the service worker and loader script
// when they are missing. Icon generation failures are logged and the
// manifest falls back to listing the source icon.
func (p *PWA) Setup(ctx context.Context) error {
	if err := p.copyScripts(ctx); err != nil {
		return err
	}
	return p.WriteManifest(ctx)
}

func (p *PWA) copyScripts(ctx context.Context) error {
	for _, name := range []string{webassets.ServiceWorker, webassets.PWALoader} {
		dst := filepath.Join(p.opts.Dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		b, err := fs.ReadFile(webassets.PWAFS(), name)
		if err != nil {
			return xerrors.Wrapf(err, "read embedded %s", name)
		}
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			return xerrors.Wrapf(err, "write %s", dst)
		}
		p.opts.Logger.Info(ctx, "wrote pwa script", "path", dst)
	}
	return nil
}

// WriteManifest regenerates icons and rewrites manifest.json.
func (p *PWA) WriteManifest(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := maps.Clone(p.manifest)
	if p.icon != "" {
		delete(m, "icon")
		m["icons"] = p.icons(ctx)
	}

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "encode manifest")
	}
	dst := filepath.Join(p.opts.Dir, ManifestFile)
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return xerrors.Wrapf(err, "write %s", dst)
	}
	p.opts.Logger.Debug(ctx, "wrote manifest", "path", dst)
	return nil
}

func (p *PWA) icons(ctx context.Context) []Icon {
	fallback := []Icon{{
		Src:   p.opts.StaticURL + "/" + strings.TrimPrefix(filepath.ToSlash(p.icon), "/"),
		Sizes: "any",
		Type:  "image/" + p.iconType,
	}}
	// .ico and .svg sources are listed as they are
	if p.opts.Generator == nil || p.iconType == "x-icon" || strings.HasPrefix(p.iconType, "svg") {
		return fallback
	}
	src := filepath.Join(p.opts.Dir, filepath.FromSlash(p.icon))
	icons, err := p.opts.Generator.Generate(ctx, src, filepath.Join(p.opts.Dir, iconDir), p.iconBG)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.opts.Logger.Warn(ctx, "icon generation failed", "icon", src, "error", err)
		}
		return fallback
	}
	for i := range icons {
		icons[i].Src = p.opts.StaticURL + "/" + strings.TrimPrefix(icons[i].Src, "/")
	}
	return icons
}

// Watch regenerates icons and the manifest whenever the source icon changes.
func (p *PWA) Watch(ctx context.Context) error {
	if p.icon == "" {
		return nil
	}
	src := filepath.Clean(filepath.Join(p.opts.Dir, filepath.FromSlash(p.icon)))
	return watch.Start(ctx, []string{filepath.Dir(src)}, watch.Options{
		Logger: p.opts.Logger,
		Match:  func(name string) bool { return name == src },
	}, func(ctx context.Context, _ string) {
		if err := p.WriteManifest(ctx); err != nil {
			p.opts.Logger.Warn(ctx, "manifest rewrite failed", "error", err)
		}
	})
}
