// Package webassets embeds the files sitekit writes into a site when they
// are missing: the PWA service worker and loader, and the default view layout.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

const (
	ServiceWorker = "service-worker.js"
	PWALoader     = "pwa.js"
	LayoutFile    = "layout.html"
)

//go:embed pwa views
var embedded embed.FS

// PWAFS holds service-worker.js and pwa.js.
func PWAFS() fs.FS {
	return sub("pwa")
}

// ViewsFS holds layout.html.
func ViewsFS() fs.FS {
	return sub("views")
}

// Layout returns the default layout template source.
func Layout() []byte {
	b, err := fs.ReadFile(ViewsFS(), LayoutFile)
	if err != nil {
		panic(fmt.Errorf("webassets: read %s: %w", LayoutFile, err))
	}
	return b
}

func sub(dir string) fs.FS {
	s, err := fs.Sub(embedded, dir)
	if err != nil {
		panic(fmt.Errorf("webassets: %s subfs: %w", dir, err))
	}
	return s
}
