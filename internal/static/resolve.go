package static

import (
	"io/fs"
	"path"
	"strings"

	"github.com/keithlinneman/sitekit/internal/pathutil"
)

// resolvePath maps a URL path, already stripped of the mount prefix, to a
// file within fsys. redirect is set when the path names a directory with an
// index.html but lacks the trailing slash. Dotfiles never resolve.
func resolvePath(urlPath string, fsys fs.FS) (file, redirect string, ok bool) {
	p := urlPath
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if strings.Contains(p, "\x00") || strings.Contains(p, "\\") || strings.Contains(p, "..") {
		return "", "", false
	}
	if pathutil.HasDotSegments(p) || hasDotfile(p) {
		return "", "", false
	}

	dir := strings.HasSuffix(p, "/")
	clean := path.Clean(p)
	if clean == "/" {
		return fileIfExists(fsys, "index.html")
	}
	name := strings.TrimPrefix(clean, "/")
	if dir {
		return fileIfExists(fsys, name+"/index.html")
	}
	if existsFile(fsys, name) {
		return name, "", true
	}
	if path.Ext(clean) == "" && existsFile(fsys, name+"/index.html") {
		return "", clean + "/", true
	}
	return "", "", false
}

func fileIfExists(fsys fs.FS, name string) (string, string, bool) {
	if existsFile(fsys, name) {
		return name, "", true
	}
	return "", "", false
}

func hasDotfile(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

func existsFile(fsys fs.FS, name string) bool {
	if name == "" || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
