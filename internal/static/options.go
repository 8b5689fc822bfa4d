package static

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keithlinneman/sitekit/internal/log"
)

var ErrInvalidOptions = errors.New("static: invalid options")

type Options struct {
	// Dir is the directory served. default: "public"
	Dir string
	// Prefix is the URL path the directory is mounted at. default: "/"
	Prefix string

	Logger log.Logger

	// Cache policies applied by file extension.
	HTMLCacheControl  string // default: "no-cache"
	AssetCacheControl string // default: "public, max-age=86400"
	OtherCacheControl string // default: "public, max-age=3600"
}

func (o *Options) setDefaults() {
	if o.Dir == "" {
		o.Dir = "public"
	}
	if o.Prefix == "" {
		o.Prefix = "/"
	}
	if o.HTMLCacheControl == "" {
		o.HTMLCacheControl = "no-cache"
	}
	if o.AssetCacheControl == "" {
		// assets are not fingerprinted, so no immutable
		o.AssetCacheControl = "public, max-age=86400"
	}
	if o.OtherCacheControl == "" {
		o.OtherCacheControl = "public, max-age=3600"
	}
	o.Logger = log.OrNop(o.Logger)
}

func (o *Options) validate() error {
	if !strings.HasPrefix(o.Prefix, "/") {
		return fmt.Errorf("%w: Prefix %q must start with /", ErrInvalidOptions, o.Prefix)
	}
	if strings.ContainsAny(o.Prefix, "?#\\") || strings.Contains(o.Prefix, "..") {
		return fmt.Errorf("%w: Prefix %q is not a clean path", ErrInvalidOptions, o.Prefix)
	}
	return nil
}
