package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Site is the declarative part of a site: which view each path renders,
// the PWA manifest fields and the variables every view sees.
type Site struct {
	Pages []Page         `yaml:"pages"`
	PWA   map[string]any `yaml:"pwa"`
	Vars  map[string]any `yaml:"vars"`
	// NotFound names a view rendered for unmatched paths instead of the
	// plain 404 page.
	NotFound string `yaml:"not_found"`
}

// Page maps a route pattern to a view.
type Page struct {
	// Path is a chi pattern such as "/" or "/posts/{slug}".
	Path string `yaml:"path"`
	View string `yaml:"view"`
	// Methods default to GET; POST pages receive the cleaned body as data.
	Methods []string `yaml:"methods"`
	// Data is passed to the view under the request data.
	Data map[string]any `yaml:"data"`
}

// LoadSite reads and validates a site file. Unknown keys are errors so
// typos surface at startup.
func LoadSite(path string) (Site, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Site{}, fmt.Errorf("read site file: %w", err)
	}
	var s Site
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Site{}, fmt.Errorf("parse site file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Site{}, fmt.Errorf("site file %s: %w", path, err)
	}
	return s, nil
}

// Validate checks every page and normalises methods to upper case.
func (s *Site) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i := range s.Pages {
		p := &s.Pages[i]
		if !strings.HasPrefix(p.Path, "/") {
			errs = append(errs, fmt.Errorf("pages[%d]: path %q must start with /", i, p.Path))
		}
		if strings.TrimSpace(p.View) == "" {
			errs = append(errs, fmt.Errorf("pages[%d]: view is required", i))
		}
		if len(p.Methods) == 0 {
			p.Methods = []string{"GET"}
		}
		for j, m := range p.Methods {
			m = strings.ToUpper(strings.TrimSpace(m))
			p.Methods[j] = m
			if m != "GET" && m != "POST" {
				errs = append(errs, fmt.Errorf("pages[%d]: method %q not supported (GET|POST)", i, m))
				continue
			}
			key := m + " " + p.Path
			if seen[key] {
				errs = append(errs, fmt.Errorf("pages[%d]: duplicate route %s", i, key))
			}
			seen[key] = true
		}
	}
	return errors.Join(errs...)
}
