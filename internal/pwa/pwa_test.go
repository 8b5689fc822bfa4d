package pwa

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readManifest(t *testing.T, dir string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("manifest is not json: %v", err)
	}
	return m
}

func writeSquarePNG(t *testing.T, p string, size int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// New

func TestNew_DefaultsAndIconType(t *testing.T) {
	p := New(Options{Dir: t.TempDir()})
	if p.Icon() != "favicon.ico" || p.IconType() != "x-icon" {
		t.Fatalf("icon = %q type = %q", p.Icon(), p.IconType())
	}

	p = New(Options{Manifest: map[string]any{"icon": "img/logo.PNG"}})
	if p.IconType() != "png" {
		t.Fatalf("type = %q, want png", p.IconType())
	}

	p = New(Options{Manifest: map[string]any{"icon": "logo", "icon_type": "webp"}})
	if p.IconType() != "webp" {
		t.Fatalf("type = %q, want webp", p.IconType())
	}
}

// Setup

func TestSetup_WritesManifestAndScripts(t *testing.T) {
	dir := t.TempDir()
	p := New(Options{Dir: dir, StaticURL: "/static/", Manifest: map[string]any{
		"name":      "Demo",
		"icon_type": "png",
		"lang":      "en",
	}})
	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	m := readManifest(t, dir)
	if m["name"] != "Demo" || m["short_name"] != "App" || m["start_url"] != "/?pwa=true" || m["lang"] != "en" {
		t.Fatalf("manifest = %v", m)
	}
	if _, ok := m["icon_type"]; ok {
		t.Fatal("icon_type must not be written")
	}
	if _, ok := m["icon"]; ok {
		t.Fatal("icon is replaced by icons")
	}
	icons, _ := m["icons"].([]any)
	if len(icons) != 1 {
		t.Fatalf("icons = %v", m["icons"])
	}
	first := icons[0].(map[string]any)
	if first["src"] != "/static/favicon.ico" || first["type"] != "image/png" {
		t.Fatalf("fallback icon = %v", first)
	}

	for _, name := range []string{"service-worker.js", "pwa.js"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not copied: %v", name, err)
		}
	}
}

func TestSetup_KeepsExistingScripts(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "service-worker.js")
	if err := os.WriteFile(sw, []byte("custom"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := New(Options{Dir: dir}).Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(sw)
	if string(b) != "custom" {
		t.Fatalf("service worker overwritten: %q", b)
	}
}

func TestSetup_GeneratesIcons(t *testing.T) {
	dir := t.TempDir()
	writeSquarePNG(t, filepath.Join(dir, "logo.png"), 64, color.RGBA{R: 255, A: 255})

	p := New(Options{
		Dir:       dir,
		Manifest:  map[string]any{"icon": "logo.png", "background_color": "#00f"},
		Generator: ScaleGenerator{},
	})
	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	icons := readManifest(t, dir)["icons"].([]any)
	if len(icons) != 2 {
		t.Fatalf("icons = %v", icons)
	}
	big := icons[1].(map[string]any)
	if big["src"] != "/icon/icon-512x512.png" || big["sizes"] != "512x512" {
		t.Fatalf("icon = %v", big)
	}

	f, err := os.Open(filepath.Join(dir, "icon", "icon-512x512.png"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 512 {
		t.Fatalf("width = %d", img.Bounds().Dx())
	}
	// corner is background, centre is the source image
	if r, g, b, _ := img.At(0, 0).RGBA(); r != 0 || g != 0 || b != 0xffff {
		t.Fatalf("corner = %v, want blue background", img.At(0, 0))
	}
	if r, _, b, _ := img.At(256, 256).RGBA(); r < 0xf000 || b > 0x1000 {
		t.Fatalf("centre = %v, want red", img.At(256, 256))
	}
}

func TestSetup_UndecodableIconFallsBack(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "logo.png"), []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := New(Options{Dir: dir, Manifest: map[string]any{"icon": "logo.png"}, Generator: ScaleGenerator{}})
	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	icons := readManifest(t, dir)["icons"].([]any)
	if len(icons) != 1 || icons[0].(map[string]any)["sizes"] != "any" {
		t.Fatalf("icons = %v", icons)
	}
}

func TestWatch_RegeneratesOnIconChange(t *testing.T) {
	dir := t.TempDir()
	p := New(Options{Dir: dir, Manifest: map[string]any{"icon": "logo.png"}, Generator: ScaleGenerator{Sizes: []int{48}}})
	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Watch(ctx); err != nil {
		t.Fatal(err)
	}
	writeSquarePNG(t, filepath.Join(dir, "logo.png"), 16, color.White)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, "icon", "icon-48x48.png")); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("icon not generated after the source changed")
}

// ParseHexColor

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.RGBA
		ok   bool
	}{
		{"#ffffff", color.RGBA{255, 255, 255, 255}, true},
		{"#0f0", color.RGBA{0, 255, 0, 255}, true},
		{"123456", color.RGBA{0x12, 0x34, 0x56, 255}, true},
		{"#12345", color.RGBA{}, false},
		{"#gggggg", color.RGBA{}, false},
	}
	for _, tt := range tests {
		got, err := ParseHexColor(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseHexColor(%q) = %v, %v", tt.in, got, err)
		}
	}
}
