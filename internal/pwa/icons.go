package pwa

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/keithlinneman/sitekit/internal/xerrors"
)

// Icon is one entry of the manifest's icons list.
type Icon struct {
	Src     string `json:"src"`
	Sizes   string `json:"sizes"`
	Type    string `json:"type"`
	Purpose string `json:"purpose,omitempty"`
}

// IconGenerator renders app icons from src into outDir. Returned Src values
// are paths relative to outDir's parent (the static directory), with
// forward slashes.
type IconGenerator interface {
	Generate(ctx context.Context, src, outDir, background string) ([]Icon, error)
}

// DefaultSizes are the icon sizes browsers require for installability.
var DefaultSizes = []int{192, 512}

// ScaleGenerator fits the source image onto a square of the background
// colour at each size. It reads PNG, JPEG, GIF and WebP.
type ScaleGenerator struct {
	Sizes []int
}

func (g ScaleGenerator) Generate(ctx context.Context, src, outDir, background string) ([]Icon, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open icon %s", src)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, xerrors.Wrapf(err, "decode icon %s", src)
	}

	bg, err := ParseHexColor(background)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create icon dir %s", outDir)
	}

	sizes := g.Sizes
	if len(sizes) == 0 {
		sizes = DefaultSizes
	}
	icons := make([]Icon, 0, len(sizes))
	for _, size := range sizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := fmt.Sprintf("icon-%dx%d.png", size, size)
		if err := writePNG(filepath.Join(outDir, name), fit(img, size, bg)); err != nil {
			return nil, err
		}
		icons = append(icons, Icon{
			Src:     filepath.ToSlash(filepath.Join(filepath.Base(outDir), name)),
			Sizes:   fmt.Sprintf("%dx%d", size, size),
			Type:    "image/png",
			Purpose: "any maskable",
		})
	}
	return icons, nil
}

// fit scales img to fit within a size x size square, centred on bg. Maskable
// icons need a safe zone, so the image uses 80% of the square.
func fit(img image.Image, size int, bg color.Color) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	b := img.Bounds()
	inner := size * 4 / 5
	w, h := inner, inner
	if b.Dx() > b.Dy() {
		h = max(1, inner*b.Dy()/b.Dx())
	} else if b.Dy() > b.Dx() {
		w = max(1, inner*b.Dx()/b.Dy())
	}
	x0, y0 := (size-w)/2, (size-h)/2
	draw.CatmullRom.Scale(dst, image.Rect(x0, y0, x0+w, y0+h), img, b, draw.Over, nil)
	return dst
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Wrapf(err, "create %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return xerrors.Wrapf(err, "encode %s", path)
	}
	return xerrors.Wrapf(f.Close(), "close %s", path)
}

// ParseHexColor accepts #rgb and #rrggbb.
func ParseHexColor(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return color.RGBA{}, xerrors.Newf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, xerrors.Newf("invalid colour %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
