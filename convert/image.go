package convert

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ImageExtensions are the single-page scan formats ImageRasterizer reads.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".bmp"}

// ImageRasterizer treats an already scanned image as a one page document.
// It normalizes the image into the requested format inside outDir.
// The resolution is ignored; scans keep their native resolution.
type ImageRasterizer struct{}

func (ImageRasterizer) Rasterize(ctx context.Context, docPath string, dpi int, format string, outDir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(docPath)
	if err != nil {
		return nil, &EngineError{Stage: "rasterize", Message: "unable to open image", Err: err}
	}
	defer f.Close()

	img, kind, err := image.Decode(f)
	if err != nil {
		return nil, &EngineError{Stage: "rasterize", Message: "unable to decode image", Err: err}
	}

	var ext string
	var encode func(*os.File, image.Image) error
	switch strings.ToLower(format) {
	case "", "png":
		ext = ".png"
		encode = func(w *os.File, m image.Image) error { return png.Encode(w, m) }
	case "jpg", "jpeg":
		ext = ".jpg"
		encode = func(w *os.File, m image.Image) error { return jpeg.Encode(w, m, &jpeg.Options{Quality: 95}) }
	default:
		return nil, &EngineError{
			Stage:   "rasterize",
			Message: fmt.Sprintf("unsupported image format %q", format),
			Err:     ErrEngineUnavailable,
		}
	}

	out := filepath.Join(outDir, pagePrefix+"-1"+ext)
	w, err := os.Create(out)
	if err != nil {
		return nil, &EngineError{Stage: "rasterize", Message: "unable to create page image", Err: err}
	}
	if err := encode(w, img); err != nil {
		w.Close()
		return nil, &EngineError{Stage: "rasterize", Message: "unable to encode " + kind + " page", Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &EngineError{Stage: "rasterize", Message: "unable to write page image", Err: err}
	}
	return []string{out}, nil
}

// MultiRasterizer dispatches on the lowercased file extension.
type MultiRasterizer struct {
	byExt    map[string]Rasterizer
	fallback Rasterizer
}

// NewMultiRasterizer uses def for any extension without a registered rasterizer.
func NewMultiRasterizer(def Rasterizer) *MultiRasterizer {
	return &MultiRasterizer{byExt: make(map[string]Rasterizer), fallback: def}
}

// Register routes the given extensions (with leading dot) to r.
func (m *MultiRasterizer) Register(r Rasterizer, exts ...string) *MultiRasterizer {
	for _, ext := range exts {
		m.byExt[strings.ToLower(ext)] = r
	}
	return m
}

func (m *MultiRasterizer) Rasterize(ctx context.Context, docPath string, dpi int, format string, outDir string) ([]string, error) {
	r, ok := m.byExt[strings.ToLower(filepath.Ext(docPath))]
	if !ok {
		r = m.fallback
	}
	if r == nil {
		return nil, &EngineError{
			Stage:   "rasterize",
			Message: fmt.Sprintf("no rasterizer for %q", filepath.Ext(docPath)),
			Err:     ErrEngineUnavailable,
		}
	}
	return r.Rasterize(ctx, docPath, dpi, format, outDir)
}
