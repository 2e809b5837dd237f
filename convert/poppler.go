package convert

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const pagePrefix = "page"

// PopplerRasterizer renders PDF pages with the pdftoppm executable.
type PopplerRasterizer struct {
	binary  string
	runner  commandRunner
	readDir func(string) ([]os.DirEntry, error)
}

// NewPopplerRasterizer uses binary, a name on PATH or an absolute path.
func NewPopplerRasterizer(binary string) *PopplerRasterizer {
	if binary == "" {
		binary = "pdftoppm"
	}
	return &PopplerRasterizer{binary: binary, runner: execRunner{}, readDir: os.ReadDir}
}

func (p *PopplerRasterizer) Binary() string {
	return p.binary
}

func (p *PopplerRasterizer) Rasterize(ctx context.Context, docPath string, dpi int, format string, outDir string) ([]string, error) {
	flag, ext, err := popplerFormat(format)
	if err != nil {
		return nil, err
	}
	if dpi <= 0 {
		return nil, &EngineError{
			Stage:   "rasterize",
			Message: fmt.Sprintf("invalid resolution %d dpi", dpi),
			Err:     ErrEngineUnavailable,
		}
	}

	args := []string{"-r", strconv.Itoa(dpi), flag, docPath, filepath.Join(outDir, pagePrefix)}
	res, err := p.runner.Run(ctx, p.binary, args...)
	if err != nil {
		return nil, runError("rasterize", p.binary, args, res, err)
	}

	pages, err := collectPages(p.readDir, outDir, ext)
	if err != nil {
		return nil, &EngineError{Stage: "rasterize", Message: "unable to list rendered pages", Err: err}
	}
	if len(pages) == 0 {
		return nil, &EngineError{
			Stage:      "rasterize",
			Message:    "no pages rendered",
			CommandLog: CommandLog{Command: p.binary, Args: args, Stderr: tail(res.Stderr, 512)},
		}
	}
	return pages, nil
}

func popplerFormat(format string) (flag, ext string, err error) {
	switch strings.ToLower(format) {
	case "", "png":
		return "-png", ".png", nil
	case "jpg", "jpeg":
		return "-jpeg", ".jpg", nil
	case "tif", "tiff":
		return "-tiff", ".tif", nil
	}
	return "", "", &EngineError{
		Stage:   "rasterize",
		Message: fmt.Sprintf("unsupported image format %q", format),
		Err:     ErrEngineUnavailable,
	}
}

// collectPages returns page-<n><ext> files in dir ordered by n.
// pdftoppm zero-pads n depending on the page count.
func collectPages(readDir func(string) ([]os.DirEntry, error), dir, ext string) ([]string, error) {
	entries, err := readDir(dir)
	if err != nil {
		return nil, err
	}

	type page struct {
		num  int
		path string
	}
	var pages []page
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, pagePrefix+"-") || !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, pagePrefix+"-"), filepath.Ext(name))
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		pages = append(pages, page{num: n, path: filepath.Join(dir, name)})
	}

	slices.SortFunc(pages, func(a, b page) int { return cmp.Compare(a.num, b.num) })

	paths := make([]string, len(pages))
	for i, p := range pages {
		paths[i] = p.path
	}
	return paths, nil
}
