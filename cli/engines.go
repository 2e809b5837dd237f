package cli

import (
	"github.com/abiiranathan/ocrharvest/convert"
	"github.com/abiiranathan/ocrharvest/diagnostics"
)

// engines are the conversion backends selected by Config.Engine.
type engines struct {
	raster   convert.Rasterizer
	fallback convert.Rasterizer // nil retries raster
	recog    convert.Recognizer
	tools    []diagnostics.Tool // external executables to verify
}

// newEngines is swapped in tests.
var newEngines = selectEngines

func selectEngines(cfg *Config) (engines, error) {
	switch cfg.Engine {
	case "", "exec":
		return execEngines(cfg), nil
	case "native":
		e, ok := nativeEngines(cfg)
		if !ok {
			return engines{}, configErrorf("native engine requested but this binary was built without -tags native")
		}
		return e, nil
	}
	return engines{}, configErrorf("unknown engine %q", cfg.Engine)
}

func execEngines(cfg *Config) engines {
	poppler := convert.NewPopplerRasterizer(cfg.PdftoppmPath)
	raster := convert.NewMultiRasterizer(poppler).
		Register(convert.ImageRasterizer{}, convert.ImageExtensions...)

	e := engines{
		raster: raster,
		recog:  convert.NewTesseractRecognizer(cfg.TesseractPath, cfg.LanguageList()...),
		tools: []diagnostics.Tool{
			{
				Name:        "pdftoppm",
				Binary:      poppler.Binary(),
				VersionFlag: "-v",
				Hint:        "Install poppler-utils or set pdftoppm_path in the config file.",
			},
			{
				Name:        "tesseract",
				Binary:      cfg.TesseractPath,
				VersionFlag: "--version",
				Hint:        "Install tesseract-ocr or set tesseract_path in the config file.",
			},
		},
	}

	// A configured location that turns out to be broken falls back to
	// whatever pdftoppm is on PATH.
	if poppler.Binary() != "pdftoppm" {
		e.fallback = convert.NewMultiRasterizer(convert.NewPopplerRasterizer("pdftoppm")).
			Register(convert.ImageRasterizer{}, convert.ImageExtensions...)
	}
	return e
}
