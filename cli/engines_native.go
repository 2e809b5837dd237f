//go:build native

package cli

import (
	"github.com/abiiranathan/ocrharvest/convert"
	"github.com/abiiranathan/ocrharvest/pdf"
)

func nativeEngines(cfg *Config) (engines, bool) {
	// poppler needs a UTF-8 C locale for non-ASCII paths.
	pdf.SetLocale()

	raster := convert.NewMultiRasterizer(pdf.Rasterizer{}).
		Register(convert.ImageRasterizer{}, convert.ImageExtensions...)
	return engines{
		raster: raster,
		recog:  convert.NewLibRecognizer(cfg.LanguageList()...),
	}, true
}
