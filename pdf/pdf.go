//go:build native

// Package pdf renders PDF pages to images in-process with poppler and cairo.
package pdf

/*
#cgo pkg-config: glib-2.0 gio-2.0 cairo poppler-glib
#cgo LDFLAGS: -pthread

#include <cairo/cairo.h>
#include <locale.h>
#include <poppler/glib/poppler.h>
#include <pthread.h>
#include <stdbool.h>
#include <stdlib.h>

static pthread_mutex_t cairo_mutex = PTHREAD_MUTEX_INITIALIZER;

static PopplerDocument *open_document(const char *filename, int *num_pages, char **errmsg) {
	GFile *file = g_file_new_for_path(filename);
	if (file == NULL) {
		return NULL;
	}

	GError *error = NULL;
	GBytes *bytes = g_file_load_bytes(file, NULL, NULL, &error);
	g_object_unref(file);
	if (error != NULL) {
		*errmsg = g_strdup(error->message);
		g_clear_error(&error);
		return NULL;
	}

	PopplerDocument *doc = poppler_document_new_from_bytes(bytes, NULL, &error);
	g_bytes_unref(bytes);
	if (error != NULL) {
		*errmsg = g_strdup(error->message);
		g_clear_error(&error);
		return NULL;
	}

	*num_pages = poppler_document_get_n_pages(doc);
	return doc;
}

// Render one page at dpi into a PNG file. Returns false on any failure.
static bool render_page_png(PopplerDocument *doc, int page_num, double dpi, const char *output_file) {
	PopplerPage *page = poppler_document_get_page(doc, page_num);
	if (page == NULL) {
		return false;
	}

	double width, height;
	poppler_page_get_size(page, &width, &height);
	int pixel_width = (int)(width * dpi / 72.0);
	int pixel_height = (int)(height * dpi / 72.0);

	pthread_mutex_lock(&cairo_mutex);

	cairo_surface_t *surface = cairo_image_surface_create(CAIRO_FORMAT_RGB24, pixel_width, pixel_height);
	if (cairo_surface_status(surface) != CAIRO_STATUS_SUCCESS) {
		pthread_mutex_unlock(&cairo_mutex);
		cairo_surface_destroy(surface);
		g_object_unref(page);
		return false;
	}

	cairo_t *cr = cairo_create(surface);
	cairo_set_source_rgb(cr, 1.0, 1.0, 1.0);
	cairo_paint(cr);
	cairo_scale(cr, pixel_width / width, pixel_height / height);
	poppler_page_render_for_printing(page, cr);

	pthread_mutex_unlock(&cairo_mutex);

	cairo_status_t status = cairo_surface_write_to_png(surface, output_file);

	cairo_destroy(cr);
	cairo_surface_destroy(surface);
	g_object_unref(page);
	return status == CAIRO_STATUS_SUCCESS;
}
*/
import "C"
import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/abiiranathan/ocrharvest/convert"
)

// ErrOpen is returned when poppler cannot load a document.
var ErrOpen = errors.New("unable to open document")

// SetLocale sets the C locale to the environment's, needed for UTF-8 paths.
func SetLocale() {
	locale := C.CString("")
	defer C.free(unsafe.Pointer(locale))
	C.setlocale(C.LC_ALL, locale)
}

// Document is an open poppler document.
type Document struct {
	doc      *C.PopplerDocument
	Path     string
	NumPages int
}

// Open loads the document at path.
func Open(path string) (*Document, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	var numPages C.int
	var errmsg *C.char
	doc := C.open_document(cPath, &numPages, &errmsg)
	if doc == nil {
		msg := "unknown error"
		if errmsg != nil {
			msg = C.GoString(errmsg)
			C.g_free(C.gpointer(errmsg))
		}
		return nil, fmt.Errorf("%w %s: %s", ErrOpen, path, msg)
	}
	return &Document{doc: doc, Path: path, NumPages: int(numPages)}, nil
}

func (d *Document) Close() {
	if d.doc != nil {
		C.g_object_unref(C.gpointer(d.doc))
		d.doc = nil
	}
}

// RenderPage writes page (zero-indexed) as a PNG at dpi.
func (d *Document) RenderPage(page int, dpi int, output string) error {
	if page < 0 || page >= d.NumPages {
		return fmt.Errorf("page %d out of range [0, %d)", page, d.NumPages)
	}

	cOut := C.CString(output)
	defer C.free(unsafe.Pointer(cOut))

	if !bool(C.render_page_png(d.doc, C.int(page), C.double(dpi), cOut)) {
		return fmt.Errorf("render page %d of %s", page+1, d.Path)
	}
	return nil
}

// Rasterizer renders PDF pages without spawning external processes.
type Rasterizer struct{}

func (Rasterizer) Rasterize(ctx context.Context, docPath string, dpi int, format string, outDir string) ([]string, error) {
	if f := strings.ToLower(format); f != "" && f != "png" {
		return nil, &convert.EngineError{
			Stage:   "rasterize",
			Message: fmt.Sprintf("native renderer only writes png, got %q", format),
			Err:     convert.ErrEngineUnavailable,
		}
	}
	if dpi <= 0 {
		return nil, &convert.EngineError{
			Stage:   "rasterize",
			Message: fmt.Sprintf("invalid resolution %d dpi", dpi),
			Err:     convert.ErrEngineUnavailable,
		}
	}

	doc, err := Open(docPath)
	if err != nil {
		return nil, &convert.EngineError{Stage: "rasterize", Message: "poppler", Err: err}
	}
	defer doc.Close()

	pages := make([]string, 0, doc.NumPages)
	for i := range doc.NumPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := filepath.Join(outDir, fmt.Sprintf("page-%d.png", i+1))
		if err := doc.RenderPage(i, dpi, out); err != nil {
			return nil, &convert.EngineError{Stage: "rasterize", Message: "cairo", Err: err}
		}
		pages = append(pages, out)
	}
	return pages, nil
}
