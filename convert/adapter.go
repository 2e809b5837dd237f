package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abiiranathan/ocrharvest/textstore"
)

// Ledger is the subset of the progress ledger the adapter needs.
type Ledger interface {
	IsResolved(id string) bool
	RecordSuccess(id string)
	RecordFailure(id string)
}

// Governor is the subset of the memory governor the adapter needs.
type Governor interface {
	UnderPressure() bool
	AwaitRelief(ctx context.Context, maxWait time.Duration) bool
	Reclaim()
}

// TextStore persists recognized text.
type TextStore interface {
	Exists(source string) bool
	PathFor(source string) string
	Read(path string) (textstore.Document, error)
	Write(doc textstore.Document) (string, error)
}

// Options tune a conversion. Zero fields take the defaults below.
type Options struct {
	DPI          int           // first rasterization attempt, default 200
	FallbackDPI  int           // single retry on engine errors, default 150
	Format       string        // page image format, default "png"
	CheckEvery   int           // pages between memory checks, default 5
	ReliefWait   time.Duration // upper bound passed to AwaitRelief, default 5s
	WorkspaceDir string        // parent of per-job temp dirs, default os.TempDir()
}

func (o Options) withDefaults() Options {
	if o.DPI <= 0 {
		o.DPI = 200
	}
	if o.FallbackDPI <= 0 {
		o.FallbackDPI = 150
	}
	if o.Format == "" {
		o.Format = "png"
	}
	if o.CheckEvery <= 0 {
		o.CheckEvery = 5
	}
	if o.ReliefWait <= 0 {
		o.ReliefWait = 5 * time.Second
	}
	return o
}

// Adapter converts a single job into a text document. It is safe for
// concurrent use as long as its engines are.
type Adapter struct {
	raster   Rasterizer
	fallback Rasterizer
	recog    Recognizer
	texts    TextStore
	ledger   Ledger
	governor Governor
	opts     Options
	logger   *slog.Logger

	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	now       func() time.Time
}

// NewAdapter wires the engines and collaborators of a conversion.
func NewAdapter(raster Rasterizer, recog Recognizer, texts TextStore, ledger Ledger,
	governor Governor, opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		raster:    raster,
		fallback:  raster,
		recog:     recog,
		texts:     texts,
		ledger:    ledger,
		governor:  governor,
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "convert"),
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		now:       time.Now,
	}
}

// WithFallback sets the rasterizer used for the low resolution retry.
// By default the primary rasterizer is retried.
func (a *Adapter) WithFallback(r Rasterizer) *Adapter {
	if r != nil {
		a.fallback = r
	}
	return a
}

// logExisting reports a skip because the text file exists. Documents with
// the same base name share one text file, so a file written for another
// source is logged at warn level.
func (a *Adapter) logExisting(log *slog.Logger, job Job) {
	path := a.texts.PathFor(job.Path)
	doc, err := a.texts.Read(path)
	if err == nil && doc.Source != "" && doc.Source != job.Path {
		log.Warn("text file already written for another document, not converting",
			"text", path, "source", doc.Source)
		return
	}
	log.Debug("skipping resolved document")
}

// ExtractText converts job and records the outcome in the ledger.
// Skipped jobs are not recorded. It never panics.
func (a *Adapter) ExtractText(ctx context.Context, job Job) (out Outcome) {
	log := a.logger.With("file", job.Path)

	if a.texts.Exists(job.Path) {
		a.logExisting(log, job)
		return Skipped(ReasonResolved)
	}
	if a.ledger.IsResolved(job.Path) {
		log.Debug("skipping resolved document")
		return Skipped(ReasonResolved)
	}

	if a.governor.UnderPressure() && !a.governor.AwaitRelief(ctx, a.opts.ReliefWait) {
		a.ledger.RecordFailure(job.Path)
		log.Error("memory pressure persists, document not converted")
		return Failed(ReasonMemoryPressure)
	}

	workspace, err := a.mkdirTemp(a.opts.WorkspaceDir, "ocr-*")
	if err != nil {
		return a.fail(log, job, &EngineError{Stage: "workspace", Message: "unable to create temp dir", Err: err})
	}
	defer func() {
		if err := a.removeAll(workspace); err != nil {
			log.Warn("unable to remove workspace", "dir", workspace, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			out = a.fail(log, job, fmt.Errorf("panic during conversion: %v", r))
		}
	}()

	start := a.now()
	log.Info("processing document", "size", job.Size)

	pages, err := a.rasterize(ctx, log, job, workspace)
	if err != nil {
		return a.fail(log, job, err)
	}

	text, err := a.recognize(ctx, log, pages)
	if err != nil {
		return a.fail(log, job, err)
	}

	path, err := a.texts.Write(textstore.Document{
		Source:      job.Path,
		Pages:       len(pages),
		ExtractedAt: a.now().UTC(),
		Text:        text,
	})
	if err != nil {
		return a.fail(log, job, &EngineError{Stage: "store", Message: "unable to write text", Err: err})
	}

	a.ledger.RecordSuccess(job.Path)
	log.Info("document converted", "pages", len(pages), "text", path, "elapsed", a.now().Sub(start).Round(time.Millisecond))
	return Succeeded(path)
}

// rasterize renders at the configured resolution and retries once at the
// fallback resolution when the engine itself looks broken.
func (a *Adapter) rasterize(ctx context.Context, log *slog.Logger, job Job, workspace string) ([]string, error) {
	dir, err := attemptDir(workspace, a.opts.DPI)
	if err != nil {
		return nil, err
	}
	pages, err := a.raster.Rasterize(ctx, job.Path, a.opts.DPI, a.opts.Format, dir)
	if err == nil {
		return pages, nil
	}
	if !errors.Is(err, ErrEngineUnavailable) {
		return nil, err
	}

	log.Warn("rasterization failed, retrying at fallback resolution",
		"dpi", a.opts.FallbackDPI, "error", err)

	dir, err = attemptDir(workspace, a.opts.FallbackDPI)
	if err != nil {
		return nil, err
	}
	return a.fallback.Rasterize(ctx, job.Path, a.opts.FallbackDPI, a.opts.Format, dir)
}

func attemptDir(workspace string, dpi int) (string, error) {
	dir := filepath.Join(workspace, fmt.Sprintf("r%d", dpi))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", &EngineError{Stage: "workspace", Message: "unable to create page dir", Err: err}
	}
	return dir, nil
}

// recognize runs page recognition in order. A page error is written inline
// and the job continues, unless the recognizer itself is unavailable.
func (a *Adapter) recognize(ctx context.Context, log *slog.Logger, pages []string) (string, error) {
	var b strings.Builder
	for i, img := range pages {
		n := i + 1

		text, err := a.recog.Recognize(ctx, img)
		if err != nil && errors.Is(err, ErrEngineUnavailable) {
			return "", err
		}

		fmt.Fprintf(&b, "\n--- Page %d ---\n", n)
		if err != nil {
			log.Warn("page recognition failed", "page", n, "error", err)
			fmt.Fprintf(&b, "[recognition failed on page %d: %v]\n", n, err)
		} else {
			b.WriteString(text)
			b.WriteString("\n")
		}

		if n%a.opts.CheckEvery == 0 {
			a.governor.Reclaim()
			if a.governor.UnderPressure() {
				a.governor.AwaitRelief(ctx, a.opts.ReliefWait)
			}
		}
	}
	return b.String(), nil
}

func (a *Adapter) fail(log *slog.Logger, job Job, err error) Outcome {
	a.ledger.RecordFailure(job.Path)

	attrs := []any{"error", err}
	var ee *EngineError
	if errors.As(err, &ee) {
		attrs = append(attrs, "stage", ee.Stage)
		if ee.CommandLog.Command != "" {
			attrs = append(attrs,
				"command", ee.CommandLog.Command,
				"exit_code", ee.CommandLog.ExitCode,
				"stderr", ee.CommandLog.Stderr)
		}
	}
	log.Error("document conversion failed", attrs...)
	return Failed(err.Error())
}
