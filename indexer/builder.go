// Package indexer rebuilds the search index from the text store.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/abiiranathan/ocrharvest/database"
	"github.com/abiiranathan/ocrharvest/textstore"
)

// Store is the write side of an index.
type Store interface {
	AddDocument(ctx context.Context, e database.Entry) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Texts lists and reads text documents.
type Texts interface {
	List() ([]string, error)
	Read(path string) (textstore.Document, error)
}

// Governor is consulted periodically during a rebuild.
type Governor interface {
	UnderPressure() bool
	AwaitRelief(ctx context.Context, maxWait time.Duration) bool
}

// Builder always rebuilds from scratch so the index never drifts from the
// text store.
type Builder struct {
	indexDir   string
	inputDir   string
	texts      Texts
	governor   Governor
	checkEvery int
	reliefWait time.Duration
	logger     *slog.Logger

	remove func(dir string) error
	create func(dir string) (Store, error)
}

// Options tune a Builder. Zero fields take defaults.
type Options struct {
	InputDir   string        // used to derive identifiers for text without front matter
	CheckEvery int           // documents between memory checks, default 50
	ReliefWait time.Duration // default 5s
}

func New(indexDir string, texts Texts, governor Governor, opts Options, logger *slog.Logger) *Builder {
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = 50
	}
	if opts.ReliefWait <= 0 {
		opts.ReliefWait = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		indexDir:   indexDir,
		inputDir:   opts.InputDir,
		texts:      texts,
		governor:   governor,
		checkEvery: opts.CheckEvery,
		reliefWait: opts.ReliefWait,
		logger:     logger.With("component", "indexer"),
		remove:     database.Remove,
		create: func(dir string) (Store, error) {
			return database.Create(dir)
		},
	}
}

// Rebuild deletes the index, creates an empty one and adds every text
// document. A document that cannot be read or added is logged and skipped.
// It returns the number of documents indexed.
func (b *Builder) Rebuild(ctx context.Context) (int, error) {
	start := time.Now()

	paths, err := b.texts.List()
	if err != nil {
		return 0, fmt.Errorf("list text documents: %w", err)
	}
	b.logger.Info("rebuilding index", "dir", b.indexDir, "documents", len(paths))

	if err := b.remove(b.indexDir); err != nil {
		return 0, err
	}
	store, err := b.create(b.indexDir)
	if err != nil {
		return 0, fmt.Errorf("create index: %w", err)
	}
	defer store.Close()

	added := 0
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		if i > 0 && i%b.checkEvery == 0 && b.governor != nil && b.governor.UnderPressure() {
			b.governor.AwaitRelief(ctx, b.reliefWait)
		}

		doc, err := b.texts.Read(path)
		if err != nil {
			b.logger.Warn("unable to read text document", "path", path, "error", err)
			continue
		}

		if err := store.AddDocument(ctx, b.entry(doc)); err != nil {
			b.logger.Warn("unable to index document", "path", path, "error", err)
			continue
		}
		added++
	}

	if n, err := store.Count(ctx); err == nil && n != added {
		b.logger.Warn("index count differs from documents added", "count", n, "added", added)
	}

	b.logger.Info("index rebuilt", "indexed", added, "skipped", len(paths)-added,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return added, nil
}

// entry derives the index entry for doc. Text files written without front
// matter are attributed to <input>/<name>.pdf.
func (b *Builder) entry(doc textstore.Document) database.Entry {
	id := doc.Source
	if id == "" {
		id = filepath.Join(b.inputDir, textstore.Stem(doc.Path)+".pdf")
	}
	filename := filepath.Base(id)
	return database.Entry{
		ID:       id,
		Filename: filename,
		Title:    Title(filename),
		Content:  doc.Text,
	}
}

// Title turns a file name into a display title: the extension is dropped
// and underscores become spaces.
func Title(filename string) string {
	return strings.ReplaceAll(textstore.Stem(filename), "_", " ")
}
