// Package ledger records per-document outcomes so an interrupted batch can
// resume without redoing finished work.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/abiiranathan/ocrharvest/textstore"
)

// Filename is the name of the checkpoint file inside the output directory.
const Filename = "ocr_progress.json"

// Checkpoint is the persisted form of the ledger.
type Checkpoint struct {
	Processed   []string `json:"processed"`
	Failed      []string `json:"failed"`
	LastUpdated string   `json:"last_updated,omitempty"`
}

// TextIndex reports whether a text document already exists for an identifier.
type TextIndex interface {
	Exists(source string) bool
}

// Ledger is safe for concurrent use. Every mutation rewrites the
// checkpoint file atomically while holding the lock.
type Ledger struct {
	path   string
	texts  TextIndex
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	processed []string
	failed    []string
	done      map[string]struct{}
	bad       map[string]struct{}
	updated   string
}

// New returns an empty ledger persisted at path. texts may be nil.
func New(path string, texts TextIndex, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		path:   path,
		texts:  texts,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
		done:   make(map[string]struct{}),
		bad:    make(map[string]struct{}),
	}
}

// Path returns the checkpoint file location.
func (l *Ledger) Path() string {
	return l.path
}

// Load replaces the in-memory state with the checkpoint on disk.
// A missing file yields an empty checkpoint. A corrupt file is reported
// as an error and leaves the ledger empty.
func (l *Ledger) Load() (Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reset()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", l.path, err)
	}

	for _, id := range cp.Processed {
		if _, ok := l.done[id]; !ok {
			l.done[id] = struct{}{}
			l.processed = append(l.processed, id)
		}
	}
	for _, id := range cp.Failed {
		// A success always wins over a stale failure.
		if _, ok := l.done[id]; ok {
			continue
		}
		if _, ok := l.bad[id]; !ok {
			l.bad[id] = struct{}{}
			l.failed = append(l.failed, id)
		}
	}
	l.updated = cp.LastUpdated
	return l.snapshot(), nil
}

// RecordSuccess marks id processed and persists the checkpoint.
func (l *Ledger) RecordSuccess(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.bad[id]; ok {
		delete(l.bad, id)
		l.failed = remove(l.failed, id)
	}
	if _, ok := l.done[id]; !ok {
		l.done[id] = struct{}{}
		l.processed = append(l.processed, id)
	}
	l.persist()
}

// RecordFailure marks id failed and persists the checkpoint.
func (l *Ledger) RecordFailure(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.done[id]; ok {
		delete(l.done, id)
		l.processed = remove(l.processed, id)
	}
	if _, ok := l.bad[id]; !ok {
		l.bad[id] = struct{}{}
		l.failed = append(l.failed, id)
	}
	l.persist()
}

// IsResolved reports whether id was processed or failed in this or a
// previous run, or already has a text document on disk.
func (l *Ledger) IsResolved(id string) bool {
	l.mu.Lock()
	_, done := l.done[id]
	_, bad := l.bad[id]
	l.mu.Unlock()

	if done || bad {
		return true
	}
	return l.texts != nil && l.texts.Exists(id)
}

// Flush persists the current state.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write()
}

// Clear forgets all outcomes and removes the checkpoint file.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reset()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *Ledger) snapshot() Checkpoint {
	return Checkpoint{
		Processed:   slices.Clone(l.processed),
		Failed:      slices.Clone(l.failed),
		LastUpdated: l.updated,
	}
}

func (l *Ledger) reset() {
	l.processed = nil
	l.failed = nil
	l.updated = ""
	clear(l.done)
	clear(l.bad)
}

// persist writes the checkpoint, logging instead of failing.
func (l *Ledger) persist() {
	l.updated = l.now().UTC().Format(time.RFC3339)
	if err := l.write(); err != nil {
		l.logger.Warn("unable to persist checkpoint", "path", l.path, "error", err)
	}
}

func (l *Ledger) write() error {
	cp := l.snapshot()
	if cp.Processed == nil {
		cp.Processed = []string{}
	}
	if cp.Failed == nil {
		cp.Failed = []string{}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	return textstore.WriteFileAtomic(l.path, data, 0644)
}

func remove(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}
