package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abiiranathan/ocrharvest/batch"
	"github.com/abiiranathan/ocrharvest/database"
	"github.com/abiiranathan/ocrharvest/ledger"
	"github.com/abiiranathan/ocrharvest/memory"
	"github.com/abiiranathan/ocrharvest/textstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptRasterizer writes two pages per document and fails on names in broken.
type scriptRasterizer struct {
	mu     sync.Mutex
	broken map[string]bool
	calls  []string
}

func (s *scriptRasterizer) Rasterize(_ context.Context, docPath string, _ int, _ string, outDir string) ([]string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, filepath.Base(docPath))
	s.mu.Unlock()

	if s.broken[filepath.Base(docPath)] {
		return nil, errors.New("not a pdf")
	}
	var pages []string
	for i := 1; i <= 2; i++ {
		p := filepath.Join(outDir, fmt.Sprintf("page-%d.png", i))
		if err := os.WriteFile(p, []byte(docPath), 0644); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

func (s *scriptRasterizer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// stemRecognizer reads back the document path written by scriptRasterizer.
type stemRecognizer struct{}

func (stemRecognizer) Recognize(_ context.Context, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", err
	}
	return "lighthouse keeper log for " + textstore.Stem(string(data)), nil
}

func useFakeEngines(t *testing.T, r *scriptRasterizer) {
	t.Helper()
	old := newEngines
	newEngines = func(*Config) (engines, error) {
		return engines{raster: r, recog: stemRecognizer{}}, nil
	}
	t.Cleanup(func() { newEngines = old })
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig
	cfg.InputDir = filepath.Join(root, "scans")
	cfg.OutputDir = filepath.Join(root, "text")
	cfg.IndexDir = filepath.Join(root, "index")
	cfg.WorkspaceDir = t.TempDir()
	cfg.MaxMemoryPercent = 100
	cfg.ReliefWait = time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.JoinTimeout = time.Second
	require.NoError(t, os.MkdirAll(cfg.InputDir, 0755))
	return &cfg
}

func writeScan(t *testing.T, cfg *Config, rel string, size int) {
	t.Helper()
	path := filepath.Join(cfg.InputDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0644))
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeScan(t, cfg, "minutes_1963.pdf", 300)
	writeScan(t, cfg, "box2/report_a.pdf", 100)
	writeScan(t, cfg, "box2/notes.txt", 10)

	cfg.Workers = 1
	r := &scriptRasterizer{}
	useFakeEngines(t, r)

	sum, err := Process(context.Background(), cfg, discard())
	require.NoError(t, err)

	assert.Equal(t, batch.StateCompleted, sum.State)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 2, sum.Indexed)
	assert.NoError(t, sum.IndexErr)
	assert.Equal(t, []string{"report_a.pdf", "minutes_1963.pdf"}, r.Calls())

	doc, err := textstore.New(cfg.OutputDir).Read(filepath.Join(cfg.OutputDir, "minutes_1963.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.InputDir, "minutes_1963.pdf"), doc.Source)
	assert.Contains(t, doc.Text, "--- Page 2 ---\nlighthouse keeper log for minutes_1963")

	// ledger is cleared once the index is built
	_, err = os.Stat(filepath.Join(cfg.OutputDir, ledger.Filename))
	assert.True(t, os.IsNotExist(err), "ledger should be removed, stat err = %v", err)

	// a second run finds nothing to do and leaves the index intact
	sum, err = Process(context.Background(), cfg, discard())
	require.NoError(t, err)
	assert.Equal(t, batch.StateCompleted, sum.State)
	assert.Equal(t, 0, sum.Total)
	assert.Equal(t, 2, sum.Indexed)
	assert.Len(t, r.Calls(), 2)
}

func TestProcessFailedDocumentIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	writeScan(t, cfg, "good.pdf", 10)
	writeScan(t, cfg, "broken.pdf", 20)

	r := &scriptRasterizer{broken: map[string]bool{"broken.pdf": true}}
	useFakeEngines(t, r)

	sum, err := Process(context.Background(), cfg, discard())
	require.NoError(t, err)
	assert.Equal(t, 0, ExitCode(err))
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Indexed)

	assert.FileExists(t, filepath.Join(cfg.OutputDir, "good.txt"))
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "broken.txt"))
}

func TestProcessResumesFromCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	writeScan(t, cfg, "a.pdf", 10)
	writeScan(t, cfg, "b.pdf", 20)
	writeScan(t, cfg, "c.pdf", 30)

	// a previous run finished a.pdf and gave up on b.pdf
	led := ledger.New(filepath.Join(cfg.OutputDir, ledger.Filename), textstore.New(cfg.OutputDir), discard())
	led.RecordSuccess(filepath.Join(cfg.InputDir, "a.pdf"))
	led.RecordFailure(filepath.Join(cfg.InputDir, "b.pdf"))

	r := &scriptRasterizer{}
	useFakeEngines(t, r)

	sum, err := Process(context.Background(), cfg, discard())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, []string{"c.pdf"}, r.Calls())
}

func TestProcessCorruptCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	writeScan(t, cfg, "a.pdf", 10)
	require.NoError(t, os.MkdirAll(cfg.OutputDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, ledger.Filename), []byte("{not json"), 0644))

	r := &scriptRasterizer{}
	useFakeEngines(t, r)

	sum, err := Process(context.Background(), cfg, discard())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
}

func TestProcessConfigurationErrors(t *testing.T) {
	t.Run("engine selection", func(t *testing.T) {
		cfg := testConfig(t)
		old := newEngines
		newEngines = func(*Config) (engines, error) { return engines{}, configErrorf("no engine") }
		t.Cleanup(func() { newEngines = old })

		_, err := Process(context.Background(), cfg, discard())
		assert.Equal(t, 1, ExitCode(err))
	})

	t.Run("missing input directory", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.InputDir = filepath.Join(t.TempDir(), "gone")
		useFakeEngines(t, &scriptRasterizer{})

		_, err := Process(context.Background(), cfg, discard())
		require.Error(t, err)
		assert.Equal(t, 1, ExitCode(err))
	})
}

func TestProcessRefusesIndexOverTextStore(t *testing.T) {
	cfg := testConfig(t)
	writeScan(t, cfg, "a.pdf", 10)
	cfg.IndexDir = cfg.OutputDir

	r := &scriptRasterizer{}
	useFakeEngines(t, r)

	_, err := Process(context.Background(), cfg, discard())
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.Empty(t, r.Calls())

	cfg.IndexDir = filepath.Dir(cfg.InputDir)
	_, err = RebuildIndex(context.Background(), cfg, discard())
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.FileExists(t, filepath.Join(cfg.InputDir, "a.pdf"))
}

func TestRebuildIndexSharingOutputDirKeepsTexts(t *testing.T) {
	cfg := testConfig(t)
	store := textstore.New(cfg.OutputDir)
	path, err := store.Write(textstore.Document{Source: "/scans/a.pdf", Text: "harbor"})
	require.NoError(t, err)

	// the builder itself is not guarded by Validate
	cfg.IndexDir = cfg.OutputDir
	gov := memory.New(100, time.Millisecond, discard())
	for range 2 {
		n, err := newBuilder(cfg, store, gov, discard()).Rebuild(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.FileExists(t, path)
}

func TestSelectEngines(t *testing.T) {
	cfg := DefaultConfig
	e, err := selectEngines(&cfg)
	require.NoError(t, err)
	assert.NotNil(t, e.raster)
	assert.NotNil(t, e.recog)
	assert.Nil(t, e.fallback)
	assert.Len(t, e.tools, 2)

	cfg.PdftoppmPath = "/opt/poppler/bin/pdftoppm"
	e, err = selectEngines(&cfg)
	require.NoError(t, err)
	assert.NotNil(t, e.fallback)
	assert.Equal(t, "/opt/poppler/bin/pdftoppm", e.tools[0].Binary)

	cfg.Engine = "gpu"
	_, err = selectEngines(&cfg)
	assert.Equal(t, 1, ExitCode(err))
}

func TestRebuildIndexAndSearch(t *testing.T) {
	cfg := testConfig(t)
	store := textstore.New(cfg.OutputDir)
	for _, doc := range []textstore.Document{
		{Source: "/scans/harbor_minutes.pdf", Text: "The lighthouse keeper recorded the storm."},
		{Source: "/scans/budget_1962.pdf", Text: "Road maintenance and school budgets."},
		{Text: "Lighthouse lamp replaced after the storm."},
	} {
		if doc.Source == "" {
			// text without front matter, as left by older runs
			require.NoError(t, os.MkdirAll(cfg.OutputDir, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, "lamp_log.txt"), []byte(doc.Text), 0644))
			continue
		}
		_, err := store.Write(doc)
		require.NoError(t, err)
	}

	n, err := RebuildIndex(context.Background(), cfg, discard())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cfg.Query = "lighthouse"
	var out bytes.Buffer
	require.NoError(t, Search(context.Background(), cfg, &out))

	got := out.String()
	assert.Contains(t, got, `2 results for "lighthouse" (page 1 of 1)`)
	assert.Contains(t, got, "harbor minutes [/scans/harbor_minutes.pdf]")
	assert.Contains(t, got, "lamp log ["+filepath.Join(cfg.InputDir, "lamp_log.pdf")+"]")
	assert.NotContains(t, got, "budget")

	out.Reset()
	cfg.Query = "volcano"
	require.NoError(t, Search(context.Background(), cfg, &out))
	assert.Equal(t, "No results for \"volcano\"\n", out.String())
}

func TestSearchWithoutIndex(t *testing.T) {
	cfg := testConfig(t)
	cfg.Query = "anything"

	err := Search(context.Background(), cfg, io.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrIndexNotFound)
	assert.Equal(t, 1, ExitCode(err))
}

func TestCheck(t *testing.T) {
	cfg := testConfig(t)
	useFakeEngines(t, &scriptRasterizer{})

	var out bytes.Buffer
	require.NoError(t, Check(context.Background(), cfg, &out))
	assert.True(t, strings.HasSuffix(out.String(), "All checks passed.\n"), out.String())

	out.Reset()
	cfg.InputDir = filepath.Join(t.TempDir(), "missing")
	err := Check(context.Background(), cfg, &out)
	assert.Equal(t, 1, ExitCode(err))
	assert.Contains(t, out.String(), "[fail]")
}
