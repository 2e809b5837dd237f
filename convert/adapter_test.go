package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abiiranathan/ocrharvest/ledger"
	"github.com/abiiranathan/ocrharvest/textstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pageRasterizer writes n page files into outDir.
type pageRasterizer struct {
	n    int
	err  error
	dpis []int
	dirs []string
}

func (p *pageRasterizer) Rasterize(_ context.Context, _ string, dpi int, _ string, outDir string) ([]string, error) {
	p.dpis = append(p.dpis, dpi)
	p.dirs = append(p.dirs, outDir)
	if p.err != nil {
		return nil, p.err
	}
	pages := make([]string, p.n)
	for i := range pages {
		pages[i] = filepath.Join(outDir, fmt.Sprintf("page-%d.png", i+1))
		if err := os.WriteFile(pages[i], []byte("img"), 0644); err != nil {
			return nil, err
		}
	}
	return pages, nil
}

// pageRecognizer returns PAGE:<n> for page-<n>.png, failing on the pages in fail.
type pageRecognizer struct {
	fail map[int]error
}

func (r *pageRecognizer) Recognize(_ context.Context, imagePath string) (string, error) {
	var n int
	if _, err := fmt.Sscanf(filepath.Base(imagePath), "page-%d.png", &n); err != nil {
		return "", err
	}
	if err := r.fail[n]; err != nil {
		return "", err
	}
	return fmt.Sprintf("PAGE:%d", n), nil
}

// fakeGovernor scripts UnderPressure answers.
type fakeGovernor struct {
	mu       sync.Mutex
	pressure []bool
	relief   bool
	checks   int
	awaits   int
	reclaims int
	maxWaits []time.Duration
}

func (g *fakeGovernor) UnderPressure() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.checks
	g.checks++
	if i < len(g.pressure) {
		return g.pressure[i]
	}
	return false
}

func (g *fakeGovernor) AwaitRelief(_ context.Context, maxWait time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.awaits++
	g.maxWaits = append(g.maxWaits, maxWait)
	return g.relief
}

func (g *fakeGovernor) Reclaim() {
	g.mu.Lock()
	g.reclaims++
	g.mu.Unlock()
}

type adapterEnv struct {
	input   string
	output  string
	work    string
	store   *textstore.Store
	ledger  *ledger.Ledger
	gov     *fakeGovernor
	raster  *pageRasterizer
	recog   *pageRecognizer
	adapter *Adapter
}

func newAdapterEnv(t *testing.T, pages int) *adapterEnv {
	t.Helper()
	root := t.TempDir()
	env := &adapterEnv{
		input:  filepath.Join(root, "in"),
		output: filepath.Join(root, "out"),
		work:   filepath.Join(root, "work"),
		gov:    &fakeGovernor{},
		raster: &pageRasterizer{n: pages},
		recog:  &pageRecognizer{},
	}
	require.NoError(t, os.MkdirAll(env.input, 0755))
	require.NoError(t, os.MkdirAll(env.work, 0755))
	env.store = textstore.New(env.output)
	env.ledger = ledger.New(filepath.Join(env.output, ledger.Filename), env.store, nil)
	env.adapter = NewAdapter(env.raster, env.recog, env.store, env.ledger, env.gov,
		Options{WorkspaceDir: env.work}, nil)
	return env
}

func (e *adapterEnv) job(t *testing.T, name string) Job {
	t.Helper()
	path := filepath.Join(e.input, name)
	mustWriteFile(t, path, "%PDF-1.4")
	return Job{Path: path, Size: 8}
}

func assertWorkspaceEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace must be removed")
}

func TestExtractTextTwoPages(t *testing.T) {
	env := newAdapterEnv(t, 2)
	job := env.job(t, "a.pdf")

	out := env.adapter.ExtractText(context.Background(), job)
	require.Equal(t, KindSucceeded, out.Kind, out.Reason)
	assert.Equal(t, filepath.Join(env.output, "a.txt"), out.TextPath)

	doc, err := env.store.Read(out.TextPath)
	require.NoError(t, err)
	assert.Equal(t, job.Path, doc.Source)
	assert.Equal(t, 2, doc.Pages)
	assert.Equal(t, "\n--- Page 1 ---\nPAGE:1\n\n--- Page 2 ---\nPAGE:2\n", doc.Text)

	assert.Equal(t, []string{job.Path}, env.ledger.Snapshot().Processed)
	assert.Empty(t, env.ledger.Snapshot().Failed)
	assert.Equal(t, []int{200}, env.raster.dpis)
	assertWorkspaceEmpty(t, env.work)
}

func TestExtractTextSkipsResolved(t *testing.T) {
	env := newAdapterEnv(t, 1)
	job := env.job(t, "a.pdf")

	first := env.adapter.ExtractText(context.Background(), job)
	require.Equal(t, KindSucceeded, first.Kind)

	second := env.adapter.ExtractText(context.Background(), job)
	assert.Equal(t, KindSkipped, second.Kind)
	assert.Len(t, env.raster.dpis, 1, "engines must not run again")

	// A text file written by an earlier run is enough on its own.
	other := env.job(t, "b.pdf")
	mustWriteFile(t, env.store.PathFor(other.Path), "old text")
	assert.Equal(t, KindSkipped, env.adapter.ExtractText(context.Background(), other).Kind)

	// So is a failure recorded in the ledger.
	failed := env.job(t, "c.pdf")
	env.ledger.RecordFailure(failed.Path)
	assert.Equal(t, KindSkipped, env.adapter.ExtractText(context.Background(), failed).Kind)
}

func TestExtractTextWarnsOnNameCollision(t *testing.T) {
	env := newAdapterEnv(t, 1)
	var buf bytes.Buffer
	env.adapter.logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	require.NoError(t, os.MkdirAll(filepath.Join(env.input, "box1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(env.input, "box2"), 0755))
	first := env.job(t, filepath.Join("box1", "minutes.pdf"))
	second := env.job(t, filepath.Join("box2", "minutes.pdf"))

	require.Equal(t, KindSucceeded, env.adapter.ExtractText(context.Background(), first).Kind)
	assert.NotContains(t, buf.String(), `"level":"WARN"`)

	out := env.adapter.ExtractText(context.Background(), second)
	assert.Equal(t, KindSkipped, out.Kind)
	assert.Len(t, env.raster.dpis, 1)

	logged := buf.String()
	assert.Contains(t, logged, `"level":"WARN"`)
	assert.Contains(t, logged, `"msg":"text file already written for another document, not converting"`)
	assert.Contains(t, logged, `"source":"`+first.Path+`"`)
	assert.Contains(t, logged, `"file":"`+second.Path+`"`)

	// the same document again is an ordinary skip
	buf.Reset()
	assert.Equal(t, KindSkipped, env.adapter.ExtractText(context.Background(), first).Kind)
	assert.NotContains(t, buf.String(), `"level":"WARN"`)
}

func TestExtractTextPageErrorIsInline(t *testing.T) {
	env := newAdapterEnv(t, 3)
	env.recog.fail = map[int]error{2: errors.New("blurry")}
	job := env.job(t, "a.pdf")

	out := env.adapter.ExtractText(context.Background(), job)
	require.Equal(t, KindSucceeded, out.Kind)

	doc, err := env.store.Read(out.TextPath)
	require.NoError(t, err)
	assert.Contains(t, doc.Text, "--- Page 2 ---\n[recognition failed on page 2: blurry]\n")
	assert.Contains(t, doc.Text, "--- Page 3 ---\nPAGE:3\n")
}

func TestExtractTextRecognizerUnavailableFailsJob(t *testing.T) {
	env := newAdapterEnv(t, 2)
	env.recog.fail = map[int]error{1: fmt.Errorf("%w: tesseract not found", ErrEngineUnavailable)}
	job := env.job(t, "a.pdf")

	out := env.adapter.ExtractText(context.Background(), job)
	assert.Equal(t, KindFailed, out.Kind)
	assert.False(t, env.store.Exists(job.Path))
	assert.Equal(t, []string{job.Path}, env.ledger.Snapshot().Failed)
}

func TestExtractTextFallbackResolution(t *testing.T) {
	env := newAdapterEnv(t, 1)
	env.raster.err = &EngineError{Stage: "rasterize", Message: "pdftoppm failed", Err: ErrEngineUnavailable}
	fallback := &pageRasterizer{n: 1}
	env.adapter.WithFallback(fallback)
	job := env.job(t, "a.pdf")

	out := env.adapter.ExtractText(context.Background(), job)
	require.Equal(t, KindSucceeded, out.Kind)
	assert.Equal(t, []int{200}, env.raster.dpis)
	assert.Equal(t, []int{150}, fallback.dpis)
	assert.NotEqual(t, env.raster.dirs[0], fallback.dirs[0])
	assertWorkspaceEmpty(t, env.work)
}

func TestExtractTextConfigurationErrorFails(t *testing.T) {
	env := newAdapterEnv(t, 1)
	env.raster.err = &EngineError{Stage: "rasterize", Message: "unsupported image format", Err: ErrEngineUnavailable}
	job := env.job(t, "a.pdf")

	out := env.adapter.ExtractText(context.Background(), job)
	assert.Equal(t, KindFailed, out.Kind)
	assert.Contains(t, out.Reason, "unsupported image format")
	assert.Equal(t, []int{200, 150}, env.raster.dpis, "exactly one fallback attempt")
	assert.Equal(t, []string{job.Path}, env.ledger.Snapshot().Failed)
	assertWorkspaceEmpty(t, env.work)
}

func TestExtractTextDocumentErrorDoesNotRetry(t *testing.T) {
	env := newAdapterEnv(t, 1)
	env.raster.err = errors.New("syntax error in pdf")
	job := env.job(t, "a.pdf")

	out := env.adapter.ExtractText(context.Background(), job)
	assert.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, []int{200}, env.raster.dpis)
}

func TestExtractTextMemoryPressure(t *testing.T) {
	t.Run("relieved", func(t *testing.T) {
		env := newAdapterEnv(t, 1)
		env.gov.pressure = []bool{true}
		env.gov.relief = true
		job := env.job(t, "a.pdf")

		out := env.adapter.ExtractText(context.Background(), job)
		assert.Equal(t, KindSucceeded, out.Kind)
		assert.Equal(t, 1, env.gov.awaits)
		assert.Equal(t, []time.Duration{5 * time.Second}, env.gov.maxWaits)
	})

	t.Run("persistent", func(t *testing.T) {
		env := newAdapterEnv(t, 1)
		env.gov.pressure = []bool{true}
		env.gov.relief = false
		job := env.job(t, "a.pdf")

		out := env.adapter.ExtractText(context.Background(), job)
		assert.Equal(t, Failed(ReasonMemoryPressure), out)
		assert.Equal(t, 1, env.gov.awaits, "only one wait before failing")
		assert.Empty(t, env.raster.dpis, "engines must not run")
		assert.Equal(t, []string{job.Path}, env.ledger.Snapshot().Failed)
	})
}

func TestExtractTextChecksMemoryEveryFivePages(t *testing.T) {
	env := newAdapterEnv(t, 12)
	// First check is the pre-flight; the page-5 check reports pressure.
	env.gov.pressure = []bool{false, true, false}
	env.gov.relief = true
	job := env.job(t, "a.pdf")

	out := env.adapter.ExtractText(context.Background(), job)
	require.Equal(t, KindSucceeded, out.Kind)
	assert.Equal(t, 2, env.gov.reclaims, "after pages 5 and 10")
	assert.Equal(t, 3, env.gov.checks)
	assert.Equal(t, 1, env.gov.awaits)

	doc, err := env.store.Read(out.TextPath)
	require.NoError(t, err)
	assert.Equal(t, 12, strings.Count(doc.Text, "--- Page "))
}

// panicRecognizer panics on every call.
type panicRecognizer struct{}

func (panicRecognizer) Recognize(context.Context, string) (string, error) {
	panic("engine crashed")
}

func TestExtractTextRecoversPanic(t *testing.T) {
	env := newAdapterEnv(t, 1)
	env.adapter.recog = panicRecognizer{}
	job := env.job(t, "a.pdf")

	out := env.adapter.ExtractText(context.Background(), job)
	assert.Equal(t, KindFailed, out.Kind)
	assert.Contains(t, out.Reason, "engine crashed")
	assert.Equal(t, []string{job.Path}, env.ledger.Snapshot().Failed)
	assertWorkspaceEmpty(t, env.work)
}

func TestExtractTextWorkspaceFailure(t *testing.T) {
	env := newAdapterEnv(t, 1)
	env.adapter.mkdirTemp = func(string, string) (string, error) { return "", errors.New("disk full") }
	job := env.job(t, "a.pdf")

	out := env.adapter.ExtractText(context.Background(), job)
	assert.Equal(t, KindFailed, out.Kind)
	assert.Contains(t, out.Reason, "disk full")
}

func TestOutcomeConstructors(t *testing.T) {
	assert.Equal(t, Outcome{Kind: KindSucceeded, TextPath: "x"}, Succeeded("x"))
	assert.Equal(t, Outcome{Kind: KindFailed, Reason: "r"}, Failed("r"))
	assert.Equal(t, Outcome{Kind: KindSkipped, Reason: "r"}, Skipped("r"))
	assert.Equal(t, "skipped", KindSkipped.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
