package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/abiiranathan/ocrharvest/batch"
	"github.com/abiiranathan/ocrharvest/convert"
	"github.com/abiiranathan/ocrharvest/database"
	"github.com/abiiranathan/ocrharvest/diagnostics"
	"github.com/abiiranathan/ocrharvest/indexer"
	"github.com/abiiranathan/ocrharvest/ledger"
	"github.com/abiiranathan/ocrharvest/memory"
	"github.com/abiiranathan/ocrharvest/search"
	"github.com/abiiranathan/ocrharvest/textstore"
)

const (
	cmdProcess = "process"
	cmdRebuild = "rebuild_index"
	cmdSearch  = "search"
	cmdCheck   = "check"
)

// newChecker is swapped in tests.
var newChecker = diagnostics.NewChecker

// Process converts every pending document, then rebuilds the index.
// Only configuration problems are returned as errors; failed documents
// are logged and recorded in the ledger.
func Process(ctx context.Context, cfg *Config, logger *slog.Logger) (batch.Summary, error) {
	if err := cfg.Validate(cmdProcess); err != nil {
		return batch.Summary{}, err
	}

	eng, err := newEngines(cfg)
	if err != nil {
		return batch.Summary{}, err
	}

	report := newChecker().Run(ctx, diagnostics.Settings{
		InputDir:  cfg.InputDir,
		OutputDir: cfg.OutputDir,
		Tools:     eng.tools,
	})
	if report.HasFailures {
		for _, item := range report.Failures() {
			logger.Error(item.Message, "check", item.ID, "hint", item.Hint)
		}
		return batch.Summary{}, configErrorf("%d environment checks failed", len(report.Failures()))
	}

	store := textstore.New(cfg.OutputDir)
	led := ledger.New(filepath.Join(cfg.OutputDir, ledger.Filename), store, logger)
	if cp, err := led.Load(); err != nil {
		logger.Warn("ignoring unreadable checkpoint, starting fresh", "error", err)
	} else if len(cp.Processed)+len(cp.Failed) > 0 {
		logger.Info("resuming from checkpoint",
			"processed", len(cp.Processed), "failed", len(cp.Failed), "last_updated", cp.LastUpdated)
	}

	gov := memory.New(float64(cfg.MaxMemoryPercent), cfg.ReliefWait, logger)

	adapter := convert.NewAdapter(eng.raster, eng.recog, store, led, gov, convert.Options{
		DPI:          cfg.DPI,
		FallbackDPI:  cfg.FallbackDPI,
		Format:       cfg.ImageFormat,
		CheckEvery:   cfg.PageCheckInterval,
		ReliefWait:   cfg.ReliefWait,
		WorkspaceDir: cfg.WorkspaceDir,
	}, logger).WithFallback(eng.fallback)

	builder := newBuilder(cfg, store, gov, logger)

	coord := batch.NewCoordinator(batch.Config{
		InputDir:         cfg.InputDir,
		Extensions:       cfg.ExtensionList(),
		Workers:          cfg.Workers,
		ProgressInterval: cfg.ProgressInterval,
		PollInterval:     cfg.PollInterval,
		JoinTimeout:      cfg.JoinTimeout,
	}, adapter, led, builder, logger)

	sum, err := coord.Run(ctx)
	if err != nil {
		return sum, &ConfigError{Err: err}
	}

	logger.Info("batch finished",
		"run", sum.RunID,
		"state", sum.State.String(),
		"total", sum.Total,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"indexed", sum.Indexed,
		"elapsed", sum.Elapsed.Round(time.Millisecond))
	if sum.Failed > 0 {
		logger.Warn("some documents failed; re-run after fixing them to retry",
			"failed", sum.Failed, "checkpoint", led.Path())
	}
	return sum, nil
}

// RebuildIndex recreates the index from the text files in OutputDir.
func RebuildIndex(ctx context.Context, cfg *Config, logger *slog.Logger) (int, error) {
	if err := cfg.Validate(cmdRebuild); err != nil {
		return 0, err
	}

	store := textstore.New(cfg.OutputDir)
	gov := memory.New(float64(cfg.MaxMemoryPercent), cfg.ReliefWait, logger)

	n, err := newBuilder(cfg, store, gov, logger).Rebuild(ctx)
	if err != nil {
		return n, &ConfigError{Err: err}
	}
	return n, nil
}

func newBuilder(cfg *Config, store *textstore.Store, gov *memory.Governor, logger *slog.Logger) *indexer.Builder {
	return indexer.New(cfg.IndexDir, store, gov, indexer.Options{
		InputDir:   cfg.InputDir,
		CheckEvery: cfg.IndexCheckInterval,
		ReliefWait: cfg.ReliefWait,
	}, logger)
}

// Search prints one page of hits for cfg.Query.
func Search(ctx context.Context, cfg *Config, w io.Writer) error {
	ix, err := database.Open(cfg.IndexDir)
	if err != nil {
		if errors.Is(err, database.ErrIndexNotFound) {
			return configErrorf("%w; run the %s command first", err, cmdRebuild)
		}
		return &ConfigError{Err: err}
	}
	defer ix.Close()

	res, err := search.Search(ctx, ix, cfg.Query, cfg.Page, cfg.PerPage)
	if err != nil {
		return &ConfigError{Err: err}
	}

	if res.Total == 0 {
		fmt.Fprintf(w, "No results for %q\n", cfg.Query)
		return nil
	}

	fmt.Fprintf(w, "%d results for %q (page %d of %d)\n\n", res.Total, cfg.Query, res.Page, res.Pages())
	for i, r := range res.Results {
		fmt.Fprintf(w, "%d. %s [%s]\n   %s\n", (res.Page-1)*res.PerPage+i+1, r.Title, r.ID, r.Snippet)
	}
	return nil
}

// Check prints the environment report.
func Check(ctx context.Context, cfg *Config, w io.Writer) error {
	eng, err := newEngines(cfg)
	if err != nil {
		return err
	}

	report := newChecker().Run(ctx, diagnostics.Settings{
		InputDir:  cfg.InputDir,
		OutputDir: cfg.OutputDir,
		Tools:     eng.tools,
	})
	for _, item := range report.Items {
		fmt.Fprintf(w, "[%s] %s: %s\n", item.Status, item.Name, item.Message)
		if item.Hint != "" && item.Status == diagnostics.StatusFail {
			fmt.Fprintf(w, "       %s\n", item.Hint)
		}
	}

	if report.HasFailures {
		return configErrorf("%d checks failed", len(report.Failures()))
	}
	fmt.Fprintln(w, "All checks passed.")
	return nil
}
