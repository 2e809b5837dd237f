package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/abiiranathan/goflag"
)

// DefineFlags registers the global flags and subcommands on a new context.
// done receives the result of whichever subcommand ran.
func DefineFlags(config *Config, done func(error)) *goflag.Context {
	// Flags required by multiple subcomands
	outputFlag := goflag.Flag{
		FlagType:  goflag.FlagString,
		Name:      "output",
		ShortName: "o",
		Value:     &config.OutputDir,
		Usage:     "Directory for extracted text, the checkpoint and the log",
		Required:  false,
	}

	indexFlag := goflag.Flag{
		FlagType:  goflag.FlagString,
		Name:      "index",
		ShortName: "i",
		Value:     &config.IndexDir,
		Usage:     "Directory holding the search index",
		Required:  false,
	}

	inputFlag := goflag.Flag{
		FlagType:  goflag.FlagDirPath,
		Name:      "directory",
		ShortName: "d",
		Value:     &config.InputDir,
		Usage:     "Directory of scanned documents, searched recursively",
		Required:  false,
	}

	// Create flag context.
	ctx := goflag.NewContext()

	// global flags
	ctx.AddFlag(goflag.FlagFilePath, "config", "C", &config.ConfigFile,
		"YAML file with default settings; flags override it", false)
	ctx.AddFlag(goflag.FlagString, "log-level", "l", &config.LogLevel,
		"Log level: debug, info, warn or error", false)

	// register subcommands
	ctx.AddSubCommand(cmdProcess, "OCR every pending document, then rebuild the index", func() {
		done(run(config, cmdProcess, func(ctx context.Context, logger *slog.Logger) error {
			_, err := Process(ctx, config, logger)
			return err
		}))
	}).AddFlagPtr(&inputFlag).
		AddFlagPtr(&outputFlag).
		AddFlagPtr(&indexFlag).
		AddFlag(goflag.FlagInt, "workers", "w", &config.Workers,
			"No of documents converted at once", false, goflag.Min(1), goflag.Max(64)).
		AddFlag(goflag.FlagInt, "max-memory", "m", &config.MaxMemoryPercent,
			"Memory usage percent at which new work waits", false, goflag.Min(1), goflag.Max(100)).
		AddFlag(goflag.FlagInt, "dpi", "r", &config.DPI,
			"Rasterization resolution", false, goflag.Min(36), goflag.Max(1200)).
		AddFlag(goflag.FlagString, "extensions", "e", &config.Extensions,
			"Comma separated file extensions to convert", false).
		AddFlag(goflag.FlagString, "engine", "g", &config.Engine,
			"OCR engine: exec or native", false)

	ctx.AddSubCommand(cmdRebuild, "Rebuild the search index from extracted text", func() {
		done(run(config, cmdRebuild, func(ctx context.Context, logger *slog.Logger) error {
			n, err := RebuildIndex(ctx, config, logger)
			if err == nil {
				logger.Info("index rebuilt", "documents", n, "index", config.IndexDir)
			}
			return err
		}))
	}).AddFlagPtr(&outputFlag).
		AddFlagPtr(&indexFlag).
		AddFlagPtr(&inputFlag)

	ctx.AddSubCommand(cmdSearch, "Search the index", func() {
		done(run(config, cmdSearch, func(ctx context.Context, _ *slog.Logger) error {
			return Search(ctx, config, os.Stdout)
		}))
	}).AddFlagPtr(&indexFlag).
		AddFlag(goflag.FlagString, "query", "q", &config.Query, "The search terms", true).
		AddFlag(goflag.FlagInt, "page", "p", &config.Page, "Result page", false, goflag.Min(1)).
		AddFlag(goflag.FlagInt, "per-page", "n", &config.PerPage, "Results per page", false,
			goflag.Min(1), goflag.Max(100))

	ctx.AddSubCommand(cmdCheck, "Check that the OCR tools and directories are usable", func() {
		done(run(config, cmdCheck, func(ctx context.Context, _ *slog.Logger) error {
			return Check(ctx, config, os.Stdout)
		}))
	}).AddFlagPtr(&inputFlag).
		AddFlagPtr(&outputFlag).
		AddFlag(goflag.FlagString, "engine", "g", &config.Engine, "OCR engine: exec or native", false)

	return ctx
}

// run validates the config, sets up logging and runs fn until it returns
// or the process is interrupted.
func run(config *Config, cmd string, fn func(context.Context, *slog.Logger) error) error {
	if err := config.Validate(cmd); err != nil {
		slog.Error("invalid configuration", "command", cmd, "error", err)
		return err
	}

	level, _ := parseLevel(config.LogLevel)
	logger, closeLog := SetupLogger(config.LogPath(), level)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.ConfigFile != "" {
		logger.Debug("loaded config file", "path", config.ConfigFile)
	}

	err := fn(ctx, logger)
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
	}
	return err
}
