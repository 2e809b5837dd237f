// Package diagnostics validates the external engines and directories a
// batch depends on before any document is touched.
package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Status indicates whether a single check passed.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// Item is one check result with an optional hint.
type Item struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Report aggregates all checks.
type Report struct {
	GeneratedAt time.Time `json:"generatedAt"`
	HasFailures bool      `json:"hasFailures"`
	Items       []Item    `json:"items"`
}

// Failures returns the failed items.
func (r Report) Failures() []Item {
	var out []Item
	for _, it := range r.Items {
		if it.Status == StatusFail {
			out = append(out, it)
		}
	}
	return out
}

// Settings names what to check. Empty tool names are not checked, which
// is how in-process engines opt out.
type Settings struct {
	InputDir  string
	OutputDir string
	Tools     []Tool
}

// Tool is an external executable and the argument that prints its version.
type Tool struct {
	Name        string // display name
	Binary      string // PATH name or absolute path
	VersionFlag string // e.g. "--version" or "-v"
	Hint        string
}

// Checker validates external tools and required filesystem paths.
type Checker struct {
	lookPath   func(string) (string, error)
	version    func(ctx context.Context, binary, flag string) (string, error)
	stat       func(string) (os.FileInfo, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		version:    execVersion,
		stat:       os.Stat,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
	}
}

// NewCheckerForTests creates a checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	version func(ctx context.Context, binary, flag string) (string, error),
	stat func(string) (os.FileInfo, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		version:    version,
		stat:       stat,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
	}
}

// Run executes all checks and returns a combined report.
func (c *Checker) Run(ctx context.Context, settings Settings) Report {
	var items []Item
	for _, tool := range settings.Tools {
		if tool.Binary == "" {
			continue
		}
		items = append(items, c.checkTool(ctx, tool))
	}
	if settings.InputDir != "" {
		items = append(items, c.checkInputDir(settings.InputDir))
	}
	items = append(items, c.checkOutputDir(settings.OutputDir))

	report := Report{GeneratedAt: time.Now().UTC(), Items: items}
	for _, item := range items {
		if item.Status == StatusFail {
			report.HasFailures = true
			break
		}
	}
	return report
}

// checkTool verifies an executable can be found and reports its version.
func (c *Checker) checkTool(ctx context.Context, tool Tool) Item {
	item := Item{ID: "tool_" + tool.Name, Name: tool.Name}

	path, err := c.lookPath(tool.Binary)
	if err != nil {
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Tool not found: %s", tool.Binary)
		item.Hint = tool.Hint
		return item
	}

	item.Status = StatusPass
	item.Message = fmt.Sprintf("Found at %s", path)
	if tool.VersionFlag == "" || c.version == nil {
		return item
	}

	ver, err := c.version(ctx, path, tool.VersionFlag)
	if err != nil {
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Found at %s but it does not run: %v", path, err)
		item.Hint = tool.Hint
		return item
	}
	if ver != "" {
		item.Message += " (" + ver + ")"
	}
	return item
}

func (c *Checker) checkInputDir(dir string) Item {
	item := Item{ID: "input_dir", Name: "Input directory"}

	info, err := c.stat(dir)
	switch {
	case err != nil && errors.Is(err, fs.ErrNotExist):
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Input directory does not exist: %s", dir)
	case err != nil:
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Cannot access input directory: %s", dir)
	case !info.IsDir():
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Input path is not a directory: %s", dir)
	default:
		item.Status = StatusPass
		item.Message = fmt.Sprintf("Readable directory: %s", dir)
		return item
	}
	item.Hint = "Point --input at the folder containing the scanned documents."
	return item
}

// checkOutputDir validates output directory existence and write access.
func (c *Checker) checkOutputDir(dir string) Item {
	item := Item{ID: "output_dir", Name: "Output directory"}

	if strings.TrimSpace(dir) == "" {
		item.Status = StatusFail
		item.Message = "Output directory is empty."
		item.Hint = "Set an output directory where text files can be written."
		return item
	}

	if err := c.mkdirAll(dir, 0o755); err != nil {
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Cannot create output directory: %s", dir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmp, err := c.createTemp(dir, ".write-check-*")
	if err != nil {
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Output directory is not writable: %s", dir)
		item.Hint = "Choose a writable directory for text output."
		return item
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	_ = c.remove(tmpPath)

	item.Status = StatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", dir)
	return item
}

// execVersion runs binary with flag and returns the first output line.
// tesseract prints its version on stderr in older releases.
func execVersion(ctx context.Context, binary, flag string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, flag)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		// pdftoppm -v exits non-zero on some builds but still prints.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || out.Len() == 0 {
			return "", err
		}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(out.String()), "\n")
	return strings.TrimSpace(line), nil
}
