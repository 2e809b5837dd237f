// Package convert turns scanned documents into text by rasterizing pages
// and running them through a recognition engine.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrEngineUnavailable marks failures caused by a missing or misconfigured
// external dependency rather than by the document itself.
var ErrEngineUnavailable = errors.New("engine unavailable")

// Rasterizer renders every page of a document to an image file inside
// outDir and returns the image paths in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, docPath string, dpi int, format string, outDir string) ([]string, error)
}

// Recognizer extracts text from a single page image.
type Recognizer interface {
	Recognize(ctx context.Context, imagePath string) (string, error)
}

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
}

// EngineError is a stage-aware error with optional command context.
type EngineError struct {
	Stage      string // "rasterize", "recognize", "workspace", "store"
	Message    string
	CommandLog CommandLog
	Err        error
}

func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Stage + ": " + e.Message
	if e.CommandLog.Command != "" {
		msg += fmt.Sprintf(" (cmd=%s exit=%d)", e.CommandLog.Command, e.CommandLog.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// runError converts a failed command into an EngineError. A binary that
// cannot be found or started is reported as ErrEngineUnavailable.
func runError(stage, name string, args []string, res commandResult, err error) error {
	wrapped := err
	if !startedButFailed(err) {
		wrapped = fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	return &EngineError{
		Stage:   stage,
		Message: fmt.Sprintf("%s failed", name),
		CommandLog: CommandLog{
			Command:  name,
			Args:     args,
			ExitCode: res.ExitCode,
			Stderr:   tail(res.Stderr, 512),
		},
		Err: wrapped,
	}
}

// startedButFailed reports whether the process ran and exited with an
// error, as opposed to never starting at all.
func startedButFailed(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// tail keeps the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
