package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the CLI.
// Values come from DefaultConfig, then the optional YAML file, then flags.
type Config struct {
	// Directory of scanned documents, searched recursively.
	InputDir string `yaml:"input_dir"`

	// Where text files, the checkpoint and the log file are written.
	OutputDir string `yaml:"output_dir"`

	// Directory holding the search index. Deleted on every rebuild.
	IndexDir string `yaml:"index_dir"`

	// Number of documents converted at a time. Default is 2.
	// Each worker runs its own rasterizer and recognizer processes.
	Workers int `yaml:"workers"`

	// Memory usage percentage above which new documents wait. Default is 75.
	MaxMemoryPercent int `yaml:"max_memory_percent"`

	// Comma separated list of file extensions to convert.
	Extensions string `yaml:"extensions"`

	// Rasterization resolution, and the single retry resolution used when
	// the rasterizer looks misconfigured.
	DPI         int    `yaml:"dpi"`
	FallbackDPI int    `yaml:"fallback_dpi"`
	ImageFormat string `yaml:"image_format"`

	// "exec" runs pdftoppm and tesseract; "native" uses the linked libraries
	// and needs a build with -tags native.
	Engine        string `yaml:"engine"`
	PdftoppmPath  string `yaml:"pdftoppm_path"`
	TesseractPath string `yaml:"tesseract_path"`
	Languages     string `yaml:"languages"` // tesseract -l value, e.g. "eng+fra"

	// Parent of per-document temp dirs. Empty uses the system default.
	WorkspaceDir string `yaml:"workspace_dir"`

	ReliefWait         time.Duration `yaml:"relief_wait"`
	JoinTimeout        time.Duration `yaml:"join_timeout"`
	ProgressInterval   time.Duration `yaml:"progress_interval"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PageCheckInterval  int           `yaml:"page_check_interval"`
	IndexCheckInterval int           `yaml:"index_check_interval"`

	// Log file, JSON lines. Empty writes ocr_log.jsonl in OutputDir.
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	// search subcommand
	Query   string `yaml:"-"`
	Page    int    `yaml:"-"`
	PerPage int    `yaml:"per_page"`

	// path of the YAML file that was loaded, if any
	ConfigFile string `yaml:"-"`
}

var DefaultConfig = Config{
	OutputDir:          "ocr_text",
	IndexDir:           "search_index",
	Workers:            2,
	MaxMemoryPercent:   75,
	Extensions:         ".pdf",
	DPI:                200,
	FallbackDPI:        150,
	ImageFormat:        "png",
	Engine:             "exec",
	PdftoppmPath:       "pdftoppm",
	TesseractPath:      "tesseract",
	ReliefWait:         5 * time.Second,
	JoinTimeout:        5 * time.Second,
	ProgressInterval:   5 * time.Minute,
	PollInterval:       time.Second,
	PageCheckInterval:  5,
	IndexCheckInterval: 50,
	LogLevel:           "info",
	Page:               1,
	PerPage:            10,
}

// ConfigError marks failures that must stop the program before any work.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// ExitCode maps a command result to the process exit status. Only
// configuration errors are fatal; failed documents are not.
func ExitCode(err error) int {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return 1
	}
	return 0
}

// LoadFile overlays the YAML file at path onto cfg. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return configErrorf("read config file: %w", err)
	}
	if err := decodeConfig(bytes.NewReader(data), cfg); err != nil {
		return configErrorf("parse config file %s: %w", path, err)
	}
	cfg.ConfigFile = path
	return nil
}

func decodeConfig(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ConfigFileArg finds --config/-C in args without parsing anything else,
// so the file can be applied before flags override it.
func ConfigFileArg(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" || a == "-C":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-C="):
			return strings.TrimPrefix(a, "-C=")
		}
	}
	return ""
}

// ExtensionList splits Extensions into normalized ".ext" entries.
func (c *Config) ExtensionList() []string {
	var out []string
	for _, ext := range strings.Split(c.Extensions, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// LanguageList splits Languages on '+' or ','.
func (c *Config) LanguageList() []string {
	return strings.FieldsFunc(c.Languages, func(r rune) bool { return r == '+' || r == ',' || r == ' ' })
}

// LogPath returns where the JSON log is written.
func (c *Config) LogPath() string {
	if c.LogFile != "" {
		return c.LogFile
	}
	return filepath.Join(c.OutputDir, "ocr_log.jsonl")
}

// Validate checks the settings needed by the named subcommand.
func (c *Config) Validate(cmd string) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch cmd {
	case cmdProcess:
		need(c.InputDir != "", "input directory is required")
		need(c.OutputDir != "", "output directory is required")
		need(c.IndexDir != "", "index directory is required")
		need(c.Workers >= 1, "workers must be at least 1")
		need(c.MaxMemoryPercent >= 1 && c.MaxMemoryPercent <= 100, "max memory percent must be between 1 and 100")
		need(c.DPI > 0 && c.FallbackDPI > 0, "dpi values must be positive")
		need(len(c.ExtensionList()) > 0, "at least one extension is required")
		need(c.Engine == "exec" || c.Engine == "native", fmt.Sprintf("unknown engine %q", c.Engine))
		problems = append(problems, c.indexOverlaps()...)
	case cmdRebuild:
		need(c.OutputDir != "", "output directory is required")
		need(c.IndexDir != "", "index directory is required")
		problems = append(problems, c.indexOverlaps()...)
	case cmdSearch:
		need(c.IndexDir != "", "index directory is required")
		need(strings.TrimSpace(c.Query) != "", "query is required")
	case cmdCheck:
		need(c.OutputDir != "", "output directory is required")
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return configErrorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// indexOverlaps reports the output or input directory when it is the index
// directory, lies inside it or contains it. The index directory is cleared
// on every rebuild.
func (c *Config) indexOverlaps() []string {
	if c.IndexDir == "" {
		return nil
	}
	var problems []string
	for _, d := range []struct{ name, dir string }{
		{"output", c.OutputDir},
		{"input", c.InputDir},
	} {
		if d.dir == "" {
			continue
		}
		overlap, err := nested(c.IndexDir, d.dir)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if overlap {
			problems = append(problems,
				fmt.Sprintf("index directory %s overlaps the %s directory %s", c.IndexDir, d.name, d.dir))
		}
	}
	return problems
}

// nested reports whether a and b are the same directory or one contains the other.
func nested(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", a, err)
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", b, err)
	}
	return within(absA, absB) || within(absB, absA), nil
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
