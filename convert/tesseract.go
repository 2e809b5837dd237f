package convert

import (
	"context"
	"strings"
)

// TesseractRecognizer runs the tesseract executable on one image at a time.
type TesseractRecognizer struct {
	binary    string
	languages []string
	runner    commandRunner
}

// NewTesseractRecognizer uses binary, a name on PATH or an absolute path.
// languages are joined with '+' and passed as -l; empty uses tesseract's default.
func NewTesseractRecognizer(binary string, languages ...string) *TesseractRecognizer {
	if binary == "" {
		binary = "tesseract"
	}
	return &TesseractRecognizer{binary: binary, languages: languages, runner: execRunner{}}
}

func (t *TesseractRecognizer) Binary() string {
	return t.binary
}

func (t *TesseractRecognizer) Recognize(ctx context.Context, imagePath string) (string, error) {
	args := []string{imagePath, "stdout"}
	if len(t.languages) > 0 {
		args = append(args, "-l", strings.Join(t.languages, "+"))
	}

	res, err := t.runner.Run(ctx, t.binary, args...)
	if err != nil {
		return "", runError("recognize", t.binary, args, res, err)
	}
	return strings.TrimRight(res.Stdout, "\n\f "), nil
}
