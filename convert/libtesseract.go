//go:build native

package convert

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// LibRecognizer runs recognition in-process through libtesseract.
// A client is created per page; gosseract clients are not goroutine safe.
type LibRecognizer struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

func NewLibRecognizer(languages ...string) *LibRecognizer {
	return &LibRecognizer{languages: languages, clientFactory: gosseract.NewClient}
}

func (r *LibRecognizer) Recognize(ctx context.Context, imagePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c := r.clientFactory()
	defer c.Close()

	if len(r.languages) > 0 {
		if err := c.SetLanguage(r.languages...); err != nil {
			return "", &EngineError{Stage: "recognize", Message: "set languages", Err: fmt.Errorf("%w: %w", ErrEngineUnavailable, err)}
		}
	}
	if err := c.SetImage(imagePath); err != nil {
		return "", &EngineError{Stage: "recognize", Message: "set image", Err: err}
	}

	text, err := c.Text()
	if err != nil {
		return "", &EngineError{Stage: "recognize", Message: "libtesseract", Err: err}
	}
	return strings.TrimRight(text, "\n\f "), nil
}
