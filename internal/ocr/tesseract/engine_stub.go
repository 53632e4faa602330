//go:build !tesseract

package tesseract

import (
	"context"
	"errors"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/ocr"
)

// ErrUnavailable is returned when the binary was built without Tesseract.
var ErrUnavailable = errors.New("built without the tesseract tag")

// Engine is a placeholder that always fails.
type Engine struct{}

// New fails unless built with the "tesseract" tag.
func New(string) (*Engine, error) {
	return nil, ErrUnavailable
}

// Available reports whether this build links Tesseract.
func Available() bool { return false }

// Recognize always fails.
func (*Engine) Recognize(context.Context, []byte) ([]ocr.Token, error) {
	return nil, ErrUnavailable
}
