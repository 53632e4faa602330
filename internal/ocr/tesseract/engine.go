//go:build tesseract

// Package tesseract recognizes text with Tesseract through gosseract. It is
// built only with the "tesseract" tag since it links libtesseract.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/ocr"
)

// Engine implements ocr.Engine. Each call uses its own client since a
// gosseract client is not safe for concurrent use.
type Engine struct {
	languages []string
}

// New returns an Engine for lang, e.g. "kor+eng".
func New(lang string) (*Engine, error) {
	langs := strings.FieldsFunc(lang, func(r rune) bool { return r == '+' || r == ',' })
	if len(langs) == 0 {
		return nil, fmt.Errorf("ocr language is required")
	}
	return &Engine{languages: langs}, nil
}

// Available reports whether this build links Tesseract.
func Available() bool { return true }

// Recognize returns words in reading order with confidence scaled to [0,1].
func (e *Engine) Recognize(ctx context.Context, image []byte) ([]ocr.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.languages...); err != nil {
		return nil, fmt.Errorf("set language: %w", err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	tokens := make([]ocr.Token, 0, len(boxes))
	for _, b := range boxes {
		tokens = append(tokens, ocr.Token{Text: b.Word, Confidence: b.Confidence / 100})
	}
	return tokens, nil
}
