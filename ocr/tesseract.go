package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine runs the local tesseract engine through gosseract.
type TesseractEngine struct {
	Languages     []string
	Preprocess    bool
	clientFactory func() *gosseract.Client
}

func NewTesseractEngine(languages ...string) *TesseractEngine {
	if len(languages) == 0 {
		languages = []string{"vie", "eng"}
	}
	return &TesseractEngine{
		Languages:     languages,
		Preprocess:    true,
		clientFactory: gosseract.NewClient,
	}
}

func (e *TesseractEngine) Name() string { return "tesseract" }

func (e *TesseractEngine) Recognize(ctx context.Context, image []byte) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	data := image
	if e.Preprocess {
		prepared, err := PrepareForOCR(image)
		if err == nil {
			data = prepared
		}
	}

	c := e.clientFactory()
	defer c.Close()

	if len(e.Languages) > 0 {
		if err := c.SetLanguage(e.Languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
