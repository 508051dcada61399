package ocr

import "context"

const (
	// PDFSentinel replaces the raw text of PDF uploads, which are not OCR'd.
	PDFSentinel = "[Không hỗ trợ OCR file PDF trực tiếp]"
	// NoContentSentinel replaces the raw text when no engine recognized anything.
	NoContentSentinel = "[⚠️ Không nhận diện được nội dung từ ảnh]"
)

// Engine turns image bytes into plain text.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (string, error)
}

type ResultKind string

const (
	ResultRecognized ResultKind = "recognized"
	ResultPDFSkipped ResultKind = "pdf_skipped"
	ResultNoContent  ResultKind = "no_content"
)

// EngineAttempt records why an engine was passed over.
type EngineAttempt struct {
	Engine string `json:"engine"`
	Error  string `json:"error,omitempty"`
	Empty  bool   `json:"empty,omitempty"`
}

type Result struct {
	Text     string          `json:"text"`
	Engine   string          `json:"engine"`
	Kind     ResultKind      `json:"kind"`
	Attempts []EngineAttempt `json:"attempts,omitempty"`
}

// Recognized reports whether Text came from an engine rather than a sentinel.
func (r Result) Recognized() bool {
	return r.Kind == ResultRecognized
}
