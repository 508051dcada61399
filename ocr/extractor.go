package ocr

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/mmdatafocus/invoice_backend/ocr")

// Extractor tries its engines in order until one returns non-empty text.
// It never returns an error: failures end in a sentinel result.
type Extractor struct {
	Engines []Engine
	Logger  *logrus.Logger
}

func NewExtractor(logger *logrus.Logger, engines ...Engine) *Extractor {
	out := make([]Engine, 0, len(engines))
	for _, e := range engines {
		if e != nil {
			out = append(out, e)
		}
	}
	return &Extractor{Engines: out, Logger: logger}
}

func (x *Extractor) Extract(ctx context.Context, name string, data []byte) Result {
	ctx, span := tracer.Start(ctx, "ocr.extract")
	defer span.End()

	if IsPDF(name, data) {
		span.SetAttributes(attribute.String("ocr.kind", string(ResultPDFSkipped)))
		return Result{Text: PDFSentinel, Kind: ResultPDFSkipped}
	}

	var attempts []EngineAttempt
	for _, engine := range x.Engines {
		text, err := x.recognize(ctx, engine, data)
		if err != nil {
			attempts = append(attempts, EngineAttempt{Engine: engine.Name(), Error: err.Error()})
			x.logFallback(engine.Name(), err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			attempts = append(attempts, EngineAttempt{Engine: engine.Name(), Empty: true})
			continue
		}
		span.SetAttributes(
			attribute.String("ocr.kind", string(ResultRecognized)),
			attribute.String("ocr.engine", engine.Name()),
		)
		return Result{Text: text, Engine: engine.Name(), Kind: ResultRecognized, Attempts: attempts}
	}

	span.SetAttributes(attribute.String("ocr.kind", string(ResultNoContent)))
	return Result{Text: NoContentSentinel, Kind: ResultNoContent, Attempts: attempts}
}

func (x *Extractor) recognize(ctx context.Context, engine Engine, data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", engine.Name(), r)
		}
	}()
	return engine.Recognize(ctx, data)
}

func (x *Extractor) logFallback(engine string, err error) {
	if x.Logger == nil {
		return
	}
	x.Logger.WithFields(logrus.Fields{
		"field":  "Extractor",
		"engine": engine,
	}).Warn("ocr engine failed, trying next: " + err.Error())
}

// IsPDF checks the file extension first and then the content signature.
func IsPDF(name string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		return true
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return true
	}
	return len(data) > 0 && http.DetectContentType(data) == "application/pdf"
}
