package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/invoice_backend/classifier"
	"github.com/mmdatafocus/invoice_backend/fraud"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/ocr"
	"github.com/mmdatafocus/invoice_backend/parser"
	"github.com/mmdatafocus/invoice_backend/predictor"
	"github.com/mmdatafocus/invoice_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mmdatafocus/invoice_backend/workflow")

const errorTextPrefix = "Lỗi AI OCR: "

type TextExtractor interface {
	Extract(ctx context.Context, name string, data []byte) ocr.Result
}

type TextClassifier interface {
	Classify(text string) classifier.Result
}

// Pipeline runs OCR and the analyzers over one invoice and records the outcome.
type Pipeline struct {
	Repo       models.Repository
	Documents  utils.DocumentReader
	Extractor  TextExtractor
	Classifier TextClassifier
	Scorer     *fraud.Scorer
	Predictor  *predictor.Predictor
	Locker     InvoiceLocker
	Logger     *logrus.Logger
	Now        func() time.Time
}

type RunResult struct {
	InvoiceId int                  `json:"invoice_id"`
	Attempt   int                  `json:"attempt"`
	Status    models.InvoiceStatus `json:"status"`
	OcrKind   ocr.ResultKind       `json:"ocr_kind"`
	Category  string               `json:"category,omitempty"`
	RiskScore float64              `json:"risk_score"`
	Missing   []string             `json:"missing_fields,omitempty"`
}

// analysis is everything computed outside the write transaction.
type analysis struct {
	ocr       ocr.Result
	fields    parser.Fields
	cls       classifier.Result
	fraud     fraud.Result
	timing    predictor.TimeEstimate
	approval  predictor.ApprovalEstimate
	recText   string
	rec       *models.Recommendation
	isInvoice bool
	elapsedMs int
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) log(ctx context.Context, invoiceId, attempt int) *logrus.Entry {
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	return logger.WithFields(logrus.Fields{
		"field":          "Pipeline",
		"invoice_id":     invoiceId,
		"attempt":        attempt,
		"correlation_id": correlationId,
	})
}

// Run processes the invoice while holding its lock.
//
// Not-found, lock contention and a disallowed status return before anything is written.
// Any other error has already been recorded as INTEGRATION_ERROR with a SYSTEM_ERROR event,
// and the caller decides whether to retry.
func (p *Pipeline) Run(ctx context.Context, invoiceId int, attempt int) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("invoice.id", invoiceId),
		attribute.Int("pipeline.attempt", attempt),
	))
	defer span.End()
	if attempt < 1 {
		attempt = 1
	}

	unlock, err := p.Locker.Lock(ctx, invoiceId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := p.Repo.GetInvoice(ctx, invoiceId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, p.fail(ctx, invoiceId, attempt, fmt.Errorf("load invoice: %w", err))
	}
	if !inv.Status.CanTransitionTo(models.InvoiceStatusOcrProcessing) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, models.InvoiceStatusOcrProcessing)
	}

	res, err := p.execute(ctx, inv, attempt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, p.fail(ctx, invoiceId, attempt, err)
	}
	span.SetAttributes(attribute.String("invoice.status", string(res.Status)))
	p.log(ctx, invoiceId, attempt).Info("pipeline finished with status " + string(res.Status))
	return res, nil
}

func (p *Pipeline) execute(ctx context.Context, inv *models.Invoice, attempt int) (*RunResult, error) {
	if err := p.start(ctx, inv, attempt); err != nil {
		return nil, err
	}
	return p.process(ctx, inv, attempt)
}

func (p *Pipeline) start(ctx context.Context, inv *models.Invoice, attempt int) error {
	now := p.now()
	inv.Status = models.InvoiceStatusOcrProcessing
	inv.OcrStartTime = &now
	inv.OcrEndTime = nil
	inv.ProcessAttempts++
	return p.Repo.Transaction(ctx, func(tx models.Repository) error {
		if err := tx.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		return writeAudit(ctx, tx, inv.ID, models.AuditActionOcrStarted, map[string]interface{}{
			"attempt": attempt,
		})
	})
}

func (p *Pipeline) process(ctx context.Context, inv *models.Invoice, attempt int) (*RunResult, error) {
	data, err := p.Documents.Read(ctx, inv.File)
	if err != nil {
		return nil, fmt.Errorf("read document %q: %w", inv.File, err)
	}
	name := inv.OriginalFilename
	if name == "" {
		name = inv.File
	}

	ocrRes := p.Extractor.Extract(ctx, name, data)
	if ocrRes.Kind == ocr.ResultPDFSkipped {
		return p.persistPDF(ctx, inv, attempt, ocrRes)
	}

	// only the analysis step is timed
	began := p.now()
	a := p.analyze(inv.ID, ocrRes)
	a.elapsedMs = int(p.now().Sub(began).Milliseconds())
	return p.persist(ctx, inv, attempt, a)
}

// analyze runs the parser and models. Only recognized text is analyzed; sentinels are not.
func (p *Pipeline) analyze(invoiceId int, ocrRes ocr.Result) analysis {
	text := ""
	if ocrRes.Recognized() {
		text = ocrRes.Text
	}
	a := analysis{ocr: ocrRes}
	a.fields = parser.Parse(text)
	a.cls = p.Classifier.Classify(text)
	a.fraud = p.Scorer.Score(fraud.InputFromFields(a.fields), text)
	in := predictor.InputFromFields(a.fields, text)
	a.timing = p.Predictor.ProcessingTime(in)
	a.approval = p.Predictor.ApprovalProbability(in)
	a.recText, a.rec = buildRecommendations(invoiceId, a.fraud, a.cls, a.approval)
	a.isInvoice = looksLikeInvoice(text, a.cls)
	return a
}

func (p *Pipeline) persist(ctx context.Context, inv *models.Invoice, attempt int, a analysis) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.persist", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	res := &RunResult{
		InvoiceId: inv.ID,
		Attempt:   attempt,
		OcrKind:   a.ocr.Kind,
		Category:  a.cls.Category,
		RiskScore: a.fraud.RiskScore,
	}

	extracted, err := extractedData(a)
	if err != nil {
		return nil, fmt.Errorf("encode extracted data: %w", err)
	}

	err = p.Repo.Transaction(ctx, func(tx models.Repository) error {
		inv.ResetExtraction()
		if a.fields.SupplierName != nil {
			supplier, err := tx.GetOrCreateSupplier(ctx, *a.fields.SupplierName)
			if err != nil {
				return fmt.Errorf("get or create supplier: %w", err)
			}
			inv.SupplierId = &supplier.ID
		}
		applyFields(inv, a.fields)

		inv.RawOcrText = a.ocr.Text
		inv.OcrEngine = a.ocr.Engine
		inv.IsInvoice = a.isInvoice
		inv.AiCategory = a.cls.Category
		confidence := a.cls.Confidence
		inv.AiConfidence = &confidence
		score := a.fraud.RiskScore
		inv.FraudRiskScore = &score
		level := a.fraud.RiskLevel
		inv.FraudRiskLevel = &level
		inv.AiExtractedData = extracted
		elapsed := a.elapsedMs
		inv.AiProcessingTime = &elapsed
		inv.AiRecommendations = a.recText

		action := models.AuditActionOcrCompleted
		details := map[string]interface{}{
			"attempt":    attempt,
			"ocr_kind":   string(a.ocr.Kind),
			"engine":     a.ocr.Engine,
			"confidence": a.fields.Confidence,
		}
		if inv.HasKeyFields() {
			inv.Status = models.InvoiceStatusOcrProcessed
		} else {
			inv.Status = models.InvoiceStatusRejected
			action = models.AuditActionOcrFailed
			res.Missing = missingKeyFields(inv)
			details["reason"] = "missing_key_fields"
			details["missing_fields"] = res.Missing
		}
		end := p.now()
		inv.OcrEndTime = &end

		if err := tx.SaveInvoice(ctx, inv); err != nil {
			return fmt.Errorf("save invoice: %w", err)
		}
		if err := writeAudit(ctx, tx, inv.ID, action, details); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
		if a.rec != nil {
			if err := tx.CreateRecommendation(ctx, a.rec); err != nil {
				return fmt.Errorf("create recommendation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Status = inv.Status
	return res, nil
}

// persistPDF stores the PDF sentinel; PDFs are accepted without field extraction.
func (p *Pipeline) persistPDF(ctx context.Context, inv *models.Invoice, attempt int, ocrRes ocr.Result) (*RunResult, error) {
	err := p.Repo.Transaction(ctx, func(tx models.Repository) error {
		inv.ResetExtraction()
		inv.RawOcrText = ocrRes.Text
		inv.Status = models.InvoiceStatusOcrProcessed
		end := p.now()
		inv.OcrEndTime = &end
		if err := tx.SaveInvoice(ctx, inv); err != nil {
			return fmt.Errorf("save invoice: %w", err)
		}
		return writeAudit(ctx, tx, inv.ID, models.AuditActionOcrCompleted, map[string]interface{}{
			"attempt":  attempt,
			"ocr_kind": string(ocrRes.Kind),
		})
	})
	if err != nil {
		return nil, err
	}
	return &RunResult{InvoiceId: inv.ID, Attempt: attempt, Status: inv.Status, OcrKind: ocrRes.Kind}, nil
}

// fail records the run error on a freshly loaded invoice so nothing from the rolled back
// write leaks into the row. Writes survive cancellation of the run context.
func (p *Pipeline) fail(ctx context.Context, invoiceId, attempt int, cause error) error {
	ctx = context.WithoutCancel(ctx)
	p.log(ctx, invoiceId, attempt).Error("pipeline run failed: " + cause.Error())

	inv, err := p.Repo.GetInvoice(ctx, invoiceId)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("reload invoice after failure: %w", err))
	}
	msg := cause.Error()
	end := p.now()
	inv.Status = models.InvoiceStatusIntegrationError
	inv.LastError = &msg
	inv.RawOcrText = errorTextPrefix + msg
	inv.OcrEndTime = &end

	err = p.Repo.Transaction(ctx, func(tx models.Repository) error {
		if err := tx.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		return writeAudit(ctx, tx, inv.ID, models.AuditActionSystemError, map[string]interface{}{
			"error":   msg,
			"attempt": attempt,
		})
	})
	if err != nil {
		p.log(ctx, invoiceId, attempt).Error("record pipeline failure: " + err.Error())
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	return cause
}

// RecordFailure marks an invoice that could not be run at all, e.g. when its lock backend
// stayed unreachable. Invoices past the point where a run could start are left alone.
func (p *Pipeline) RecordFailure(ctx context.Context, invoiceId, attempt int, cause error) error {
	inv, err := p.Repo.GetInvoice(context.WithoutCancel(ctx), invoiceId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return ErrInvoiceNotFound
	}
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}
	if !inv.Status.CanTransitionTo(models.InvoiceStatusOcrProcessing) {
		p.log(ctx, invoiceId, attempt).Warn("not recording failure for invoice in status " + string(inv.Status))
		return nil
	}
	return p.fail(ctx, invoiceId, attempt, cause)
}

func applyFields(inv *models.Invoice, f parser.Fields) {
	inv.InvoiceNumber = f.InvoiceNumber
	if f.TotalAmount != nil {
		inv.TotalAmount = decimal.NewNullDecimal(decimal.NewFromFloat(*f.TotalAmount).Round(2))
	}
	if f.TaxAmount != nil {
		inv.TaxAmount = decimal.NewNullDecimal(decimal.NewFromFloat(*f.TaxAmount).Round(2))
	}
	inv.IssueDate = f.IssueDate
	inv.DueDate = f.DueDate
}

func missingKeyFields(inv *models.Invoice) []string {
	var missing []string
	if inv.InvoiceNumber == nil || *inv.InvoiceNumber == "" {
		missing = append(missing, "invoice_number")
	}
	if !inv.TotalAmount.Valid {
		missing = append(missing, "total_amount")
	}
	return missing
}

func extractedData(a analysis) (map[string]interface{}, error) {
	out := a.fields.ToMap()
	out["ocr"] = map[string]interface{}{
		"kind":     string(a.ocr.Kind),
		"engine":   a.ocr.Engine,
		"attempts": a.ocr.Attempts,
	}
	out["is_invoice"] = a.isInvoice
	sections := map[string]interface{}{
		"classification":  a.cls,
		"fraud":           a.fraud,
		"processing_time": a.timing,
		"approval":        a.approval,
	}
	for key, v := range sections {
		m, err := utils.ToJSONMap(v)
		if err != nil {
			return nil, err
		}
		out[key] = m
	}
	// round-trip so nested structs become plain JSON values
	return utils.ToJSONMap(out)
}

func writeAudit(ctx context.Context, repo models.Repository, invoiceId int, action string, details map[string]interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok && correlationId != "" {
		details["correlation_id"] = correlationId
	}
	id := invoiceId
	return repo.CreateAuditEvent(ctx, &models.AuditEvent{
		ActorId:   utils.ActorFromContext(ctx),
		InvoiceId: &id,
		Action:    action,
		Details:   details,
	})
}
