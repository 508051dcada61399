package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/invoice_backend/classifier"
	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/ocr"
	"github.com/mmdatafocus/invoice_backend/predictor"
	"github.com/mmdatafocus/invoice_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const ModelTypeClassifier = "classifier"

type ModelTrainer interface {
	Train(pairs []classifier.Pair) (classifier.TrainReport, error)
}

// InvoiceService is what the HTTP layer and the CLI tools call.
type InvoiceService struct {
	Repo       models.Repository
	Dispatcher Dispatcher
	Trainer    ModelTrainer
	Predictor  *predictor.Predictor
	Locker     InvoiceLocker
	Logger     *logrus.Logger
	Now        func() time.Time
}

type Analysis struct {
	InvoiceId         int                     `json:"invoice_id"`
	Status            models.InvoiceStatus    `json:"status"`
	InvoiceNumber     *string                 `json:"invoice_number"`
	SupplierName      *string                 `json:"supplier_name"`
	TotalAmount       decimal.NullDecimal     `json:"total_amount"`
	TaxAmount         decimal.NullDecimal     `json:"tax_amount"`
	IssueDate         *time.Time              `json:"issue_date"`
	DueDate           *time.Time              `json:"due_date"`
	IsInvoice         bool                    `json:"is_invoice"`
	Category          string                  `json:"ai_category"`
	Confidence        *float64                `json:"ai_confidence"`
	FraudRiskScore    *float64                `json:"fraud_risk_score"`
	FraudRiskLevel    *models.RiskLevel       `json:"fraud_risk_level"`
	FraudRiskLabel    string                  `json:"fraud_risk_label,omitempty"`
	ExtractedData     datatypes.JSONMap       `json:"ai_extracted_data"`
	ProcessingTime    *int                    `json:"ai_processing_time"`
	Recommendations   string                  `json:"ai_recommendations"`
	RecommendationLog []models.Recommendation `json:"recommendation_records"`
	OcrEngine         string                  `json:"ocr_engine"`
	ProcessAttempts   int                     `json:"process_attempts"`
	LastError         *string                 `json:"last_error"`
}

type Prediction struct {
	InvoiceId      int                        `json:"invoice_id"`
	ProcessingTime predictor.TimeEstimate     `json:"processing_time"`
	Approval       predictor.ApprovalEstimate `json:"approval"`
}

func (s *InvoiceService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *InvoiceService) loadInvoice(ctx context.Context, invoiceId int) (*models.Invoice, error) {
	inv, err := s.Repo.GetInvoice(ctx, invoiceId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

// TriggerPipeline queues a run for the invoice and returns the task's correlation id.
func (s *InvoiceService) TriggerPipeline(ctx context.Context, invoiceId int) (string, error) {
	return s.trigger(ctx, invoiceId, "trigger")
}

func (s *InvoiceService) trigger(ctx context.Context, invoiceId int, reason string) (string, error) {
	inv, err := s.loadInvoice(ctx, invoiceId)
	if err != nil {
		return "", err
	}
	if !inv.Status.CanTransitionTo(models.InvoiceStatusOcrProcessing) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, models.InvoiceStatusOcrProcessing)
	}
	task := config.PipelineTask{
		InvoiceId:     invoiceId,
		Attempt:       1,
		CorrelationId: utils.CorrelationIdOrNew(ctx),
		RequestedBy:   utils.ActorFromContext(ctx),
		Reason:        reason,
		EnqueuedAt:    s.now().UTC(),
	}
	if err := s.Dispatcher.Dispatch(ctx, task); err != nil {
		return "", fmt.Errorf("dispatch pipeline task: %w", err)
	}
	return task.CorrelationId, nil
}

// RerunOCR records the manual request and queues a fresh run. Prior extraction is
// overwritten by the run itself.
func (s *InvoiceService) RerunOCR(ctx context.Context, invoiceId int) (string, error) {
	inv, err := s.loadInvoice(ctx, invoiceId)
	if err != nil {
		return "", err
	}
	if !inv.Status.CanTransitionTo(models.InvoiceStatusOcrProcessing) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, models.InvoiceStatusOcrProcessing)
	}
	ctx = utils.SetCorrelationIdInContext(ctx, utils.CorrelationIdOrNew(ctx))
	if err := writeAudit(ctx, s.Repo, invoiceId, models.AuditActionOcrRerunRequested, map[string]interface{}{
		"previous_status": string(inv.Status),
	}); err != nil {
		return "", err
	}
	return s.trigger(ctx, invoiceId, "rerun")
}

func (s *InvoiceService) GetAnalysis(ctx context.Context, invoiceId int) (*Analysis, error) {
	inv, err := s.loadInvoice(ctx, invoiceId)
	if err != nil {
		return nil, err
	}
	recs, err := s.Repo.ListRecommendations(ctx, invoiceId)
	if err != nil {
		return nil, err
	}
	a := &Analysis{
		InvoiceId:         inv.ID,
		Status:            inv.Status,
		InvoiceNumber:     inv.InvoiceNumber,
		TotalAmount:       inv.TotalAmount,
		TaxAmount:         inv.TaxAmount,
		IssueDate:         inv.IssueDate,
		DueDate:           inv.DueDate,
		IsInvoice:         inv.IsInvoice,
		Category:          inv.AiCategory,
		Confidence:        inv.AiConfidence,
		FraudRiskScore:    inv.FraudRiskScore,
		FraudRiskLevel:    inv.FraudRiskLevel,
		ExtractedData:     inv.AiExtractedData,
		ProcessingTime:    inv.AiProcessingTime,
		Recommendations:   inv.AiRecommendations,
		RecommendationLog: recs,
		OcrEngine:         inv.OcrEngine,
		ProcessAttempts:   inv.ProcessAttempts,
		LastError:         inv.LastError,
	}
	if inv.Supplier != nil {
		name := inv.Supplier.Name
		a.SupplierName = &name
	}
	if inv.FraudRiskLevel != nil {
		a.FraudRiskLabel = inv.FraudRiskLevel.Label()
	}
	return a, nil
}

// Predict recomputes both estimates from the stored fields.
func (s *InvoiceService) Predict(ctx context.Context, invoiceId int) (*Prediction, error) {
	inv, err := s.loadInvoice(ctx, invoiceId)
	if err != nil {
		return nil, err
	}
	in := predictor.Input{
		InvoiceNumber: inv.InvoiceNumber,
		HasIssueDate:  inv.IssueDate != nil,
		RawText:       recognizedText(inv.RawOcrText),
	}
	if inv.Supplier != nil {
		name := inv.Supplier.Name
		in.SupplierName = &name
	}
	if inv.TotalAmount.Valid {
		v := inv.TotalAmount.Decimal.InexactFloat64()
		in.TotalAmount = &v
	}
	p := s.Predictor
	if p == nil {
		p = predictor.New()
	}
	return &Prediction{
		InvoiceId:      inv.ID,
		ProcessingTime: p.ProcessingTime(in),
		Approval:       p.ApprovalProbability(in),
	}, nil
}

// recognizedText drops the placeholders stored in place of OCR output.
func recognizedText(raw string) string {
	if raw == ocr.PDFSentinel || raw == ocr.NoContentSentinel || strings.HasPrefix(raw, errorTextPrefix) {
		return ""
	}
	return raw
}

// Train fits the named model and records the training.
func (s *InvoiceService) Train(ctx context.Context, modelType string, pairs []classifier.Pair) (*classifier.TrainReport, error) {
	if modelType != ModelTypeClassifier {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModelType, modelType)
	}
	report, err := s.Trainer.Train(pairs)
	if err != nil {
		return nil, err
	}

	accuracy := report.Accuracy
	training := &models.ModelTraining{
		ModelName:        "invoice_classifier_" + s.now().Format("20060102_150405"),
		ModelType:        modelType,
		TrainingDataSize: report.Samples,
		Accuracy:         &accuracy,
		ModelPath:        report.Path,
		IsActive:         true,
	}
	err = s.Repo.Transaction(ctx, func(tx models.Repository) error {
		if err := tx.CreateModelTraining(ctx, training); err != nil {
			return err
		}
		return tx.CreateAuditEvent(ctx, &models.AuditEvent{
			ActorId: utils.ActorFromContext(ctx),
			Action:  models.AuditActionModelTrained,
			Details: datatypes.JSONMap{
				"model_type": modelType,
				"version":    report.Version,
				"samples":    report.Samples,
				"classes":    report.Classes,
			},
		})
	})
	if err != nil {
		// artifacts are already live; only the log row is missing
		config.LogError(s.Logger, "workflow", "Train", "record model training", report.Version, err)
		return &report, fmt.Errorf("record model training: %w", err)
	}
	return &report, nil
}

func (s *InvoiceService) Approve(ctx context.Context, invoiceId int) error {
	return s.transition(ctx, invoiceId, models.InvoiceStatusApproved, models.AuditActionInvoiceApproved, nil, nil)
}

func (s *InvoiceService) Reject(ctx context.Context, invoiceId int, reason string) error {
	return s.transition(ctx, invoiceId, models.InvoiceStatusRejected, models.AuditActionInvoiceRejected,
		map[string]interface{}{"reason": reason}, nil)
}

// Match records the ERP match score.
func (s *InvoiceService) Match(ctx context.Context, invoiceId int, score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidMatchScore, score)
	}
	return s.transition(ctx, invoiceId, models.InvoiceStatusMatched, models.AuditActionInvoiceMatched,
		map[string]interface{}{"match_score": score},
		func(inv *models.Invoice) { inv.MatchScore = &score })
}

func (s *InvoiceService) MarkUnmatched(ctx context.Context, invoiceId int) error {
	return s.transition(ctx, invoiceId, models.InvoiceStatusUnmatched, models.AuditActionInvoiceUnmatched, nil,
		func(inv *models.Invoice) { inv.MatchScore = nil })
}

func (s *InvoiceService) SubmitForApproval(ctx context.Context, invoiceId int) error {
	return s.transition(ctx, invoiceId, models.InvoiceStatusPendingApproval, models.AuditActionSubmitForApproval, nil, nil)
}

func (s *InvoiceService) SendToReview(ctx context.Context, invoiceId int) error {
	return s.transition(ctx, invoiceId, models.InvoiceStatusPendingReview, models.AuditActionSentToReview, nil, nil)
}

func (s *InvoiceService) transition(ctx context.Context, invoiceId int, next models.InvoiceStatus, action string,
	details map[string]interface{}, mutate func(*models.Invoice)) error {
	unlock, err := s.Locker.Lock(ctx, invoiceId)
	if err != nil {
		return err
	}
	defer unlock()

	inv, err := s.loadInvoice(ctx, invoiceId)
	if err != nil {
		return err
	}
	if !inv.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, next)
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["from"] = string(inv.Status)
	details["to"] = string(next)

	inv.Status = next
	if mutate != nil {
		mutate(inv)
	}
	return s.Repo.Transaction(ctx, func(tx models.Repository) error {
		if err := tx.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		return writeAudit(ctx, tx, invoiceId, action, details)
	})
}
