package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/invoice_backend/classifier"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/ocr"
	"github.com/mmdatafocus/invoice_backend/predictor"
	"github.com/mmdatafocus/invoice_backend/utils"
	"github.com/shopspring/decimal"
)

func newTestService(repo *memRepo) (*InvoiceService, *recordingDispatcher, *fakeTrainer) {
	d := &recordingDispatcher{}
	tr := &fakeTrainer{report: classifier.TrainReport{Version: "v1", Samples: 2, Classes: []string{"Nước", "Điện"}, Accuracy: 1, Path: "ai_models"}}
	return &InvoiceService{
		Repo:       repo,
		Dispatcher: d,
		Trainer:    tr,
		Predictor:  predictor.New(),
		Locker:     NewLocalInvoiceLocker(),
		Logger:     quietLogger(),
		Now:        func() time.Time { return fixedNow },
	}, d, tr
}

func TestTriggerPipelineDispatchesTask(t *testing.T) {
	repo := newMemRepo(uploadedInvoice(1))
	s, d, _ := newTestService(repo)
	ctx := utils.SetUserIdInContext(utils.SetCorrelationIdInContext(context.Background(), "req-1"), 7)

	id, err := s.TriggerPipeline(ctx, 1)
	if err != nil {
		t.Fatalf("TriggerPipeline: %v", err)
	}
	if id != "req-1" || len(d.tasks) != 1 {
		t.Fatalf("unexpected dispatch %q %+v", id, d.tasks)
	}
	task := d.tasks[0]
	if task.InvoiceId != 1 || task.Attempt != 1 || task.RequestedBy == nil || *task.RequestedBy != 7 {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestTriggerPipelineErrors(t *testing.T) {
	approved := uploadedInvoice(2)
	approved.Status = models.InvoiceStatusApproved
	s, d, _ := newTestService(newMemRepo(approved))

	if _, err := s.TriggerPipeline(context.Background(), 1); !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
	if _, err := s.TriggerPipeline(context.Background(), 2); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	d.err = ErrQueueFull
	s.Repo = newMemRepo(uploadedInvoice(3))
	if _, err := s.TriggerPipeline(context.Background(), 3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRerunOCRRecordsRequest(t *testing.T) {
	inv := uploadedInvoice(1)
	inv.Status = models.InvoiceStatusOcrProcessed
	repo := newMemRepo(inv)
	s, d, _ := newTestService(repo)

	id, err := s.RerunOCR(context.Background(), 1)
	if err != nil {
		t.Fatalf("RerunOCR: %v", err)
	}
	if len(d.tasks) != 1 || d.tasks[0].Reason != "rerun" || d.tasks[0].CorrelationId != id {
		t.Fatalf("unexpected dispatch %+v", d.tasks)
	}
	events, _ := repo.ListAuditEvents(context.Background(), 1)
	if len(events) != 1 || events[0].Action != models.AuditActionOcrRerunRequested {
		t.Fatalf("expected OCR_RERUN_REQUESTED, got %v", repo.actions(1))
	}
	if events[0].Details["correlation_id"] != id {
		t.Fatalf("expected audit to carry correlation id %q, got %v", id, events[0].Details)
	}
}

func TestTriggerThenRunEndToEnd(t *testing.T) {
	repo := newMemRepo(uploadedInvoice(1))
	s, d, _ := newTestService(repo)
	p := newTestPipeline(repo, &fakeExtractor{results: []ocr.Result{recognized(sampleInvoice)}}, electricity)
	pool := testPool(p, 4)

	if _, err := s.TriggerPipeline(context.Background(), 1); err != nil {
		t.Fatalf("TriggerPipeline: %v", err)
	}
	if _, _, retry := pool.handle(context.Background(), d.tasks[0]); retry {
		t.Fatalf("successful run must not be retried")
	}

	a, err := s.GetAnalysis(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if a.Status != models.InvoiceStatusOcrProcessed || a.Category != "Điện" {
		t.Fatalf("unexpected analysis %+v", a)
	}
	if a.SupplierName == nil || *a.SupplierName != "CÔNG TY ĐIỆN LỰC HÀ NỘI" {
		t.Fatalf("unexpected supplier %v", a.SupplierName)
	}
	if a.FraudRiskLabel != "THẤP" {
		t.Fatalf("expected THẤP label, got %q", a.FraudRiskLabel)
	}

	pred, err := s.Predict(context.Background(), 1)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Approval.Probability != 0.9 || pred.Approval.Confidence != 0.75 {
		t.Fatalf("unexpected approval estimate %+v", pred.Approval)
	}
	if pred.ProcessingTime.Confidence != 0.8 {
		t.Fatalf("unexpected processing estimate %+v", pred.ProcessingTime)
	}
}

func TestPredictIgnoresErrorText(t *testing.T) {
	inv := uploadedInvoice(1)
	inv.Status = models.InvoiceStatusIntegrationError
	inv.RawOcrText = errorTextPrefix + "timeout"
	inv.TotalAmount = decimal.NewNullDecimal(decimal.NewFromInt(5000))
	s, _, _ := newTestService(newMemRepo(inv))

	pred, err := s.Predict(context.Background(), 1)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.ProcessingTime.Factors.TextLength != 0 {
		t.Fatalf("expected error text ignored, got length %d", pred.ProcessingTime.Factors.TextLength)
	}
	if pred.Approval.Probability != 0.1 {
		t.Fatalf("expected 0.3-0.2=0.1, got %v", pred.Approval.Probability)
	}
}

func TestTrainRecordsModelTraining(t *testing.T) {
	repo := newMemRepo()
	s, _, tr := newTestService(repo)
	pairs := []classifier.Pair{{Text: "tiền điện", Category: "Điện"}, {Text: "tiền nước", Category: "Nước"}}

	report, err := s.Train(context.Background(), ModelTypeClassifier, pairs)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if report.Version != "v1" || len(tr.pairs) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(repo.trainings) != 1 {
		t.Fatalf("expected one training row, got %d", len(repo.trainings))
	}
	mt := repo.trainings[0]
	if mt.ModelName != "invoice_classifier_20240201_090000" || mt.TrainingDataSize != 2 || !mt.IsActive {
		t.Fatalf("unexpected training row %+v", mt)
	}
	if len(repo.events) != 1 || repo.events[0].Action != models.AuditActionModelTrained || repo.events[0].InvoiceId != nil {
		t.Fatalf("expected MODEL_TRAINED event, got %+v", repo.events)
	}
}

func TestTrainRejectsUnknownModelAndEmptyData(t *testing.T) {
	repo := newMemRepo()
	s, _, tr := newTestService(repo)
	if _, err := s.Train(context.Background(), "fraud", nil); !errors.Is(err, ErrUnsupportedModelType) {
		t.Fatalf("expected ErrUnsupportedModelType, got %v", err)
	}
	tr.err = classifier.ErrEmptyTrainingData
	if _, err := s.Train(context.Background(), ModelTypeClassifier, nil); !errors.Is(err, ErrEmptyTrainingData) {
		t.Fatalf("expected ErrEmptyTrainingData, got %v", err)
	}
	if len(repo.trainings) != 0 || len(repo.events) != 0 {
		t.Fatalf("failed training must not be recorded")
	}
}

func TestReviewTransitions(t *testing.T) {
	inv := uploadedInvoice(1)
	inv.Status = models.InvoiceStatusOcrProcessed
	repo := newMemRepo(inv)
	s, _, _ := newTestService(repo)
	ctx := context.Background()

	if err := s.Approve(ctx, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected approve from OCR_PROCESSED to fail, got %v", err)
	}
	if err := s.Match(ctx, 1, 1.5); !errors.Is(err, ErrInvalidMatchScore) {
		t.Fatalf("expected ErrInvalidMatchScore, got %v", err)
	}
	if err := s.Match(ctx, 1, 0.95); err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got := repo.invoice(t, 1); got.Status != models.InvoiceStatusMatched || got.MatchScore == nil || *got.MatchScore != 0.95 {
		t.Fatalf("unexpected invoice after match %+v", got)
	}
	if err := s.SubmitForApproval(ctx, 1); err != nil {
		t.Fatalf("SubmitForApproval: %v", err)
	}
	if err := s.Approve(ctx, 1); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := s.SendToReview(ctx, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("approved invoice must be final, got %v", err)
	}

	want := []string{models.AuditActionInvoiceMatched, models.AuditActionSubmitForApproval, models.AuditActionInvoiceApproved}
	got := repo.actions(1)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRejectAndUnmatched(t *testing.T) {
	inv := uploadedInvoice(1)
	inv.Status = models.InvoiceStatusOcrProcessed
	repo := newMemRepo(inv)
	s, _, _ := newTestService(repo)
	ctx := context.Background()

	if err := s.MarkUnmatched(ctx, 1); err != nil {
		t.Fatalf("MarkUnmatched: %v", err)
	}
	if err := s.Reject(ctx, 1, "duplicate"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	events, _ := repo.ListAuditEvents(ctx, 1)
	last := events[len(events)-1]
	if last.Action != models.AuditActionInvoiceRejected || last.Details["reason"] != "duplicate" || last.Details["from"] != "UNMATCHED" {
		t.Fatalf("unexpected reject event %+v", last)
	}
}

func TestTransitionWaitsForRunningPipeline(t *testing.T) {
	inv := uploadedInvoice(1)
	inv.Status = models.InvoiceStatusOcrProcessed
	s, _, _ := newTestService(newMemRepo(inv))
	unlock, _ := s.Locker.Lock(context.Background(), 1)
	defer unlock()
	if err := s.SendToReview(context.Background(), 1); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}
