package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/invoice_backend/classifier"
	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/fraud"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/ocr"
	"github.com/mmdatafocus/invoice_backend/predictor"
	"github.com/mmdatafocus/invoice_backend/utils"
	"github.com/sirupsen/logrus"
)

const sampleInvoice = `CÔNG TY ĐIỆN LỰC HÀ NỘI
HÓA ĐƠN GIÁ TRỊ GIA TĂNG
Số: 123456
Ngày 15/01/2024
Hạn thanh toán: 30/01/2024
2 Bóng đèn 50.000
1 Công tơ 300.000
Thuế GTGT 10%: 136.364
Tổng cộng: 1.500.000 đ`

var fixedNow = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

// memRepo keeps rows in memory; Transaction restores a snapshot when fn fails.
type memRepo struct {
	mu           sync.Mutex
	invoices     map[int]models.Invoice
	suppliers    map[string]models.Supplier
	nextSupplier int
	events       []models.AuditEvent
	recs         []models.Recommendation
	trainings    []models.ModelTraining

	supplierErr error
	// getErr fails the next getErrTimes GetInvoice calls.
	getErr      error
	getErrTimes int
}

func newMemRepo(invoices ...models.Invoice) *memRepo {
	r := &memRepo{invoices: map[int]models.Invoice{}, suppliers: map[string]models.Supplier{}}
	for _, inv := range invoices {
		r.invoices[inv.ID] = inv
	}
	return r
}

func (r *memRepo) GetInvoice(ctx context.Context, id int) (*models.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErrTimes > 0 {
		r.getErrTimes--
		return nil, r.getErr
	}
	inv, ok := r.invoices[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	if inv.SupplierId != nil {
		for _, s := range r.suppliers {
			if s.ID == *inv.SupplierId {
				s := s
				inv.Supplier = &s
			}
		}
	}
	return &inv, nil
}

func (r *memRepo) SaveInvoice(ctx context.Context, inv *models.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := *inv
	row.Supplier = nil
	r.invoices[inv.ID] = row
	return nil
}

func (r *memRepo) GetOrCreateSupplier(ctx context.Context, name string) (*models.Supplier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.supplierErr != nil {
		return nil, r.supplierErr
	}
	if s, ok := r.suppliers[name]; ok {
		return &s, nil
	}
	r.nextSupplier++
	s := models.Supplier{ID: r.nextSupplier, Name: name}
	r.suppliers[name] = s
	return &s, nil
}

func (r *memRepo) CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = len(r.events) + 1
	r.events = append(r.events, *ev)
	return nil
}

func (r *memRepo) ListAuditEvents(ctx context.Context, invoiceId int) ([]models.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range r.events {
		if ev.InvoiceId != nil && *ev.InvoiceId == invoiceId {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *memRepo) CreateRecommendation(ctx context.Context, rec *models.Recommendation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = len(r.recs) + 1
	r.recs = append(r.recs, *rec)
	return nil
}

func (r *memRepo) ListRecommendations(ctx context.Context, invoiceId int) ([]models.Recommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Recommendation
	for _, rec := range r.recs {
		if rec.InvoiceId == invoiceId {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) CreateModelTraining(ctx context.Context, mt *models.ModelTraining) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mt.ID = len(r.trainings) + 1
	r.trainings = append(r.trainings, *mt)
	return nil
}

func (r *memRepo) Transaction(ctx context.Context, fn func(tx models.Repository) error) error {
	r.mu.Lock()
	invoices := make(map[int]models.Invoice, len(r.invoices))
	for k, v := range r.invoices {
		invoices[k] = v
	}
	suppliers := make(map[string]models.Supplier, len(r.suppliers))
	for k, v := range r.suppliers {
		suppliers[k] = v
	}
	nextSupplier := r.nextSupplier
	events := append([]models.AuditEvent(nil), r.events...)
	recs := append([]models.Recommendation(nil), r.recs...)
	trainings := append([]models.ModelTraining(nil), r.trainings...)
	r.mu.Unlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.invoices, r.suppliers, r.nextSupplier = invoices, suppliers, nextSupplier
		r.events, r.recs, r.trainings = events, recs, trainings
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memRepo) invoice(t *testing.T, id int) models.Invoice {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		t.Fatalf("invoice %d missing", id)
	}
	return inv
}

func (r *memRepo) actions(invoiceId int) []string {
	events, _ := r.ListAuditEvents(context.Background(), invoiceId)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Action)
	}
	return out
}

type fakeDocuments struct {
	data map[string][]byte
	err  error
}

func (d *fakeDocuments) Read(ctx context.Context, ref string) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	b, ok := d.data[ref]
	if !ok {
		return nil, utils.ErrorDocumentNotFound
	}
	return b, nil
}

// fakeExtractor returns texts in order, repeating the last one.
type fakeExtractor struct {
	results   []ocr.Result
	calls     int
	onExtract func()
}

func (x *fakeExtractor) Extract(ctx context.Context, name string, data []byte) ocr.Result {
	if ocr.IsPDF(name, data) {
		return ocr.Result{Text: ocr.PDFSentinel, Kind: ocr.ResultPDFSkipped}
	}
	i := x.calls
	if i >= len(x.results) {
		i = len(x.results) - 1
	}
	x.calls++
	if x.onExtract != nil {
		x.onExtract()
	}
	return x.results[i]
}

func recognized(text string) ocr.Result {
	return ocr.Result{Text: text, Engine: "fake", Kind: ocr.ResultRecognized}
}

type fakeClassifier struct {
	result     classifier.Result
	onClassify func()
}

func (c *fakeClassifier) Classify(text string) classifier.Result {
	if c.onClassify != nil {
		c.onClassify()
	}
	return c.result
}

// downLocker fails every Lock as an unreachable backend.
type downLocker struct{}

func (downLocker) Lock(ctx context.Context, invoiceId int) (func(), error) {
	return nil, fmt.Errorf("%w: dial tcp 10.0.0.5:6379: connection refused", ErrLockUnavailable)
}

type fakeTrainer struct {
	report classifier.TrainReport
	err    error
	pairs  []classifier.Pair
}

func (f *fakeTrainer) Train(pairs []classifier.Pair) (classifier.TrainReport, error) {
	f.pairs = pairs
	return f.report, f.err
}

type recordingDispatcher struct {
	tasks []config.PipelineTask
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task config.PipelineTask) error {
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func uploadedInvoice(id int) models.Invoice {
	return models.Invoice{ID: id, File: "invoices/a.png", OriginalFilename: "a.png", Status: models.InvoiceStatusUploaded}
}

func newTestPipeline(repo *memRepo, x TextExtractor, cls classifier.Result) *Pipeline {
	return &Pipeline{
		Repo:       repo,
		Documents:  &fakeDocuments{data: map[string][]byte{"invoices/a.png": []byte("png"), "invoices/b.pdf": []byte("%PDF-1.4")}},
		Extractor:  x,
		Classifier: &fakeClassifier{result: cls},
		Scorer:     &fraud.Scorer{Now: func() time.Time { return fixedNow }},
		Predictor:  predictor.New(),
		Locker:     NewLocalInvoiceLocker(),
		Logger:     quietLogger(),
		Now:        func() time.Time { return fixedNow },
	}
}

var errBoom = errors.New("storage unavailable")
