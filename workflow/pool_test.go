package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/ocr"
)

func testPool(runner PipelineRunner, queueSize int) *PipelineWorkerPool {
	p := NewPipelineWorkerPool(runner, quietLogger(), config.PipelineConfig{
		Workers:     1,
		QueueSize:   queueSize,
		MaxAttempts: 3,
		RetryDelay:  time.Minute,
	})
	p.LockRetryDelay = time.Second
	p.MaxLockDeferrals = 2
	return p
}

func TestRetryCeilingStopsAfterThreeAttempts(t *testing.T) {
	repo := newMemRepo(uploadedInvoice(1))
	p := newTestPipeline(repo, &fakeExtractor{results: []ocr.Result{recognized(sampleInvoice)}}, electricity)
	p.Documents = &fakeDocuments{err: errBoom}
	pool := testPool(p, 10)

	task := config.PipelineTask{InvoiceId: 1, Attempt: 1, CorrelationId: "c-1"}
	for i := 1; i <= 3; i++ {
		next, delay, ok := pool.handle(context.Background(), task)
		if i < 3 {
			if !ok || next.Attempt != i+1 || delay != time.Minute {
				t.Fatalf("attempt %d: expected retry %d after 1m, got ok=%v attempt=%d delay=%s", i, i+1, ok, next.Attempt, delay)
			}
			task = next
			continue
		}
		if ok {
			t.Fatalf("expected no fourth attempt, got %+v", next)
		}
	}

	inv := repo.invoice(t, 1)
	if inv.Status != models.InvoiceStatusIntegrationError {
		t.Fatalf("expected INTEGRATION_ERROR, got %s", inv.Status)
	}
	events, _ := repo.ListAuditEvents(context.Background(), 1)
	var attempts []int
	for _, ev := range events {
		if ev.Action == models.AuditActionSystemError {
			attempts = append(attempts, ev.Details["attempt"].(int))
		}
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 3 {
		t.Fatalf("expected SYSTEM_ERROR attempts [1 2 3], got %v", attempts)
	}
	if events[0].Details["correlation_id"] != "c-1" {
		t.Fatalf("expected correlation id on audit details, got %v", events[0].Details)
	}
}

func TestParseMissIsNotRetried(t *testing.T) {
	repo := newMemRepo(uploadedInvoice(1))
	x := &fakeExtractor{results: []ocr.Result{{Text: ocr.NoContentSentinel, Kind: ocr.ResultNoContent}}}
	pool := testPool(newTestPipeline(repo, x, electricity), 10)

	if _, _, ok := pool.handle(context.Background(), config.PipelineTask{InvoiceId: 1, Attempt: 1}); ok {
		t.Fatalf("REJECTED outcome must not be retried")
	}
	if repo.invoice(t, 1).Status != models.InvoiceStatusRejected {
		t.Fatalf("expected REJECTED")
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	pool := testPool(newTestPipeline(newMemRepo(), &fakeExtractor{results: []ocr.Result{recognized("")}}, electricity), 10)
	if _, _, ok := pool.handle(context.Background(), config.PipelineTask{InvoiceId: 5, Attempt: 1}); ok {
		t.Fatalf("not-found must not be retried")
	}
}

func TestLockedInvoiceIsDeferredWithSameAttempt(t *testing.T) {
	repo := newMemRepo(uploadedInvoice(1))
	p := newTestPipeline(repo, &fakeExtractor{results: []ocr.Result{recognized(sampleInvoice)}}, electricity)
	unlock, _ := p.Locker.Lock(context.Background(), 1)
	defer unlock()
	pool := testPool(p, 10)

	task := config.PipelineTask{InvoiceId: 1, Attempt: 2}
	next, delay, ok := pool.handle(context.Background(), task)
	if !ok || next.Attempt != 2 || next.Deferrals != 1 || delay != time.Second {
		t.Fatalf("expected deferral with same attempt, got ok=%v %+v %s", ok, next, delay)
	}
	next, _, ok = pool.handle(context.Background(), next)
	if !ok || next.Deferrals != 2 {
		t.Fatalf("expected second deferral, got ok=%v %+v", ok, next)
	}
	if _, _, ok := pool.handle(context.Background(), next); ok {
		t.Fatalf("expected task dropped after max deferrals")
	}
	for _, action := range repo.actions(1) {
		if action == models.AuditActionSystemError {
			t.Fatalf("lock contention must not be recorded as a system error")
		}
	}
}

func TestLockOutageDefersThenRecordsFailure(t *testing.T) {
	repo := newMemRepo(uploadedInvoice(1))
	p := newTestPipeline(repo, &fakeExtractor{results: []ocr.Result{recognized(sampleInvoice)}}, electricity)
	p.Locker = downLocker{}
	pool := testPool(p, 10)

	task := config.PipelineTask{InvoiceId: 1, Attempt: 1}
	for i := 1; i <= 2; i++ {
		next, delay, ok := pool.handle(context.Background(), task)
		if !ok || next.Attempt != 1 || next.Deferrals != i || delay != time.Second {
			t.Fatalf("deferral %d: expected same attempt, got ok=%v %+v %s", i, ok, next, delay)
		}
		if repo.invoice(t, 1).Status != models.InvoiceStatusUploaded {
			t.Fatalf("deferral %d must not write the invoice", i)
		}
		task = next
	}
	if _, _, ok := pool.handle(context.Background(), task); ok {
		t.Fatalf("expected task dropped after max deferrals")
	}

	inv := repo.invoice(t, 1)
	if inv.Status != models.InvoiceStatusIntegrationError {
		t.Fatalf("expected INTEGRATION_ERROR, got %s", inv.Status)
	}
	if got := repo.actions(1); len(got) != 1 || got[0] != models.AuditActionSystemError {
		t.Fatalf("expected one SYSTEM_ERROR, got %v", got)
	}
}

type countingRunner struct {
	done chan int
}

func (r *countingRunner) Run(ctx context.Context, invoiceId int, attempt int) (*RunResult, error) {
	r.done <- invoiceId
	return &RunResult{InvoiceId: invoiceId}, nil
}

func TestEnqueueIsBounded(t *testing.T) {
	pool := testPool(&countingRunner{done: make(chan int, 4)}, 1)
	if err := pool.Enqueue(config.PipelineTask{InvoiceId: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := pool.Enqueue(config.PipelineTask{InvoiceId: 2}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	pool.Stop()
	if err := pool.Enqueue(config.PipelineTask{InvoiceId: 3}); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}

func TestWorkersDrainQueue(t *testing.T) {
	runner := &countingRunner{done: make(chan int, 4)}
	pool := testPool(runner, 4)
	pool.Workers = 2

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(finished)
	}()

	for i := 1; i <= 3; i++ {
		if err := pool.Dispatch(ctx, config.PipelineTask{InvoiceId: i}); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	seen := map[int]bool{}
	for len(seen) < 3 {
		select {
		case id := <-runner.done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, processed %v", seen)
		}
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop after cancel")
	}
}
