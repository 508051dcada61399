package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/utils"
	"github.com/sirupsen/logrus"
)

// Dispatcher hands a pipeline task to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task config.PipelineTask) error
}

type PipelineRunner interface {
	Run(ctx context.Context, invoiceId int, attempt int) (*RunResult, error)
}

// FailureRecorder is implemented by runners that can mark an invoice failed without running it.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, invoiceId, attempt int, cause error) error
}

// PipelineWorkerPool executes pipeline tasks on a fixed number of workers fed by a bounded
// queue. Failed runs are re-queued after RetryDelay until MaxAttempts is reached. A run that
// finds the invoice locked, or its lock backend down, is re-queued with the same attempt after
// LockRetryDelay. A backend that stays down past MaxLockDeferrals is recorded as a failure.
type PipelineWorkerPool struct {
	Runner   PipelineRunner
	Logger   *logrus.Logger
	WorkerId string

	Workers          int
	MaxAttempts      int
	RetryDelay       time.Duration
	LockRetryDelay   time.Duration
	MaxLockDeferrals int
	RunTimeout       time.Duration

	tasks   chan config.PipelineTask
	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
}

func NewPipelineWorkerPool(runner PipelineRunner, logger *logrus.Logger, cfg config.PipelineConfig) *PipelineWorkerPool {
	return &PipelineWorkerPool{
		Runner:           runner,
		Logger:           logger,
		WorkerId:         uuid.NewString(),
		Workers:          cfg.Workers,
		MaxAttempts:      cfg.MaxAttempts,
		RetryDelay:       cfg.RetryDelay,
		LockRetryDelay:   5 * time.Second,
		MaxLockDeferrals: 12,
		RunTimeout:       10 * time.Minute,
		tasks:            make(chan config.PipelineTask, cfg.QueueSize),
		timers:           map[*time.Timer]struct{}{},
	}
}

// Enqueue never blocks; a full queue is reported as ErrQueueFull.
func (p *PipelineWorkerPool) Enqueue(task config.PipelineTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *PipelineWorkerPool) Dispatch(ctx context.Context, task config.PipelineTask) error {
	return p.Enqueue(task)
}

// Run starts the workers and blocks until ctx is cancelled and in-flight runs finish.
func (p *PipelineWorkerPool) Run(ctx context.Context) {
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.work(ctx, fmt.Sprintf("%s-%d", p.WorkerId, n))
		}(i)
	}
	wg.Wait()
}

// Stop rejects new tasks and drops scheduled retries.
func (p *PipelineWorkerPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = map[*time.Timer]struct{}{}
}

func (p *PipelineWorkerPool) work(ctx context.Context, workerId string) {
	// runs are not cancelled mid-way; shutdown waits for them
	runCtx := utils.SetWorkerIdInContext(context.WithoutCancel(ctx), workerId)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			if next, delay, ok := p.handle(runCtx, task); ok {
				p.schedule(next, delay)
			}
		}
	}
}

// handle runs one task and returns the follow-up task when one is due.
func (p *PipelineWorkerPool) handle(ctx context.Context, task config.PipelineTask) (config.PipelineTask, time.Duration, bool) {
	if task.CorrelationId == "" {
		task.CorrelationId = uuid.NewString()
	}
	ctx = utils.SetCorrelationIdInContext(ctx, task.CorrelationId)
	if task.RequestedBy != nil {
		ctx = utils.SetUserIdInContext(ctx, *task.RequestedBy)
	}
	if p.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.RunTimeout)
		defer cancel()
	}

	entry := p.entry(task)
	_, err := p.Runner.Run(ctx, task.InvoiceId, task.Attempt)
	switch {
	case err == nil:
		return config.PipelineTask{}, 0, false
	case errors.Is(err, ErrRunInProgress):
		if task.Deferrals >= p.MaxLockDeferrals {
			entry.Warn("invoice still locked, dropping task")
			return config.PipelineTask{}, 0, false
		}
		next := task
		next.Deferrals++
		return next, p.LockRetryDelay, true
	case errors.Is(err, ErrLockUnavailable):
		if task.Deferrals >= p.MaxLockDeferrals {
			entry.Error("invoice lock unavailable, giving up: " + err.Error())
			if r, ok := p.Runner.(FailureRecorder); ok {
				if rerr := r.RecordFailure(ctx, task.InvoiceId, task.Attempt, err); rerr != nil && !errors.Is(rerr, err) {
					entry.Error("record lock failure: " + rerr.Error())
				}
			}
			return config.PipelineTask{}, 0, false
		}
		entry.Warn("invoice lock unavailable, deferring: " + err.Error())
		next := task
		next.Deferrals++
		return next, p.LockRetryDelay, true
	case !isRetryable(err):
		entry.Warn("pipeline task not retried: " + err.Error())
		return config.PipelineTask{}, 0, false
	case task.Attempt >= p.MaxAttempts:
		entry.Error("pipeline gave up after max attempts: " + err.Error())
		return config.PipelineTask{}, 0, false
	}

	next := task
	next.Attempt++
	next.Deferrals = 0
	next.EnqueuedAt = time.Now().UTC()
	entry.Warn(fmt.Sprintf("pipeline attempt failed, retrying in %s: %v", p.RetryDelay, err))
	return next, p.RetryDelay, true
}

func (p *PipelineWorkerPool) schedule(task config.PipelineTask, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		err := p.Enqueue(task)
		if errors.Is(err, ErrQueueFull) {
			p.entry(task).Warn("queue full, postponing retry")
			p.schedule(task, p.RetryDelay)
		}
	})
	p.timers[t] = struct{}{}
}

func (p *PipelineWorkerPool) entry(task config.PipelineTask) *logrus.Entry {
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":          "PipelineWorkerPool",
		"invoice_id":     task.InvoiceId,
		"attempt":        task.Attempt,
		"deferrals":      task.Deferrals,
		"correlation_id": task.CorrelationId,
	})
}

// PubSubDispatcher publishes tasks for cmd/ocr-worker to consume.
type PubSubDispatcher struct {
	Topic string
}

func (d *PubSubDispatcher) Dispatch(ctx context.Context, task config.PipelineTask) error {
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	_, err := config.PublishPipelineTask(ctx, d.Topic, task)
	return err
}
