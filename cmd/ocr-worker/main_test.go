package main

import (
	"io"
	"testing"

	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/workflow"
	"github.com/sirupsen/logrus"
)

type stubPool struct {
	err   error
	tasks []config.PipelineTask
}

func (p *stubPool) Enqueue(task config.PipelineTask) error {
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestAcceptEnqueuesTask(t *testing.T) {
	pool := &stubPool{}
	if !accept(quietLogger(), pool, []byte(`{"invoice_id":7}`), "m-1") {
		t.Fatalf("expected ack")
	}
	if len(pool.tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(pool.tasks))
	}
	got := pool.tasks[0]
	if got.InvoiceId != 7 || got.Attempt != 1 || got.CorrelationId != "m-1" {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestAcceptDropsMalformedPayload(t *testing.T) {
	pool := &stubPool{}
	for _, data := range []string{`not json`, `{"invoice_id":0}`} {
		if !accept(quietLogger(), pool, []byte(data), "m-2") {
			t.Fatalf("%s: malformed payload should be acked", data)
		}
	}
	if len(pool.tasks) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(pool.tasks))
	}
}

func TestAcceptNacksWhenQueueFull(t *testing.T) {
	pool := &stubPool{err: workflow.ErrQueueFull}
	if accept(quietLogger(), pool, []byte(`{"invoice_id":3,"correlation_id":"c"}`), "m-3") {
		t.Fatalf("expected nack on a full queue")
	}
}
