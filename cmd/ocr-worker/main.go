package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/workflow"
	"github.com/sirupsen/logrus"
)

// ocr-worker pulls pipeline tasks from PUBSUB_PIPELINE_SUBSCRIPTION and runs them on the
// local worker pool. The API server publishes to PUBSUB_PIPELINE_TOPIC when it is set.
func main() {
	logger := config.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadPipelineConfig()
	if cfg.PubSubTopic == "" || cfg.PubSubSubscription == "" {
		logger.WithFields(logrus.Fields{"field": "ocr-worker"}).Fatal("PUBSUB_PIPELINE_TOPIC and PUBSUB_PIPELINE_SUBSCRIPTION are required")
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		logger.WithFields(logrus.Fields{"field": "ocr-worker"}).Fatal("database not initialized")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	opts := workflow.RuntimeOptions{
		Config: cfg,
		Repo:   models.NewGormRepository(db),
		Logger: logger,
		DB:     db,
	}
	if config.ConnectRedisWithRetry(ctx, 5) {
		opts.RedisLock = config.GetRedisLock()
		defer config.GetRedisDB().Close()
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis not ready; invoice locks use MySQL GET_LOCK")
	}
	rt, err := workflow.BuildRuntime(ctx, opts)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "runtime"}).Fatal(err.Error())
	}
	defer rt.Close()

	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, cfg.PubSubTopic)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, cfg.PubSubSubscription, topic)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
	}
	// Pulled messages wait in the pool queue, so keep at most one queue's worth outstanding.
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.QueueSize

	poolCtx, cancelPool := context.WithCancel(context.Background())
	var poolWg sync.WaitGroup
	poolWg.Add(1)
	go func() {
		defer poolWg.Done()
		rt.Pool.Run(poolCtx)
	}()

	logger.WithFields(logrus.Fields{
		"field":        "ocr-worker",
		"subscription": cfg.PubSubSubscription,
		"workers":      cfg.Workers,
		"worker_id":    rt.Pool.WorkerId,
	}).Info("ocr worker receiving")

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if accept(logger, rt.Pool, msg.Data, msg.ID) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		config.LogError(logger, "ocr-worker", "main", "Failed to receive messages", nil, err)
	}

	rt.Pool.Stop()
	cancelPool()
	poolWg.Wait()
}

type enqueuer interface {
	Enqueue(task config.PipelineTask) error
}

// accept reports whether the message should be acked. Malformed payloads are acked so they
// are dropped; a task the pool cannot take is nacked so Pub/Sub redelivers it.
func accept(logger *logrus.Logger, pool enqueuer, data []byte, messageId string) bool {
	task, err := config.DecodePipelineTask(data)
	if err != nil {
		config.LogError(logger, "ocr-worker", "accept", "DecodePipelineTask", messageId, err)
		return true
	}
	if task.CorrelationId == "" {
		task.CorrelationId = messageId
	}
	if err := pool.Enqueue(task); err != nil {
		logger.WithFields(logrus.Fields{
			"field":          "ocr-worker",
			"invoice_id":     task.InvoiceId,
			"correlation_id": task.CorrelationId,
			"message_id":     messageId,
		}).Warn("pipeline task not accepted: " + err.Error())
		return false
	}
	return true
}
