package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/invoice_backend/classifier"
	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/fraud"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/ocr"
	"github.com/mmdatafocus/invoice_backend/predictor"
	"github.com/mmdatafocus/invoice_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Runtime is the wired pipeline shared by the API server and the OCR worker.
type Runtime struct {
	Config     config.PipelineConfig
	Classifier *classifier.Classifier
	Pipeline   *Pipeline
	Pool       *PipelineWorkerPool
	Service    *InvoiceService

	closers []io.Closer
}

type RuntimeOptions struct {
	Config config.PipelineConfig
	Repo   models.Repository
	Logger *logrus.Logger
	// RedisLock is preferred; without it DB advisory locks serialize runs.
	RedisLock *redislock.Client
	DB        *gorm.DB
	// Publish routes triggers through Pub/Sub instead of the local pool.
	Publish bool
}

func BuildRuntime(ctx context.Context, opts RuntimeOptions) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	rt := &Runtime{Config: cfg}

	var locker InvoiceLocker
	switch {
	case opts.RedisLock != nil:
		locker = NewRedisInvoiceLocker(opts.RedisLock, cfg.LockTTL, logger)
	case opts.DB != nil:
		locker = NewMySQLInvoiceLocker(opts.DB, logger)
	default:
		return nil, errors.New("invoice locks need redis or a database")
	}

	docs, err := utils.NewDocumentReader(ctx, cfg.StorageProvider, cfg.MediaRoot, cfg.GCSBucket)
	if err != nil {
		return nil, fmt.Errorf("document reader: %w", err)
	}
	if c, ok := docs.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}

	var engines []ocr.Engine
	if config.VisionOCREnabled() {
		vision, err := ocr.NewVisionEngine(ctx, cfg.VisionCredentialsPath, cfg.VisionCredentialsJSON, ocr.VisionLanguageHints(cfg.OCRLanguages)...)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "BuildRuntime"}).Warn("cloud OCR disabled: " + err.Error())
		} else {
			engines = append(engines, vision)
			rt.closers = append(rt.closers, vision)
		}
	}
	engines = append(engines, ocr.NewTesseractEngine(cfg.OCRLanguages...))

	rt.Classifier = classifier.New(cfg.ModelDir, logger)
	pred := predictor.New()
	rt.Pipeline = &Pipeline{
		Repo:       opts.Repo,
		Documents:  docs,
		Extractor:  ocr.NewExtractor(logger, engines...),
		Classifier: rt.Classifier,
		Scorer:     fraud.NewScorer(),
		Predictor:  pred,
		Locker:     locker,
		Logger:     logger,
	}
	rt.Pool = NewPipelineWorkerPool(rt.Pipeline, logger, cfg)

	var dispatcher Dispatcher = rt.Pool
	if opts.Publish {
		dispatcher = &PubSubDispatcher{Topic: cfg.PubSubTopic}
	}
	rt.Service = &InvoiceService{
		Repo:       opts.Repo,
		Dispatcher: dispatcher,
		Trainer:    rt.Classifier,
		Predictor:  pred,
		Locker:     locker,
		Logger:     logger,
	}
	return rt, nil
}

// Close releases cloud clients. Stop the pool before calling it.
func (rt *Runtime) Close() {
	for _, c := range rt.closers {
		_ = c.Close()
	}
}
