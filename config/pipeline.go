package config

import (
	"strings"
	"time"
)

// PipelineConfig collects the env-driven knobs of the OCR pipeline.
type PipelineConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	LockTTL     time.Duration

	StorageProvider string
	MediaRoot       string
	GCSBucket       string

	ModelDir     string
	OCRLanguages []string

	VisionCredentialsPath string
	VisionCredentialsJSON string

	PubSubTopic        string
	PubSubSubscription string
}

// LoadPipelineConfig reads the pipeline configuration.
//
// Env:
// - PIPELINE_WORKERS (default 4)
// - PIPELINE_QUEUE_SIZE (default 100)
// - PIPELINE_MAX_ATTEMPTS (default 3)
// - PIPELINE_RETRY_DELAY_SECONDS (default 60)
// - PIPELINE_LOCK_TTL_SECONDS (default 300)
// - STORAGE_PROVIDER local|gcs (default local), MEDIA_ROOT (default media), GCS_BUCKET
// - AI_MODEL_DIR (default ai_models)
// - OCR_LANGUAGES (default vie+eng)
// - GOOGLE_VISION_CREDENTIALS (path) or VISION_CREDENTIALS_JSON
// - PUBSUB_PIPELINE_TOPIC, PUBSUB_PIPELINE_SUBSCRIPTION
func LoadPipelineConfig() PipelineConfig {
	cfg := PipelineConfig{
		Workers:               intFromEnv("PIPELINE_WORKERS", 4),
		QueueSize:             intFromEnv("PIPELINE_QUEUE_SIZE", 100),
		MaxAttempts:           intFromEnv("PIPELINE_MAX_ATTEMPTS", 3),
		RetryDelay:            time.Duration(intFromEnv("PIPELINE_RETRY_DELAY_SECONDS", 60)) * time.Second,
		LockTTL:               time.Duration(intFromEnv("PIPELINE_LOCK_TTL_SECONDS", 300)) * time.Second,
		StorageProvider:       strings.ToLower(stringFromEnv("STORAGE_PROVIDER", "local")),
		MediaRoot:             stringFromEnv("MEDIA_ROOT", "media"),
		GCSBucket:             stringFromEnv("GCS_BUCKET", ""),
		ModelDir:              stringFromEnv("AI_MODEL_DIR", "ai_models"),
		OCRLanguages:          splitLanguages(stringFromEnv("OCR_LANGUAGES", "vie+eng")),
		VisionCredentialsPath: stringFromEnv("GOOGLE_VISION_CREDENTIALS", ""),
		VisionCredentialsJSON: stringFromEnv("VISION_CREDENTIALS_JSON", ""),
		PubSubTopic:           stringFromEnv("PUBSUB_PIPELINE_TOPIC", ""),
		PubSubSubscription:    stringFromEnv("PUBSUB_PIPELINE_SUBSCRIPTION", ""),
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return cfg
}

// splitLanguages accepts tesseract's "vie+eng" form as well as commas.
func splitLanguages(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == '+' || r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
