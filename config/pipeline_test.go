package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadPipelineConfigDefaults(t *testing.T) {
	for _, k := range []string{
		"PIPELINE_WORKERS", "PIPELINE_QUEUE_SIZE", "PIPELINE_MAX_ATTEMPTS",
		"PIPELINE_RETRY_DELAY_SECONDS", "PIPELINE_LOCK_TTL_SECONDS", "STORAGE_PROVIDER",
		"MEDIA_ROOT", "AI_MODEL_DIR", "OCR_LANGUAGES",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadPipelineConfig()
	if cfg.Workers != 4 || cfg.QueueSize != 100 {
		t.Fatalf("unexpected pool sizing: %+v", cfg)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.RetryDelay != 60*time.Second {
		t.Fatalf("expected 60s retry delay, got %s", cfg.RetryDelay)
	}
	if cfg.StorageProvider != "local" || cfg.MediaRoot != "media" || cfg.ModelDir != "ai_models" {
		t.Fatalf("unexpected storage defaults: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.OCRLanguages, []string{"vie", "eng"}) {
		t.Fatalf("unexpected languages: %v", cfg.OCRLanguages)
	}
}

func TestLoadPipelineConfigOverrides(t *testing.T) {
	t.Setenv("PIPELINE_WORKERS", "0")
	t.Setenv("PIPELINE_MAX_ATTEMPTS", "5")
	t.Setenv("PIPELINE_RETRY_DELAY_SECONDS", "2")
	t.Setenv("STORAGE_PROVIDER", "GCS")
	t.Setenv("OCR_LANGUAGES", "vie, eng")

	cfg := LoadPipelineConfig()
	if cfg.Workers != 1 {
		t.Fatalf("expected workers clamped to 1, got %d", cfg.Workers)
	}
	if cfg.MaxAttempts != 5 || cfg.RetryDelay != 2*time.Second {
		t.Fatalf("unexpected retry config: %+v", cfg)
	}
	if cfg.StorageProvider != "gcs" {
		t.Fatalf("expected lower-cased provider, got %q", cfg.StorageProvider)
	}
	if !reflect.DeepEqual(cfg.OCRLanguages, []string{"vie", "eng"}) {
		t.Fatalf("unexpected languages: %v", cfg.OCRLanguages)
	}
}

func TestDecodePipelineTask(t *testing.T) {
	task, err := DecodePipelineTask([]byte(`{"invoice_id":7,"correlation_id":"abc"}`))
	if err != nil {
		t.Fatalf("DecodePipelineTask: %v", err)
	}
	if task.InvoiceId != 7 || task.Attempt != 1 || task.CorrelationId != "abc" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := DecodePipelineTask([]byte(`{"invoice_id":0}`)); err == nil {
		t.Fatalf("expected error for missing invoice id")
	}
	if _, err := DecodePipelineTask([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
