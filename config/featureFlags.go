package config

import (
	"os"
	"strings"
)

// VisionOCREnabled toggles the cloud OCR engine in front of the local one.
//
// Set via env:
// - VISION_OCR_ENABLED=false to force local-only recognition
//
// Default is enabled; the engine is still skipped when no credentials load.
func VisionOCREnabled() bool {
	return boolFromEnv("VISION_OCR_ENABLED", true)
}

// SkipMigrations disables AutoMigrate on startup (run them as a separate job instead).
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS", false)
}

// UsePubSubQueue reports whether triggers are published to Pub/Sub instead of the in-process pool.
func UsePubSubQueue() bool {
	return strings.TrimSpace(os.Getenv("PUBSUB_PIPELINE_TOPIC")) != ""
}
