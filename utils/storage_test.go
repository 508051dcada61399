package utils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalDocumentReaderRead(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "invoices"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "invoices", "a.png"), []byte("img"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewLocalDocumentReader(root)
	data, err := r.Read(context.Background(), "invoices/a.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "img" {
		t.Fatalf("unexpected data %q", data)
	}

	if _, err := r.Read(context.Background(), "invoices/missing.png"); !errors.Is(err, ErrorDocumentNotFound) {
		t.Fatalf("expected ErrorDocumentNotFound, got %v", err)
	}
}

func TestLocalDocumentReaderStaysInsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "media")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewLocalDocumentReader(root)
	if _, err := r.Read(context.Background(), "../secret.txt"); err == nil {
		t.Fatalf("expected traversal to be contained")
	}
}

func TestNewDocumentReaderRejectsUnknownProvider(t *testing.T) {
	if _, err := NewDocumentReader(context.Background(), "ftp", "", ""); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	r, err := NewDocumentReader(context.Background(), "", "media", "")
	if err != nil {
		t.Fatalf("NewDocumentReader: %v", err)
	}
	if _, ok := r.(*LocalDocumentReader); !ok {
		t.Fatalf("expected local reader, got %T", r)
	}
}

func TestCorrelationIdOrNew(t *testing.T) {
	ctx := SetCorrelationIdInContext(context.Background(), "abc")
	if got := CorrelationIdOrNew(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if got := CorrelationIdOrNew(context.Background()); got == "" {
		t.Fatalf("expected generated id")
	}
	if ActorFromContext(context.Background()) != nil {
		t.Fatalf("expected nil actor")
	}
	if a := ActorFromContext(SetUserIdInContext(context.Background(), 9)); a == nil || *a != 9 {
		t.Fatalf("expected actor 9, got %v", a)
	}
}
