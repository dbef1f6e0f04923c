package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"wrapserver/internal/domain"
)

func TestWithTransform(t *testing.T) {
	c := domain.Correction{RotationDegrees: 90, OutputWidth: 1024, OutputHeight: 768}
	got := WithTransform("https://cdn.example.com/wraps/ai-generated/a.png", c)
	want := "https://cdn.example.com/wraps/ai-generated/a.png?x-oss-process=image/rotate,90/resize,w_1024,h_768"
	if got != want {
		t.Fatalf("transform url mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestWithTransformExistingQuery(t *testing.T) {
	c := domain.Correction{RotationDegrees: 180, OutputWidth: 1024, OutputHeight: 1024}
	got := WithTransform("https://cdn.example.com/a.png?v=2", c)
	want := "https://cdn.example.com/a.png?v=2&x-oss-process=image/rotate,180/resize,w_1024,h_1024"
	if got != want {
		t.Fatalf("transform url mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestFileStorePut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://localhost:8080/static/")
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	url, err := store.Put(context.Background(), "wraps/ai-generated/test.png", []byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if url != "http://localhost:8080/static/wraps/ai-generated/test.png" {
		t.Fatalf("unexpected url: %s", url)
	}
	data, err := os.ReadFile(filepath.Join(dir, "wraps", "ai-generated", "test.png"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("unexpected content: %s", data)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://localhost:8080/static")
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	if _, err := store.Put(context.Background(), "../escape.png", []byte("x"), "image/png"); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
}
