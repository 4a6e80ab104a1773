package usecase

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/icba-classifier/internal/storage"
)

func TestUploadGeneratesUniqueKeys(t *testing.T) {
	store := newTestStore(t)
	registry := &stubRegistry{}
	uc := NewUploadUseCase(store, storage.KeyPolicy{}, registry, zap.NewNop())

	first, err := uc.Upload(context.Background(), "Leaf.JPG", strings.NewReader("a"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	second, err := uc.Upload(context.Background(), "Leaf.JPG", strings.NewReader("b"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct keys, got %q twice", first)
	}
	if filepath.Ext(first) != ".jpg" {
		t.Fatalf("expected lowercased extension, got %q", first)
	}
	if len(registry.registered) != 2 || registry.registered[0].OriginalName != "Leaf.JPG" || registry.registered[0].Size != 1 {
		t.Fatalf("unexpected registrations %+v", registry.registered)
	}

	rc, err := store.Open(context.Background(), first)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "a" {
		t.Fatalf("unexpected stored content %q", data)
	}
}

func TestUploadPreservesSanitizedFilename(t *testing.T) {
	uc := NewUploadUseCase(newTestStore(t), storage.KeyPolicy{PreserveFilenames: true}, nil, zap.NewNop())

	key, err := uc.Upload(context.Background(), "../../tomato leaf.png", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "tomato_leaf.png" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestUploadRejectsEmptyFilename(t *testing.T) {
	uc := NewUploadUseCase(newTestStore(t), storage.KeyPolicy{}, nil, zap.NewNop())

	for _, name := range []string{"", "../"} {
		if _, err := uc.Upload(context.Background(), name, strings.NewReader("x")); !errors.Is(err, ErrNoFilename) {
			t.Fatalf("%q: expected ErrNoFilename, got %v", name, err)
		}
	}
}

func TestUploadThenClassify(t *testing.T) {
	store := newTestStore(t)
	registry := NewDirectoryRegistry(store)
	up := NewUploadUseCase(store, storage.KeyPolicy{}, registry, zap.NewNop())

	key, err := up.Upload(context.Background(), "leaf.png", strings.NewReader(string(pngBytes(t))))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	result, err := newClassifier(store, &stubScorer{probs: peaked(5, 0.87)}, nil, registry).Classify(context.Background(), key)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.ClassIndex != 5 || result.Confidence != 87 {
		t.Fatalf("unexpected result %+v", result)
	}
	stale, err := registry.FindStale(context.Background(), time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no uploads left, got %v", stale)
	}
}
