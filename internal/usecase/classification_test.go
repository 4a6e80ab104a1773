package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/icba-classifier/internal/imageprocessor"
	"github.com/example/icba-classifier/internal/repository"
	"github.com/example/icba-classifier/internal/storage"
)

const testClasses = 21

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if v, ok := value.(string); ok {
		s.setValues = append(s.setValues, v)
	}
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	err := error(redis.Nil)
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	} else if value != "" {
		err = nil
	}
	return value, err
}

type stubScorer struct {
	probs  []float32
	err    error
	calls  int
	shapes [][]int64
}

func (s *stubScorer) Score(ctx context.Context, in imageprocessor.Tensor) ([]float32, error) {
	s.calls++
	s.shapes = append(s.shapes, in.Shape)
	if s.err != nil {
		return nil, s.err
	}
	return s.probs, nil
}

func (s *stubScorer) Close() error { return nil }

type stubRegistry struct {
	registered []*repository.UploadRecord
	released   []string
	stale      []string
	staleErr   error
	releaseErr error
}

func (s *stubRegistry) Register(ctx context.Context, rec *repository.UploadRecord) error {
	s.registered = append(s.registered, rec)
	return nil
}

func (s *stubRegistry) Release(ctx context.Context, key string) error {
	s.released = append(s.released, key)
	return s.releaseErr
}

func (s *stubRegistry) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.stale, s.staleErr
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func peaked(index int, p float32) []float32 {
	probs := make([]float32, testClasses)
	rest := (1 - p) / float32(testClasses-1)
	for i := range probs {
		probs[i] = rest
	}
	probs[index] = p
	return probs
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: 120, B: uint8(y * 40), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestStore(t *testing.T) *storage.LocalStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func putUpload(t *testing.T, store *storage.LocalStore, key string, data []byte) {
	t.Helper()
	if _, err := store.Save(context.Background(), key, bytes.NewReader(data)); err != nil {
		t.Fatalf("save upload: %v", err)
	}
}

func newClassifier(store storage.Store, scorer imageprocessor.Scorer, cache Cache, registry UploadRegistry) *ClassificationUseCase {
	return NewClassificationUseCase(store, scorer, cache, registry, nil, ClassificationOptions{
		ImageSize:  224,
		NumClasses: testClasses,
		CacheTTL:   time.Minute,
	}, zap.NewNop())
}

func TestClassifyReturnsArgmaxAndConfidence(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "leaf.png", pngBytes(t))
	scorer := &stubScorer{probs: peaked(5, 0.87)}
	registry := &stubRegistry{}

	result, err := newClassifier(store, scorer, nil, registry).Classify(context.Background(), "leaf.png")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.ClassIndex != 5 || result.Confidence != 87 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !result.OK() || result.ErrorMessage != "" {
		t.Fatalf("expected clean success, got %+v", result)
	}
	if len(scorer.shapes) != 1 || scorer.shapes[0][1] != 224 || scorer.shapes[0][3] != 3 {
		t.Fatalf("unexpected tensor shape %v", scorer.shapes)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "leaf.png")); !os.IsNotExist(err) {
		t.Fatalf("expected upload to be deleted, stat err = %v", err)
	}
	if len(registry.released) != 1 || registry.released[0] != "leaf.png" {
		t.Fatalf("expected upload to be released, got %v", registry.released)
	}
}

func TestClassifyEmptyKey(t *testing.T) {
	scorer := &stubScorer{}
	result, err := newClassifier(newTestStore(t), scorer, nil, nil).Classify(context.Background(), "")
	if !errors.Is(err, ErrNoFilename) {
		t.Fatalf("expected ErrNoFilename, got %v", err)
	}
	if result.ErrorMessage != "Please select a file to classify" || result.OK() {
		t.Fatalf("unexpected result %+v", result)
	}
	if scorer.calls != 0 {
		t.Fatalf("scorer should not run")
	}
}

func TestClassifyMissingUpload(t *testing.T) {
	registry := &stubRegistry{}
	for _, key := range []string{"missing.jpg", "../etc/passwd"} {
		result, err := newClassifier(newTestStore(t), &stubScorer{}, nil, registry).Classify(context.Background(), key)
		if !errors.Is(err, ErrFileNotFound) {
			t.Fatalf("%q: expected ErrFileNotFound, got %v", key, err)
		}
		if result.ErrorMessage != "This file no longer exists" {
			t.Fatalf("%q: unexpected message %q", key, result.ErrorMessage)
		}
	}
	if len(registry.released) != 0 {
		t.Fatalf("nothing was opened, nothing should be released: %v", registry.released)
	}
}

func TestClassifyUndecodableUploadIsDeleted(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "notes.txt", []byte("definitely not an image"))
	scorer := &stubScorer{probs: peaked(1, 0.5)}

	result, err := newClassifier(store, scorer, nil, nil).Classify(context.Background(), "notes.txt")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if result.ErrorMessage != "Unsupported format" {
		t.Fatalf("unexpected message %q", result.ErrorMessage)
	}
	if scorer.calls != 0 {
		t.Fatalf("scorer should not run for undecodable input")
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "notes.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected upload to be deleted, stat err = %v", err)
	}
}

func TestClassifyAcceptsWebP(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "imageprocessor", "testdata", "leaf.webp"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	store := newTestStore(t)
	putUpload(t, store, "rose.webp", data)
	scorer := &stubScorer{probs: peaked(9, 0.75)}

	result, err := newClassifier(store, scorer, nil, nil).Classify(context.Background(), "rose.webp")
	if err != nil {
		t.Fatalf("expected webp to classify, got %v", err)
	}
	if result.ClassIndex != 9 || result.Confidence != 75 || scorer.calls != 1 {
		t.Fatalf("unexpected result %+v (calls=%d)", result, scorer.calls)
	}
}

func TestClassifyScorerFailureIsInternal(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "leaf.png", pngBytes(t))
	scorer := &stubScorer{err: errors.New("runtime crashed")}

	result, err := newClassifier(store, scorer, nil, nil).Classify(context.Background(), "leaf.png")
	if err == nil || IsUserError(err) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if result.ErrorMessage != "Classification failed" {
		t.Fatalf("unexpected message %q", result.ErrorMessage)
	}
	if _, statErr := os.Stat(filepath.Join(store.Dir(), "leaf.png")); !os.IsNotExist(statErr) {
		t.Fatalf("expected upload to be deleted after failure")
	}
}

func TestClassifyRejectsWrongOutputLength(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "leaf.png", pngBytes(t))
	scorer := &stubScorer{probs: []float32{0.1, 0.9}}

	_, err := newClassifier(store, scorer, nil, nil).Classify(context.Background(), "leaf.png")
	if err == nil || IsUserError(err) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestClassifySecondCallReportsMissing(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "leaf.png", pngBytes(t))
	uc := newClassifier(store, &stubScorer{probs: peaked(3, 0.6)}, nil, nil)

	if _, err := uc.Classify(context.Background(), "leaf.png"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := uc.Classify(context.Background(), "leaf.png"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("second call: expected ErrFileNotFound, got %v", err)
	}
}

func TestClassifyStoresPredictionInCache(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "leaf.png", pngBytes(t))
	cache := &stubCache{}

	if _, err := newClassifier(store, &stubScorer{probs: peaked(5, 0.87)}, cache, nil).Classify(context.Background(), "leaf.png"); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(cache.setKeys) != 1 || !strings.HasPrefix(cache.setKeys[0], "prediction:") {
		t.Fatalf("unexpected cache keys %v", cache.setKeys)
	}
	if len(cache.getKeys) != 1 || cache.getKeys[0] != cache.setKeys[0] {
		t.Fatalf("expected lookup on the same key, got %v and %v", cache.getKeys, cache.setKeys)
	}
	var payload cachedPrediction
	if err := json.Unmarshal([]byte(cache.setValues[0]), &payload); err != nil {
		t.Fatalf("decode cached value: %v", err)
	}
	if payload.ClassIndex != 5 || payload.Confidence != 87 {
		t.Fatalf("unexpected cached payload %+v", payload)
	}
}

func TestClassifyCacheHitSkipsScorer(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "leaf.png", pngBytes(t))
	cached, _ := json.Marshal(cachedPrediction{ClassIndex: 12, Confidence: 64})
	cache := &stubCache{getValues: []string{string(cached)}}
	scorer := &stubScorer{probs: peaked(5, 0.87)}

	result, err := newClassifier(store, scorer, cache, nil).Classify(context.Background(), "leaf.png")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.ClassIndex != 12 || result.Confidence != 64 {
		t.Fatalf("expected cached result, got %+v", result)
	}
	if scorer.calls != 0 {
		t.Fatalf("scorer should not run on cache hit")
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "leaf.png")); !os.IsNotExist(err) {
		t.Fatalf("expected upload to be deleted on cache hit")
	}
}

func TestClassifyCacheFailureDoesNotFailRequest(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "leaf.png", pngBytes(t))
	cache := &stubCache{
		getErrs: []error{errors.New("connection refused")},
		setErrs: []error{transientRedisError{}, transientRedisError{}, transientRedisError{}},
	}

	result, err := newClassifier(store, &stubScorer{probs: peaked(2, 0.99)}, cache, nil).Classify(context.Background(), "leaf.png")
	if err != nil {
		t.Fatalf("expected success despite cache errors, got %v", err)
	}
	if result.ClassIndex != 2 || result.Confidence != 99 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(cache.setKeys) != 3 {
		t.Fatalf("expected transient set errors to be retried 3 times, got %d", len(cache.setKeys))
	}
}

func TestClassifyIgnoresCorruptCacheEntry(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "leaf.png", pngBytes(t))
	cache := &stubCache{getValues: []string{"{not json"}}
	scorer := &stubScorer{probs: peaked(7, 0.4)}

	result, err := newClassifier(store, scorer, cache, nil).Classify(context.Background(), "leaf.png")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.ClassIndex != 7 || scorer.calls != 1 {
		t.Fatalf("expected fresh score, got %+v (calls=%d)", result, scorer.calls)
	}
}

type failingRemoveStore struct {
	storage.Store
}

func (s failingRemoveStore) Remove(ctx context.Context, key string) error {
	return errors.New("read-only filesystem")
}

func TestClassifyRemoveFailureStillReturnsPrediction(t *testing.T) {
	store := newTestStore(t)
	putUpload(t, store, "leaf.png", pngBytes(t))

	result, err := newClassifier(failingRemoveStore{store}, &stubScorer{probs: peaked(0, 0.5)}, nil, nil).Classify(context.Background(), "leaf.png")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.ClassIndex != 0 || result.Confidence != 50 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestMessage(t *testing.T) {
	cases := map[error]string{
		ErrNoFilename:        "Please select a file to classify",
		ErrFileNotFound:      "This file no longer exists",
		ErrUnsupportedFormat: "Unsupported format",
		io.ErrUnexpectedEOF:  "Classification failed",
	}
	for err, want := range cases {
		if got := Message(err); got != want {
			t.Fatalf("Message(%v) = %q, want %q", err, got, want)
		}
	}
}
