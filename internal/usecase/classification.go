package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/example/icba-classifier/internal/imageprocessor"
	"github.com/example/icba-classifier/internal/logging"
	"github.com/example/icba-classifier/internal/metrics"
	"github.com/example/icba-classifier/internal/storage"
)

// User-facing classification failures.
var (
	ErrNoFilename        = errors.New("no filename given")
	ErrFileNotFound      = errors.New("upload no longer exists")
	ErrUnsupportedFormat = errors.New("upload is not a decodable image")
)

// PredictionResult is the outcome of one Classify call. ClassIndex is -1 when
// the call failed, in which case ErrorMessage says why.
type PredictionResult struct {
	ClassIndex   int
	Confidence   int
	ErrorMessage string
}

// OK reports whether the prediction succeeded.
func (r PredictionResult) OK() bool {
	return r.ClassIndex >= 0
}

// Message maps a Classify error to the text shown to users.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNoFilename):
		return "Please select a file to classify"
	case errors.Is(err, ErrFileNotFound):
		return "This file no longer exists"
	case errors.Is(err, ErrUnsupportedFormat):
		return "Unsupported format"
	default:
		return "Classification failed"
	}
}

// IsUserError reports whether err was caused by the request rather than the service.
func IsUserError(err error) bool {
	return errors.Is(err, ErrNoFilename) || errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrUnsupportedFormat)
}

// ClassificationOptions tunes the classifier input and the prediction cache.
type ClassificationOptions struct {
	ImageSize  int
	NumClasses int
	CacheTTL   time.Duration
}

// ClassificationUseCase turns a stored upload into a prediction and removes the upload.
type ClassificationUseCase struct {
	store      storage.Store
	scorer     imageprocessor.Scorer
	registry   UploadRegistry
	cache      *predictionCache
	metrics    *metrics.Metrics
	logger     *zap.Logger
	imageSize  int
	numClasses int
}

// NewClassificationUseCase constructs the inference service. cache, registry
// and m may be nil.
func NewClassificationUseCase(store storage.Store, scorer imageprocessor.Scorer, cache Cache, registry UploadRegistry, m *metrics.Metrics, opts ClassificationOptions, logger *zap.Logger) *ClassificationUseCase {
	if registry == nil {
		registry = nopRegistry{}
	}
	logger = logger.Named("classification_usecase")
	return &ClassificationUseCase{
		store:      store,
		scorer:     scorer,
		registry:   registry,
		cache:      newPredictionCache(cache, opts.CacheTTL, logger),
		metrics:    m,
		logger:     logger,
		imageSize:  opts.ImageSize,
		numClasses: opts.NumClasses,
	}
}

// Classify scores the upload stored under key. Once the upload has been opened
// it is deleted, whatever the outcome.
func (uc *ClassificationUseCase) Classify(ctx context.Context, key string) (PredictionResult, error) {
	start := time.Now()
	requestID := logging.RequestIDFromContext(ctx)

	index, confidence, outcome, err := uc.classify(ctx, requestID, key)
	uc.metrics.ObservePrediction(outcome, index, time.Since(start))
	if err != nil {
		if !IsUserError(err) {
			logging.WithOperation(uc.logger, "usecase.classify", requestID).Error("classification failed", zap.String("key", key), zap.Error(err))
		}
		return PredictionResult{ClassIndex: -1, ErrorMessage: Message(err)}, err
	}

	logging.WithOperation(uc.logger, "usecase.classify", requestID).Info("upload classified",
		zap.String("key", key),
		zap.Int("class_index", index),
		zap.Int("confidence", confidence),
		zap.String("outcome", outcome),
	)
	return PredictionResult{ClassIndex: index, Confidence: confidence}, nil
}

func (uc *ClassificationUseCase) classify(ctx context.Context, requestID, key string) (int, int, string, error) {
	if key == "" {
		return -1, 0, metrics.OutcomeNoFilename, ErrNoFilename
	}

	rc, err := uc.store.Open(ctx, key)
	if errors.Is(err, storage.ErrNotExist) || errors.Is(err, storage.ErrInvalidKey) {
		return -1, 0, metrics.OutcomeNotFound, ErrFileNotFound
	}
	if err != nil {
		return -1, 0, metrics.OutcomeError, logging.NewKeyedError("usecase.open_upload", requestID, key, err)
	}
	defer uc.discard(ctx, requestID, key)

	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return -1, 0, metrics.OutcomeError, logging.NewKeyedError("usecase.read_upload", requestID, key, err)
	}

	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])
	if cached, ok := uc.cache.load(ctx, requestID, hash); ok && cached.ClassIndex >= 0 && cached.ClassIndex < uc.numClasses {
		return cached.ClassIndex, cached.Confidence, metrics.OutcomeCacheHit, nil
	}

	img, err := imageprocessor.Decode(bytes.NewReader(data))
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.decode_upload", requestID).Info("upload is not an image", zap.String("key", key), zap.Error(err))
		return -1, 0, metrics.OutcomeUnsupportedFormat, ErrUnsupportedFormat
	}

	probs, err := uc.scorer.Score(ctx, imageprocessor.ToTensor(img, uc.imageSize))
	if err != nil {
		return -1, 0, metrics.OutcomeError, logging.NewKeyedError("usecase.score", requestID, key, err)
	}
	if err := imageprocessor.CheckOutput(probs, uc.numClasses); err != nil {
		return -1, 0, metrics.OutcomeError, logging.NewKeyedError("usecase.score", requestID, key, err)
	}

	index, maxProb, err := imageprocessor.Argmax(probs)
	if err != nil {
		return -1, 0, metrics.OutcomeError, logging.NewKeyedError("usecase.argmax", requestID, key, err)
	}
	confidence := imageprocessor.ConfidencePercent(maxProb)

	uc.cache.store(ctx, requestID, hash, index, confidence)
	return index, confidence, metrics.OutcomeSuccess, nil
}

// discard deletes a consumed upload even if the request was cancelled.
func (uc *ClassificationUseCase) discard(ctx context.Context, requestID, key string) {
	ctx = context.WithoutCancel(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.discard_upload", requestID)

	if err := uc.store.Remove(ctx, key); err != nil && !errors.Is(err, storage.ErrNotExist) {
		opLogger.Warn("failed to delete upload", zap.String("key", key), zap.Error(err))
	}
	if err := uc.registry.Release(ctx, key); err != nil {
		opLogger.Warn("failed to release upload", zap.String("key", key), zap.Error(err))
	}
}
