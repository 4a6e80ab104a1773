package usecase

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/example/icba-classifier/internal/logging"
	"github.com/example/icba-classifier/internal/repository"
	"github.com/example/icba-classifier/internal/storage"
)

// UploadUseCase stores incoming images under a fresh storage key.
type UploadUseCase struct {
	store    storage.Store
	policy   storage.KeyPolicy
	registry UploadRegistry
	logger   *zap.Logger
}

// NewUploadUseCase constructs the upload service. registry may be nil.
func NewUploadUseCase(store storage.Store, policy storage.KeyPolicy, registry UploadRegistry, logger *zap.Logger) *UploadUseCase {
	if registry == nil {
		registry = nopRegistry{}
	}
	return &UploadUseCase{
		store:    store,
		policy:   policy,
		registry: registry,
		logger:   logger.Named("upload_usecase"),
	}
}

// Upload writes r to storage and returns the key to classify it with. An empty
// filename yields ErrNoFilename.
func (uc *UploadUseCase) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.upload", requestID)

	if filename == "" {
		return "", ErrNoFilename
	}

	key, err := uc.policy.NewKey(filename)
	if err != nil {
		return "", ErrNoFilename
	}

	size, err := uc.store.Save(ctx, key, r)
	if err != nil {
		return "", logging.NewKeyedError("usecase.save_upload", requestID, key, err)
	}

	rec := &repository.UploadRecord{
		StorageKey:   key,
		OriginalName: filename,
		Size:         size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := uc.registry.Register(ctx, rec); err != nil {
		opLogger.Warn("failed to register upload", zap.String("key", key), zap.Error(err))
	}

	opLogger.Info("upload stored", zap.String("key", key), zap.Int64("size", size))
	return key, nil
}
