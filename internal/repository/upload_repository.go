package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/icba-classifier/internal/logging"
)

// UploadRecord tracks an image that was stored but not yet classified.
type UploadRecord struct {
	ID           uint      `gorm:"primaryKey"`
	StorageKey   string    `gorm:"column:storage_key;uniqueIndex;size:255"`
	OriginalName string    `gorm:"column:original_name;size:255"`
	Size         int64     `gorm:"column:size"`
	CreatedAt    time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (UploadRecord) TableName() string {
	return "pending_uploads"
}

// UploadRepository persists pending upload bookkeeping.
type UploadRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewUploadRepository creates a new repository instance.
func NewUploadRepository(db *gorm.DB, logger *zap.Logger) *UploadRepository {
	return &UploadRepository{
		db:             db,
		logger:         logger.Named("upload_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *UploadRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&UploadRecord{})
	})
}

// Register records a freshly stored upload. Re-registering a key refreshes it.
func (r *UploadRepository) Register(ctx context.Context, rec *UploadRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return r.executeWithRetry(ctx, "repository.register_upload", rec.StorageKey, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("storage_key = ?", rec.StorageKey).Delete(&UploadRecord{}).Error; err != nil {
				return err
			}
			return tx.Create(rec).Error
		})
	})
}

// Release forgets an upload once it has been consumed or swept.
func (r *UploadRepository) Release(ctx context.Context, key string) error {
	return r.executeWithRetry(ctx, "repository.release_upload", key, func() error {
		return r.db.WithContext(ctx).Where("storage_key = ?", key).Delete(&UploadRecord{}).Error
	})
}

// FindStale lists keys of uploads registered before cutoff, oldest first.
func (r *UploadRepository) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var keys []string
	err := r.executeWithRetry(ctx, "repository.find_stale_uploads", "", func() error {
		keys = keys[:0]
		query := r.db.WithContext(ctx).
			Model(&UploadRecord{}).
			Where("created_at < ?", cutoff).
			Order("created_at")
		if limit > 0 {
			query = query.Limit(limit)
		}
		return query.Pluck("storage_key", &keys).Error
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *UploadRepository) executeWithRetry(ctx context.Context, operation, key string, fn func() error) error {
	backoff := r.initialBackoff
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewKeyedError(operation, "", key, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !isTransientError(err) {
			break
		}
		r.logger.Warn("transient database error", zap.String("operation", operation), zap.String("key", key), zap.Int("attempt", attempt+1), zap.Error(err))
	}

	r.logger.Error("database operation failed", zap.String("operation", operation), zap.String("key", key), zap.Error(err))
	return logging.NewKeyedError(operation, "", key, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
