package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/icba-classifier/internal/metrics"
	"github.com/example/icba-classifier/internal/storage"
)

const sweepBatchSize = 500

// Janitor deletes uploads that were stored but never classified.
type Janitor struct {
	store    storage.Store
	registry UploadRegistry
	metrics  *metrics.Metrics
	logger   *zap.Logger
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
}

// NewJanitor constructs a janitor sweeping every interval for uploads older than maxAge.
func NewJanitor(store storage.Store, registry UploadRegistry, m *metrics.Metrics, interval, maxAge time.Duration, logger *zap.Logger) *Janitor {
	if registry == nil {
		registry = nopRegistry{}
	}
	return &Janitor{
		store:    store,
		registry: registry,
		metrics:  m,
		logger:   logger.Named("janitor"),
		interval: interval,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.logger.Warn("upload sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep removes one batch of stale uploads and returns how many were deleted.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.maxAge)
	keys, err := j.registry.FindStale(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		err := j.store.Remove(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrNotExist) {
			j.logger.Warn("failed to delete stale upload", zap.String("key", key), zap.Error(err))
			continue
		}
		if err := j.registry.Release(ctx, key); err != nil {
			j.logger.Warn("failed to release stale upload", zap.String("key", key), zap.Error(err))
		}
		if err == nil {
			removed++
		}
	}

	if removed > 0 {
		j.logger.Info("removed stale uploads", zap.Int("count", removed))
	}
	j.metrics.AddSwept(removed)
	return removed, nil
}
