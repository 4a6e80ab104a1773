package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/icba-classifier/internal/logging"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis. Missing keys return redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

type cachedPrediction struct {
	ClassIndex int       `json:"class_index"`
	Confidence int       `json:"confidence"`
	CachedAt   time.Time `json:"cached_at"`
}

// predictionCache stores predictions by image content hash. A nil Cache
// disables it.
type predictionCache struct {
	cache          Cache
	ttl            time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newPredictionCache(cache Cache, ttl time.Duration, logger *zap.Logger) *predictionCache {
	return &predictionCache{
		cache:          cache,
		ttl:            ttl,
		logger:         logger,
		retryAttempts:  3,
		initialBackoff: 20 * time.Millisecond,
		maxBackoff:     200 * time.Millisecond,
	}
}

func predictionKey(hash string) string {
	return fmt.Sprintf("prediction:%s", hash)
}

// load returns the cached prediction for hash. Misses and cache failures
// both report ok=false; failures are only logged.
func (p *predictionCache) load(ctx context.Context, requestID, hash string) (cachedPrediction, bool) {
	if p == nil || p.cache == nil {
		return cachedPrediction{}, false
	}

	var raw string
	err := p.withRetry(ctx, requestID, "cache.get.prediction", func() error {
		value, err := p.cache.Get(ctx, predictionKey(hash))
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(p.logger, "cache.get.prediction", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return cachedPrediction{}, false
	}

	var payload cachedPrediction
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		logging.WithOperation(p.logger, "cache.get.prediction", requestID).Warn("failed to decode cached prediction", zap.Error(err))
		return cachedPrediction{}, false
	}
	return payload, true
}

func (p *predictionCache) store(ctx context.Context, requestID, hash string, classIndex, confidence int) {
	if p == nil || p.cache == nil {
		return
	}

	serialized, err := json.Marshal(cachedPrediction{
		ClassIndex: classIndex,
		Confidence: confidence,
		CachedAt:   time.Now().UTC(),
	})
	if err != nil {
		logging.WithOperation(p.logger, "cache.set.prediction", requestID).Warn("failed to serialize prediction", zap.Error(err))
		return
	}

	if err := p.withRetry(ctx, requestID, "cache.set.prediction", func() error {
		return p.cache.Set(ctx, predictionKey(hash), string(serialized), p.ttl)
	}); err != nil {
		logging.WithOperation(p.logger, "cache.set.prediction", requestID).Warn("failed to cache prediction", zap.Error(err))
	}
}

func (p *predictionCache) withRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	backoff := p.initialBackoff
	opLogger := logging.WithOperation(p.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < p.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}
		if !isTransientError(err) {
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
