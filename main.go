package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/icba-classifier/internal/config"
	"github.com/example/icba-classifier/internal/grpcclient"
	"github.com/example/icba-classifier/internal/handlers"
	"github.com/example/icba-classifier/internal/imageprocessor"
	"github.com/example/icba-classifier/internal/labels"
	"github.com/example/icba-classifier/internal/logging"
	"github.com/example/icba-classifier/internal/metrics"
	"github.com/example/icba-classifier/internal/model"
	"github.com/example/icba-classifier/internal/repository"
	"github.com/example/icba-classifier/internal/storage"
	"github.com/example/icba-classifier/internal/usecase"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	catalog, err := labels.Load(cfg.LabelsDir, cfg.NumClasses)
	if err != nil {
		logger.Fatal("failed to load disease labels", zap.Error(err))
	}
	logger.Info("disease labels loaded", zap.Int("classes", catalog.Len()), zap.String("dir", cfg.LabelsDir))

	store, localStore, err := initStorage(cfg)
	if err != nil {
		logger.Fatal("failed to initialise upload storage", zap.Error(err))
	}

	scorer, err := initScorer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to load classifier", zap.String("backend", cfg.ScorerBackend), zap.Error(err))
	}
	defer scorer.Close()

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = usecase.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger))
	}

	registry := initRegistry(ctx, cfg, localStore, logger)

	m := metrics.New(prometheus.DefaultRegisterer)

	classifier := usecase.NewClassificationUseCase(store, scorer, cache, registry, m, usecase.ClassificationOptions{
		ImageSize:  cfg.ImageSize,
		NumClasses: cfg.NumClasses,
		CacheTTL:   cfg.PredictionCacheTTL,
	}, logger)
	uploader := usecase.NewUploadUseCase(store, storage.KeyPolicy{PreserveFilenames: cfg.PreserveUploadFilenames}, registry, logger)

	runCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	if registry != nil {
		janitor := usecase.NewJanitor(store, registry, m, cfg.UploadSweepInterval, cfg.UploadMaxAge, logger)
		go janitor.Run(runCtx)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(handlers.RequestID(), handlers.RequestLogger(logger, m), handlers.Recovery(logger))

	h := handlers.NewHandler(classifier, uploader, catalog, logger)
	if err := handlers.RegisterRoutes(r, h, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		MetricsHandler: promhttp.Handler(),
	}); err != nil {
		logger.Fatal("failed to register routes", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("ICBA classifier listening",
		zap.String("addr", cfg.Addr()),
		zap.String("scorer_backend", cfg.ScorerBackend),
		zap.Bool("cache_enabled", cache != nil),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initStorage returns the upload store. The local store is also returned when
// uploads live on disk, nil otherwise.
func initStorage(cfg *config.Config) (storage.Store, *storage.LocalStore, error) {
	if cfg.UploadS3Bucket != "" {
		s3Store, err := storage.NewS3Store(cfg.AWSRegion, cfg.UploadS3Bucket, cfg.UploadS3Prefix)
		return s3Store, nil, err
	}
	local, err := storage.NewLocalStore(cfg.UploadDir)
	if err != nil {
		return nil, nil, err
	}
	return local, local, nil
}

func initScorer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (imageprocessor.Scorer, error) {
	switch cfg.ScorerBackend {
	case config.BackendONNX:
		return model.NewONNXScorer(model.ONNXConfig{
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.ONNXRuntimeLib,
			InputName:   cfg.ModelInputName,
			OutputName:  cfg.ModelOutputName,
			ImageSize:   cfg.ImageSize,
			NumClasses:  cfg.NumClasses,
		})
	case config.BackendTFLite:
		return model.NewTFLiteScorer(cfg.ModelPath, cfg.NumClasses)
	case config.BackendGRPC:
		return grpcclient.DialScorer(ctx, cfg.ScorerAddr, cfg.NumClasses, logger)
	default:
		return nil, fmt.Errorf("unknown scorer backend %q", cfg.ScorerBackend)
	}
}

// initRegistry picks the upload registry: the database when a DSN is set,
// the upload directory otherwise. Returns nil when neither is available.
func initRegistry(ctx context.Context, cfg *config.Config, localStore *storage.LocalStore, logger *zap.Logger) usecase.UploadRegistry {
	if cfg.DatabaseDSN != "" {
		db, err := repository.OpenDatabase(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		repo := repository.NewUploadRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		return repo
	}
	if localStore != nil {
		return usecase.NewDirectoryRegistry(localStore)
	}
	logger.Warn("no upload registry configured, abandoned uploads will not be swept")
	return nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
