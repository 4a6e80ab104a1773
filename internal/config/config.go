package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Scorer backends understood by SCORER_BACKEND.
const (
	BackendONNX   = "onnx"
	BackendTFLite = "tflite"
	BackendGRPC   = "grpc"
)

type Config struct {
	Port            int
	LogLevel        string
	ShutdownTimeout time.Duration

	UploadDir               string
	UploadS3Bucket          string
	UploadS3Prefix          string
	AWSRegion               string
	PreserveUploadFilenames bool
	MaxUploadBytes          int64
	UploadMaxAge            time.Duration
	UploadSweepInterval     time.Duration

	ScorerBackend   string
	ModelPath       string
	ModelInputName  string
	ModelOutputName string
	ONNXRuntimeLib  string
	ScorerAddr      string
	NumClasses      int
	ImageSize       int

	RedisAddr          string
	PredictionCacheTTL time.Duration

	DatabaseDriver string
	DatabaseDSN    string

	LabelsDir string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:            getEnvAsInt("PORT", 8080),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		UploadDir:               getEnv("UPLOAD_DIR", "uploads"),
		UploadS3Bucket:          getEnv("UPLOAD_S3_BUCKET", ""),
		UploadS3Prefix:          getEnv("UPLOAD_S3_PREFIX", "uploads/"),
		AWSRegion:               getEnv("AWS_REGION", "us-east-1"),
		PreserveUploadFilenames: getEnvAsBool("PRESERVE_UPLOAD_FILENAMES", false),
		MaxUploadBytes:          getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
		UploadMaxAge:            getEnvAsDuration("UPLOAD_MAX_AGE", 30*time.Minute),
		UploadSweepInterval:     getEnvAsDuration("UPLOAD_SWEEP_INTERVAL", 5*time.Minute),

		ScorerBackend:   strings.ToLower(getEnv("SCORER_BACKEND", BackendONNX)),
		ModelPath:       getEnv("MODEL_PATH", filepath.Join("static", "models", "icba", "model.onnx")),
		ModelInputName:  getEnv("MODEL_INPUT_NAME", "input"),
		ModelOutputName: getEnv("MODEL_OUTPUT_NAME", "output"),
		ONNXRuntimeLib:  getEnv("ONNXRUNTIME_LIB", ""),
		ScorerAddr:      getEnv("SCORER_ADDR", "scorer:50051"),
		NumClasses:      getEnvAsInt("NUM_CLASSES", 21),
		ImageSize:       getEnvAsInt("IMAGE_SIZE", 224),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		PredictionCacheTTL: getEnvAsDuration("PREDICTION_CACHE_TTL", 10*time.Minute),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:    getEnv("DATABASE_DSN", ""),

		LabelsDir: getEnv("LABELS_DIR", ""),
	}
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("90s", "5m").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
