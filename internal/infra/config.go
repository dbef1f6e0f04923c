package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	LogLevel    string
	DatabaseURL string
	JWTSecret   string
	DBMaxConns  int
	DBMinConns  int

	// Credit pipeline.
	GenerationCost        int
	MaxReferenceImages    int
	MaxReferenceBytes     int
	ReferenceUploadStrict bool
	ReferenceHostAllow    []string

	// Object storage. Backend is "filesystem" or "s3".
	StorageBackend string
	StoragePath    string
	StorageBaseURL string
	MaskBaseURL    string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UseSSL       bool

	// Inference backend.
	InferenceAPIKey  string
	InferenceBaseURL string
	InferenceModel   string
	InferenceTimeout time.Duration

	// Status endpoint cache/throttle.
	RedisAddr           string
	RedisPassword       string
	StatusRetryAfterSec int
	StatusThrottle      time.Duration
	StatusCacheTTL      time.Duration

	GeoIPDBPath string

	// Stale-task reaper. Zero max age disables the sweep.
	StaleTaskMaxAge     time.Duration
	StaleTaskSweepLimit int
	StaleTaskSweepEvery time.Duration

	AllowedOrigins []string
	DefaultLocale  string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", ""),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),
		DBMinConns:  getEnvInt("DB_MIN_CONNS", 1),

		GenerationCost:        getEnvInt("GENERATION_COST_CREDITS", 10),
		MaxReferenceImages:    getEnvInt("MAX_REFERENCE_IMAGES", 3),
		MaxReferenceBytes:     getEnvInt("MAX_REFERENCE_IMAGE_BYTES", 1536*1024),
		ReferenceUploadStrict: getEnvBool("REFERENCE_UPLOAD_STRICT", false),
		ReferenceHostAllow:    splitHosts(os.Getenv("REFERENCE_HOST_ALLOWLIST")),

		StorageBackend: getEnv("STORAGE_BACKEND", "filesystem"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		MaskBaseURL:    getEnv("MASK_BASE_URL", "http://localhost:8080/static"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3Bucket:       getEnv("S3_BUCKET", "wraps"),
		S3UseSSL:       getEnvBool("S3_USE_SSL", true),

		InferenceAPIKey:  os.Getenv("INFERENCE_API_KEY"),
		InferenceBaseURL: getEnv("INFERENCE_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		InferenceModel:   getEnv("INFERENCE_MODEL", "gemini-2.0-flash-exp"),
		InferenceTimeout: time.Second * time.Duration(getEnvInt("INFERENCE_TIMEOUT_SECONDS", 60)),

		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		StatusRetryAfterSec: getEnvInt("STATUS_RETRY_AFTER_SECONDS", 5),
		StatusThrottle:      time.Millisecond * time.Duration(getEnvInt("STATUS_THROTTLE_WINDOW_MS", 3000)),
		StatusCacheTTL:      time.Millisecond * time.Duration(getEnvInt("STATUS_CACHE_TTL_MS", 3000)),

		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		StaleTaskMaxAge:     time.Second * time.Duration(getEnvInt("STALE_TASK_MAX_AGE_SECONDS", 0)),
		StaleTaskSweepLimit: getEnvInt("STALE_TASK_SWEEP_LIMIT", 50),
		StaleTaskSweepEvery: time.Second * time.Duration(getEnvInt("STALE_TASK_SWEEP_INTERVAL_SECONDS", 60)),

		AllowedOrigins: splitHosts(os.Getenv("CORS_ALLOWED_ORIGINS")),
		DefaultLocale:  getEnv("DEFAULT_LOCALE", "en"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 90)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.StorageBackend == "s3" && (cfg.S3Endpoint == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "") {
		return nil, fmt.Errorf("S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY are required for the s3 backend")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitHosts(raw string) []string {
	var hosts []string
	for _, part := range strings.Split(raw, ",") {
		if host := strings.TrimSpace(part); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}
