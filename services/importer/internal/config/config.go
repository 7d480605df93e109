package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is read when neither a path nor CHATVAULT_CONFIG is given.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string `yaml:"port"`
	LogLevel                  string `yaml:"logLevel"`
	LogsDir                   string `yaml:"logsDir"`
	DatabaseURL               string `yaml:"databaseURL"`
	RedisAddr                 string `yaml:"redisAddr"`
	RedisPassword             string `yaml:"redisPassword"`
	QueueName                 string `yaml:"queueName"`
	QueueGroup                string `yaml:"queueGroup"`
	QueueConcurrency          int    `yaml:"queueConcurrency"`
	QueueMaxAttempts          int    `yaml:"queueMaxAttempts"`
	QueueRetryDelaySeconds    int    `yaml:"queueRetryDelaySeconds"`
	QueueMaxRetryDelaySeconds int    `yaml:"queueMaxRetryDelaySeconds"`
	InternalJWTSecret         string `yaml:"internalJwtSecret"`
	ScratchDir                string `yaml:"scratchDir"`
	MediaBackend              string `yaml:"mediaBackend"`
	MediaDir                  string `yaml:"mediaDir"`
	MinioEndpoint             string `yaml:"minioEndpoint"`
	MinioAccessKey            string `yaml:"minioAccessKey"`
	MinioSecretKey            string `yaml:"minioSecretKey"`
	MinioBucket               string `yaml:"minioBucket"`
	MinioUseSSL               bool   `yaml:"minioUseSSL"`
	ThumbnailWidth            int    `yaml:"thumbnailWidth"`
	ThumbnailQuality          int    `yaml:"thumbnailQuality"`
	ThumbnailConcurrency      int    `yaml:"thumbnailConcurrency"`
	FFmpegPath                string `yaml:"ffmpegPath"`
	FFmpegTimeoutSeconds      int    `yaml:"ffmpegTimeoutSeconds"`
	PersistBatchSize          int    `yaml:"persistBatchSize"`
	MaxArchiveBytes           int64  `yaml:"maxArchiveBytes"`
	Timezone                  string `yaml:"timezone"`
	AMQPURL                   string `yaml:"amqpURL"`
	AMQPExchange              string `yaml:"amqpExchange"`
	EnqueueRateLimit          int    `yaml:"enqueueRateLimit"`
	EnqueueRateWindowSeconds  int    `yaml:"enqueueRateWindowSeconds"`
}

const (
	MediaBackendFilesystem = "filesystem"
	MediaBackendMinio      = "minio"
)

// Load reads config from path, falling back to CHATVAULT_CONFIG and then
// config.yaml. A .env file in the working directory is loaded first when
// present; variables already set win over it.
func Load(path string) (FileConfig, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path == "" {
		path = os.Getenv("CHATVAULT_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaults() FileConfig {
	return FileConfig{
		Port:                      "8086",
		LogLevel:                  "info",
		QueueName:                 "chatvault:imports",
		QueueGroup:                "importers",
		QueueConcurrency:          2,
		QueueMaxAttempts:          3,
		QueueRetryDelaySeconds:    5,
		QueueMaxRetryDelaySeconds: 300,
		MediaBackend:              MediaBackendFilesystem,
		MediaDir:                  "data/media",
		ThumbnailWidth:            300,
		ThumbnailQuality:          80,
		ThumbnailConcurrency:      2,
		FFmpegPath:                "ffmpeg",
		FFmpegTimeoutSeconds:      30,
		PersistBatchSize:          1000,
		Timezone:                  "UTC",
		AMQPExchange:              "chatvault.imports",
		EnqueueRateWindowSeconds:  3600,
	}
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("CHATVAULT_INTERNAL_JWT_SECRET"); v != "" {
		cfg.InternalJWTSecret = v
	}
	if v := os.Getenv("CHATVAULT_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("CHATVAULT_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	envInt("CHATVAULT_QUEUE_CONCURRENCY", &cfg.QueueConcurrency)
	envInt("CHATVAULT_QUEUE_MAX_ATTEMPTS", &cfg.QueueMaxAttempts)
	envInt("CHATVAULT_QUEUE_RETRY_DELAY_SECONDS", &cfg.QueueRetryDelaySeconds)
	envInt("CHATVAULT_QUEUE_MAX_RETRY_DELAY_SECONDS", &cfg.QueueMaxRetryDelaySeconds)
	if v := os.Getenv("CHATVAULT_SCRATCH_DIR"); v != "" {
		cfg.ScratchDir = v
	}
	if v := os.Getenv("CHATVAULT_MEDIA_BACKEND"); v != "" {
		cfg.MediaBackend = v
	}
	if v := os.Getenv("CHATVAULT_MEDIA_DIR"); v != "" {
		cfg.MediaDir = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	envInt("CHATVAULT_THUMBNAIL_WIDTH", &cfg.ThumbnailWidth)
	envInt("CHATVAULT_THUMBNAIL_QUALITY", &cfg.ThumbnailQuality)
	envInt("CHATVAULT_THUMBNAIL_CONCURRENCY", &cfg.ThumbnailConcurrency)
	if v := os.Getenv("CHATVAULT_FFMPEG_PATH"); v != "" {
		cfg.FFmpegPath = v
	}
	envInt("CHATVAULT_FFMPEG_TIMEOUT_SECONDS", &cfg.FFmpegTimeoutSeconds)
	envInt("CHATVAULT_PERSIST_BATCH_SIZE", &cfg.PersistBatchSize)
	if v := os.Getenv("CHATVAULT_MAX_ARCHIVE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxArchiveBytes = n
		}
	}
	if v := os.Getenv("CHATVAULT_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	envInt("CHATVAULT_ENQUEUE_RATE_LIMIT", &cfg.EnqueueRateLimit)
	envInt("CHATVAULT_ENQUEUE_RATE_WINDOW_SECONDS", &cfg.EnqueueRateWindowSeconds)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if strings.TrimSpace(cfg.InternalJWTSecret) == "" {
		return errors.New("config: internal service auth requires CHATVAULT_INTERNAL_JWT_SECRET")
	}
	if cfg.QueueConcurrency <= 0 {
		return errors.New("config: queueConcurrency must be > 0")
	}
	if cfg.QueueMaxAttempts <= 0 {
		return errors.New("config: queueMaxAttempts must be > 0")
	}
	if cfg.QueueRetryDelaySeconds < 0 || cfg.QueueMaxRetryDelaySeconds < 0 {
		return errors.New("config: queue retry delays must be >= 0")
	}
	switch cfg.MediaBackend {
	case MediaBackendFilesystem:
		if strings.TrimSpace(cfg.MediaDir) == "" {
			return errors.New("config: mediaDir is required when mediaBackend=filesystem")
		}
	case MediaBackendMinio:
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required when mediaBackend=minio")
		}
	default:
		return fmt.Errorf("config: unknown mediaBackend %q (filesystem or minio)", cfg.MediaBackend)
	}
	if cfg.ThumbnailWidth <= 0 {
		return errors.New("config: thumbnailWidth must be > 0")
	}
	if cfg.ThumbnailQuality <= 0 || cfg.ThumbnailQuality > 100 {
		return errors.New("config: thumbnailQuality must be between 1 and 100")
	}
	if cfg.ThumbnailConcurrency <= 0 {
		return errors.New("config: thumbnailConcurrency must be > 0")
	}
	if cfg.FFmpegTimeoutSeconds < 0 {
		return errors.New("config: ffmpegTimeoutSeconds must be >= 0")
	}
	if cfg.PersistBatchSize <= 0 {
		return errors.New("config: persistBatchSize must be > 0")
	}
	if cfg.MaxArchiveBytes < 0 {
		return errors.New("config: maxArchiveBytes must be >= 0")
	}
	if cfg.EnqueueRateLimit < 0 {
		return errors.New("config: enqueueRateLimit must be >= 0")
	}
	if cfg.EnqueueRateLimit > 0 && cfg.EnqueueRateWindowSeconds <= 0 {
		return errors.New("config: enqueueRateWindowSeconds must be > 0 when enqueueRateLimit is set")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", cfg.Timezone, err)
	}
	return nil
}

// Location returns the zone transcript times are read in.
func (c FileConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
