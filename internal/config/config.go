package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreBackend string `yaml:"storeBackend"`
	DatabaseURL  string `yaml:"databaseURL"`
	EmbeddingDim int    `yaml:"embeddingDim"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	QueueStream            string `yaml:"queueStream"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	ReservationBackend string `yaml:"reservationBackend"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	EmbedderProvider string `yaml:"embedderProvider"`
	EmbedderModel    string `yaml:"embedderModel"`
	ChunkMaxChars    int    `yaml:"chunkMaxChars"`

	CleanupPollSeconds  int `yaml:"cleanupPollSeconds"`
	CleanupSweepSeconds int `yaml:"cleanupSweepSeconds"`
	JobMaxRetries       int `yaml:"jobMaxRetries"`

	ScoreThreshold      float64             `yaml:"scoreThreshold"`
	ProtectedNamespaces []string            `yaml:"protectedNamespaces"`
	Synonyms            map[string][]string `yaml:"synonyms"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
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
	// Override with environment variables
	if v := os.Getenv("STACHE_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("STACHE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STACHE_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STACHE_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("STACHE_QUEUE_STREAM"); v != "" {
		cfg.QueueStream = v
	}
	if v := os.Getenv("STACHE_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("STACHE_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("STACHE_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("STACHE_QUEUE_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueRetryDelaySeconds = n
		}
	}
	if v := os.Getenv("STACHE_RESERVATION_BACKEND"); v != "" {
		cfg.ReservationBackend = v
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
		if useSSL, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = useSSL
		}
	}
	if v := os.Getenv("STACHE_EMBEDDER_PROVIDER"); v != "" {
		cfg.EmbedderProvider = v
	}
	if v := os.Getenv("STACHE_EMBEDDER_MODEL"); v != "" {
		cfg.EmbedderModel = v
	}
	if v := os.Getenv("STACHE_CHUNK_MAX_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkMaxChars = n
		}
	}
	if v := os.Getenv("STACHE_CLEANUP_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CleanupPollSeconds = n
		}
	}
	if v := os.Getenv("STACHE_CLEANUP_SWEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CleanupSweepSeconds = n
		}
	}
	if v := os.Getenv("STACHE_JOB_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobMaxRetries = n
		}
	}
	if v := os.Getenv("STACHE_SCORE_THRESHOLD"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ScoreThreshold = n
		}
	}
	if v := os.Getenv("STACHE_PROTECTED_NAMESPACES"); v != "" {
		cfg.ProtectedNamespaces = splitList(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreBackend {
	case "", "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres backend (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeBackend %q (postgres or memory)", cfg.StoreBackend)
	}
	switch cfg.ReservationBackend {
	case "", "store":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis reservation backend")
		}
	default:
		return fmt.Errorf("config: unknown reservationBackend %q (store or redis)", cfg.ReservationBackend)
	}
	if cfg.QueueStream != "" && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when queueStream is set (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.EmbeddingDim < 0 {
		return errors.New("config: embeddingDim must be >= 0")
	}
	if cfg.ChunkMaxChars < 0 {
		return errors.New("config: chunkMaxChars must be >= 0")
	}
	if cfg.QueueMaxRetries < 0 {
		return errors.New("config: queueMaxRetries must be >= 0")
	}
	if cfg.JobMaxRetries < 0 {
		return errors.New("config: jobMaxRetries must be >= 0")
	}
	if cfg.ScoreThreshold < 0 || cfg.ScoreThreshold > 1 {
		return errors.New("config: scoreThreshold must be between 0 and 1")
	}
	if cfg.MinioEndpoint != "" {
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minio requires minioAccessKey, minioSecretKey, and minioBucket")
		}
	}
	return nil
}
