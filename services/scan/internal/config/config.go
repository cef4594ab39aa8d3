package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, relative to the working directory.
const ConfigPath = "config.yaml"

// Status cache backends.
const (
	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string   `yaml:"port"`
	LogLevel                  string   `yaml:"logLevel"`
	DatabaseURL               string   `yaml:"databaseURL"`
	RedisAddr                 string   `yaml:"redisAddr"`
	RedisPassword             string   `yaml:"redisPassword"`
	MinioEndpoint             string   `yaml:"minioEndpoint"`
	MinioAccessKey            string   `yaml:"minioAccessKey"`
	MinioSecretKey            string   `yaml:"minioSecretKey"`
	MinioBucket               string   `yaml:"minioBucket"`
	MinioUseSSL               bool     `yaml:"minioUseSSL"`
	MinioRegion               string   `yaml:"minioRegion"`
	MinioPublicBaseURL        string   `yaml:"minioPublicBaseURL"`
	RecognitionURL            string   `yaml:"recognitionURL"`
	RecognitionTimeoutSeconds int      `yaml:"recognitionTimeoutSeconds"`
	NotifyURL                 string   `yaml:"notifyURL"`
	AuthJWKSURL               string   `yaml:"authJwksURL"`
	JWTIssuer                 string   `yaml:"jwtIssuer"`
	JWTAudience               string   `yaml:"jwtAudience"`
	JWTLeeway                 string   `yaml:"jwtLeeway"`
	InternalJWTPrivateKeyPath string   `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTKeyID          string   `yaml:"internalJwtKeyId"`
	QueueName                 string   `yaml:"queueName"`
	QueueGroup                string   `yaml:"queueGroup"`
	QueueConcurrency          int      `yaml:"queueConcurrency"`
	StatusCacheBackend        string   `yaml:"statusCacheBackend"`
	StatusCacheTTLSeconds     int      `yaml:"statusCacheTTLSeconds"`
	MaxUploadBytes            int64    `yaml:"maxUploadBytes"`
	ImageMaxDimension         int      `yaml:"imageMaxDimension"`
	ImageJPEGQuality          int      `yaml:"imageJpegQuality"`
	UploadRateLimitPerMinute  int      `yaml:"uploadRateLimitPerMinute"`
	TrustedProxyCIDRs         []string `yaml:"trustedProxyCidrs"`
}

// Load reads config from path (defaults to config.yaml). A .env file next to
// the working directory is loaded first when present; real environment
// variables win over it.
func Load(path string) (FileConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return FileConfig{}, fmt.Errorf("load .env: %w", err)
	}
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
	applyDefaults(&cfg)
	// Override with environment variables
	if v := os.Getenv("SCAN_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
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
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("SCAN_RECOGNITION_URL"); v != "" {
		cfg.RecognitionURL = v
	}
	if v := os.Getenv("SCAN_RECOGNITION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecognitionTimeoutSeconds = n
		}
	}
	if v := os.Getenv("SCAN_NOTIFY_URL"); v != "" {
		cfg.NotifyURL = v
	}
	if v := os.Getenv("SCAN_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("MODMASTER_INTERNAL_JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.InternalJWTPrivateKeyPath = v
	}
	if v := os.Getenv("MODMASTER_INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if v := os.Getenv("SCAN_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("SCAN_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("SCAN_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("SCAN_STATUS_CACHE_BACKEND"); v != "" {
		cfg.StatusCacheBackend = v
	}
	if v := os.Getenv("SCAN_STATUS_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StatusCacheTTLSeconds = n
		}
	}
	if v := os.Getenv("SCAN_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("SCAN_IMAGE_MAX_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ImageMaxDimension = n
		}
	}
	if v := os.Getenv("SCAN_IMAGE_JPEG_QUALITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ImageJPEGQuality = n
		}
	}
	if v := os.Getenv("SCAN_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SCAN_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	cfg.StatusCacheBackend = strings.ToLower(strings.TrimSpace(cfg.StatusCacheBackend))
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "scans"
	}
	if cfg.RecognitionTimeoutSeconds == 0 {
		cfg.RecognitionTimeoutSeconds = 60
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "modmaster:scan:jobs"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "scan-workers"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 4
	}
	if cfg.StatusCacheBackend == "" {
		cfg.StatusCacheBackend = CacheBackendRedis
	}
	if cfg.StatusCacheTTLSeconds == 0 {
		cfg.StatusCacheTTLSeconds = 10
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.ImageMaxDimension == 0 {
		cfg.ImageMaxDimension = 1920
	}
	if cfg.ImageJPEGQuality == 0 {
		cfg.ImageJPEGQuality = 85
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or SCAN_PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the scan queue (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
		return errors.New("config: minioEndpoint, minioAccessKey and minioSecretKey are required")
	}
	if strings.TrimSpace(cfg.RecognitionURL) == "" {
		return errors.New("config: recognitionURL is required (set in config.yaml or SCAN_RECOGNITION_URL)")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or SCAN_AUTH_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.InternalJWTPrivateKeyPath) == "" {
		return errors.New("config: internal service auth requires MODMASTER_INTERNAL_JWT_PRIVATE_KEY_PATH")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.RecognitionTimeoutSeconds < 0 {
		return errors.New("config: recognitionTimeoutSeconds must be positive")
	}
	if cfg.QueueConcurrency < 1 {
		return errors.New("config: queueConcurrency must be >= 1")
	}
	switch cfg.StatusCacheBackend {
	case CacheBackendRedis, CacheBackendMemory:
	default:
		return fmt.Errorf("config: statusCacheBackend must be %q or %q", CacheBackendRedis, CacheBackendMemory)
	}
	if cfg.StatusCacheTTLSeconds < 1 {
		return errors.New("config: statusCacheTTLSeconds must be >= 1")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.ImageMaxDimension < 0 {
		return errors.New("config: imageMaxDimension must be >= 0")
	}
	if cfg.ImageJPEGQuality < 1 || cfg.ImageJPEGQuality > 100 {
		return errors.New("config: imageJpegQuality must be between 1 and 100")
	}
	if cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: uploadRateLimitPerMinute must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// RecognitionTimeout returns the bounded recognition call timeout.
func (c FileConfig) RecognitionTimeout() time.Duration {
	return time.Duration(c.RecognitionTimeoutSeconds) * time.Second
}

// StatusCacheTTL returns the status cache entry lifetime.
func (c FileConfig) StatusCacheTTL() time.Duration {
	return time.Duration(c.StatusCacheTTLSeconds) * time.Second
}
