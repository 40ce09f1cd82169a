// Package config loads service configuration from an optional YAML file
// with environment variable overrides. Environment wins over file, file
// wins over defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Index     IndexConfig     `yaml:"index"`
	Quality   QualityConfig   `yaml:"quality"`
	Blob      BlobConfig      `yaml:"blob"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxPhotoMB   int           `yaml:"max_photo_mb"`
}

type DatabaseConfig struct {
	// Driver selects the backing store: "postgres" or "memory".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
	Name   string `yaml:"name"`
}

// DSN returns the connection string with the configured database name
// applied. URL-form strings get their path replaced; keyword-form DSNs
// get a dbname parameter appended.
func (d DatabaseConfig) DSN() string {
	if d.Name == "" {
		return d.URL
	}
	if u, err := url.Parse(d.URL); err == nil && u.Scheme != "" {
		u.Path = "/" + d.Name
		return u.String()
	}
	return d.URL + " dbname=" + d.Name
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	MaxRetries    int           `yaml:"max_retries"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// ProcessingTimeout is the per-stage budget.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
}

type DedupConfig struct {
	VerificationThreshold float64 `yaml:"verification_threshold"`
	HighBand              float64 `yaml:"high_band"`
	BorderlineMargin      float64 `yaml:"borderline_margin"`
	TopK                  int     `yaml:"top_k"`
}

type IndexConfig struct {
	Dim            int    `yaml:"embedding_dim"`
	NList          int    `yaml:"nlist"`
	NProbe         int    `yaml:"nprobe"`
	TrainThreshold int    `yaml:"train_threshold"`
	Dir            string `yaml:"dir"`
}

type QualityConfig struct {
	MinFaceSize      int     `yaml:"min_face_size"`
	BlurThreshold    float64 `yaml:"blur_threshold"`
	QualityThreshold float64 `yaml:"quality_threshold"`
}

type BlobConfig struct {
	Dir           string        `yaml:"dir"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Base         float64       `yaml:"base"`
}

type WebhookConfig struct {
	Workers int `yaml:"workers"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxPhotoMB:   10,
		},
		Database: DatabaseConfig{Driver: "memory"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Pipeline: PipelineConfig{
			Workers:           4,
			QueueCapacity:     10000,
			MaxRetries:        3,
			CacheTTL:          time.Hour,
			ShutdownGrace:     30 * time.Second,
			ProcessingTimeout: 10 * time.Second,
		},
		Dedup: DedupConfig{
			VerificationThreshold: 0.85,
			HighBand:              0.95,
			BorderlineMargin:      0.02,
			TopK:                  10,
		},
		Index: IndexConfig{
			Dim:            512,
			NList:          100,
			NProbe:         10,
			TrainThreshold: 100,
			Dir:            "data/index",
		},
		Quality: QualityConfig{
			MinFaceSize:      80,
			BlurThreshold:    100,
			QualityThreshold: 0.7,
		},
		Blob: BlobConfig{
			Dir:           "data/photos",
			SweepInterval: time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   100,
			Window:  time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			SuccessThreshold: 2,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Base:         2,
		},
		Webhooks: WebhookConfig{Workers: 4},
	}
}

// Load reads the YAML file at path (skipped when empty or missing) and
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("ENROLID_HOST", &c.Server.Host)
	envInt("ENROLID_PORT", &c.Server.Port)
	envInt("ENROLID_MAX_PHOTO_MB", &c.Server.MaxPhotoMB)

	envStr("ENROLID_DB_DRIVER", &c.Database.Driver)
	envStr("ENROLID_DB_URL", &c.Database.URL)
	envStr("DATABASE_URL", &c.Database.URL)
	envStr("ENROLID_DB_NAME", &c.Database.Name)

	envBool("ENROLID_REDIS_ENABLED", &c.Redis.Enabled)
	envStr("ENROLID_REDIS_ADDR", &c.Redis.Addr)
	envStr("ENROLID_REDIS_PASSWORD", &c.Redis.Password)
	envInt("ENROLID_REDIS_DB", &c.Redis.DB)

	envInt("ENROLID_WORKERS", &c.Pipeline.Workers)
	envInt("ENROLID_QUEUE_CAPACITY", &c.Pipeline.QueueCapacity)
	envInt("ENROLID_MAX_RETRIES", &c.Pipeline.MaxRetries)
	envDuration("ENROLID_CACHE_TTL", &c.Pipeline.CacheTTL)
	envDuration("ENROLID_PROCESSING_TIMEOUT", &c.Pipeline.ProcessingTimeout)

	envFloat("ENROLID_VERIFICATION_THRESHOLD", &c.Dedup.VerificationThreshold)
	envFloat("ENROLID_HIGH_BAND", &c.Dedup.HighBand)
	envFloat("ENROLID_BORDERLINE_MARGIN", &c.Dedup.BorderlineMargin)
	envInt("ENROLID_TOP_K", &c.Dedup.TopK)

	envInt("ENROLID_EMBEDDING_DIM", &c.Index.Dim)
	envInt("ENROLID_INDEX_NLIST", &c.Index.NList)
	envInt("ENROLID_INDEX_NPROBE", &c.Index.NProbe)
	envStr("ENROLID_INDEX_DIR", &c.Index.Dir)

	envInt("ENROLID_MIN_FACE_SIZE", &c.Quality.MinFaceSize)
	envFloat("ENROLID_BLUR_THRESHOLD", &c.Quality.BlurThreshold)
	envFloat("ENROLID_QUALITY_THRESHOLD", &c.Quality.QualityThreshold)

	envStr("ENROLID_BLOB_DIR", &c.Blob.Dir)

	envBool("ENROLID_RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	envInt("ENROLID_RATE_LIMIT", &c.RateLimit.Limit)
	envDuration("ENROLID_RATE_WINDOW", &c.RateLimit.Window)

	envInt("ENROLID_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	envDuration("ENROLID_RETRY_INITIAL_DELAY", &c.Retry.InitialDelay)
	envDuration("ENROLID_RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	envFloat("ENROLID_RETRY_BASE", &c.Retry.Base)
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Database.Driver != "memory" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("postgres driver requires a database url")
	}
	if c.Dedup.VerificationThreshold <= 0 || c.Dedup.VerificationThreshold >= 1 {
		return fmt.Errorf("verification threshold must be in (0,1)")
	}
	if c.Dedup.HighBand < c.Dedup.VerificationThreshold {
		return fmt.Errorf("high band must be >= verification threshold")
	}
	// The analyzer contract is fixed at 512 dimensions.
	if c.Index.Dim != 512 {
		return fmt.Errorf("embedding dim must be 512, got %d", c.Index.Dim)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
