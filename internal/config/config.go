// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Vector   VectorConfig   `mapstructure:"vector"`
	Ollama   OllamaConfig   `mapstructure:"ollama"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Headless HeadlessConfig `mapstructure:"headless"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Report   ReportConfig   `mapstructure:"report"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls the operator HTTP surface.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig points at the relational store. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// VectorConfig configures the similarity index.
type VectorConfig struct {
	StorePath      string `mapstructure:"store_path"`
	Embedder       string `mapstructure:"embedder"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	Dimensions     int    `mapstructure:"dimensions"`
}

// OllamaConfig is the local model backend address.
type OllamaConfig struct {
	APIURL string `mapstructure:"api_url"`
	Model  string `mapstructure:"model"`
}

// LLMConfig controls the analysis stage.
type LLMConfig struct {
	Backend        string `mapstructure:"backend"`
	MaxPromptChars int    `mapstructure:"max_prompt_chars"`
	TimeoutSeconds int    `mapstructure:"timeout_s"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
}

// CacheConfig configures the page cache.
type CacheConfig struct {
	Dir           string `mapstructure:"dir"`
	TTLHours      int    `mapstructure:"ttl_hours"`
	MemoryEntries int    `mapstructure:"memory_entries"`
}

// WorkersConfig bounds the worker pool.
type WorkersConfig struct {
	Num                int `mapstructure:"num"`
	Min                int `mapstructure:"min"`
	Max                int `mapstructure:"max"`
	AutoScaleIntervalS int `mapstructure:"auto_scale_interval_s"`
	IdlePollMillis     int `mapstructure:"idle_poll_ms"`
	StopTimeoutSeconds int `mapstructure:"stop_timeout_s"`
}

// CrawlerConfig governs the multi-page crawl.
type CrawlerConfig struct {
	TimeoutSeconds       int           `mapstructure:"timeout_s"`
	Retries              int           `mapstructure:"retries"`
	UserAgent            string        `mapstructure:"user_agent"`
	MaxProfessorsPerDept int           `mapstructure:"max_professors_per_dept"`
	PageDelay            time.Duration `mapstructure:"page_delay"`
	PerHostRPS           float64       `mapstructure:"per_host_rps"`
	FollowProfessorPages bool          `mapstructure:"follow_professor_pages"`
	RespectRobots        bool          `mapstructure:"respect_robots"`
	// ProfilesFile replaces the built-in selector profiles when set.
	ProfilesFile string `mapstructure:"profiles_file"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_s"`
	WaitSelector    string `mapstructure:"wait_selector"`
	WaitTimeoutSec  int    `mapstructure:"wait_timeout_s"`
	RenderThreshold int    `mapstructure:"render_threshold"`
}

// OCRConfig toggles image text extraction.
type OCRConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	GPU            bool    `mapstructure:"gpu"`
	Lang           string  `mapstructure:"lang"`
	MinConfidence  float64 `mapstructure:"min_confidence"`
	MaxParallel    int     `mapstructure:"max_parallel"`
	TimeoutSeconds int     `mapstructure:"timeout_s"`
}

// QueueConfig selects and sizes the task queue.
type QueueConfig struct {
	Backend   string `mapstructure:"backend"`
	MaxSize   int    `mapstructure:"max_size"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisKey  string `mapstructure:"redis_key"`
}

// MonitorConfig sizes the metrics window and the health cadence.
type MonitorConfig struct {
	Window          int `mapstructure:"window"`
	IntervalSeconds int `mapstructure:"interval_s"`
}

// ReportConfig selects where per-run reports are written.
type ReportConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig controls zap output.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("vector.store_path", "./data/vectors")
	v.SetDefault("vector.embedder", "hashing")
	v.SetDefault("vector.embedding_model", "nomic-embed-text")
	v.SetDefault("vector.dimensions", 384)
	v.SetDefault("ollama.api_url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3.1")
	v.SetDefault("llm.backend", "ollama")
	v.SetDefault("llm.max_prompt_chars", 6000)
	v.SetDefault("llm.timeout_s", 120)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("cache.dir", "./data/cache")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.memory_entries", 512)
	v.SetDefault("workers.num", 3)
	v.SetDefault("workers.min", 1)
	v.SetDefault("workers.max", 10)
	v.SetDefault("workers.auto_scale_interval_s", 30)
	v.SetDefault("workers.idle_poll_ms", 500)
	v.SetDefault("workers.stop_timeout_s", 60)
	v.SetDefault("crawler.timeout_s", 30)
	v.SetDefault("crawler.retries", 3)
	v.SetDefault("crawler.user_agent", "dcap-bot/0.1 (+research crawler)")
	v.SetDefault("crawler.max_professors_per_dept", 20)
	v.SetDefault("crawler.page_delay", time.Second)
	v.SetDefault("crawler.per_host_rps", 0)
	v.SetDefault("crawler.follow_professor_pages", true)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_s", 45)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.wait_timeout_s", 15)
	v.SetDefault("headless.render_threshold", 2)
	v.SetDefault("ocr.enabled", false)
	v.SetDefault("ocr.gpu", false)
	v.SetDefault("ocr.lang", "kor+eng")
	v.SetDefault("ocr.min_confidence", 0.9)
	v.SetDefault("ocr.max_parallel", 2)
	v.SetDefault("ocr.timeout_s", 20)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.max_size", 10000)
	v.SetDefault("queue.redis_key", "dcap:tasks")
	v.SetDefault("monitor.window", 1000)
	v.SetDefault("monitor.interval_s", 60)
	v.SetDefault("report.backend", "local")
	v.SetDefault("report.dir", "./data/reports")
	v.SetDefault("report.prefix", "reports")
	v.SetDefault("pubsub.topic", "dcap-events")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "dcap")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Min < 1 {
		return fmt.Errorf("workers.min must be >= 1")
	}
	if c.Workers.Min > c.Workers.Max {
		return fmt.Errorf("workers.min must be <= workers.max")
	}
	if c.Workers.Num < c.Workers.Min || c.Workers.Num > c.Workers.Max {
		return fmt.Errorf("workers.num must be within [workers.min, workers.max]")
	}
	if c.Workers.AutoScaleIntervalS <= 0 {
		return fmt.Errorf("workers.auto_scale_interval_s must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_s must be > 0")
	}
	if c.Crawler.Retries < 1 {
		return fmt.Errorf("crawler.retries must be >= 1")
	}
	if c.Crawler.PageDelay < time.Second {
		return fmt.Errorf("crawler.page_delay must be >= 1s")
	}
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be > 0")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr must be set when queue.backend is redis")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or redis")
	}
	switch c.LLM.Backend {
	case "ollama", "mock":
	default:
		return fmt.Errorf("llm.backend must be ollama or mock")
	}
	switch c.Vector.Embedder {
	case "ollama", "hashing":
	default:
		return fmt.Errorf("vector.embedder must be ollama or hashing")
	}
	if c.Vector.Embedder == "hashing" && c.Vector.Dimensions <= 0 {
		return fmt.Errorf("vector.dimensions must be > 0")
	}
	switch c.Report.Backend {
	case "local", "memory":
	case "gcs":
		if c.Report.GCSBucket == "" {
			return fmt.Errorf("report.gcs_bucket must be set when report.backend is gcs")
		}
	default:
		return fmt.Errorf("report.backend must be local, gcs or memory")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.OCR.MinConfidence < 0 || c.OCR.MinConfidence > 1 {
		return fmt.Errorf("ocr.min_confidence must be within [0, 1]")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Monitor.Window <= 0 {
		return fmt.Errorf("monitor.window must be > 0")
	}
	return nil
}

// CacheTTL returns the cache entry lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// CrawlTimeout is the per-task budget.
func (c Config) CrawlTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// TaskTimeout is the default budget for one department crawl: the fetch
// timeout plus the enforced delay before every professor page.
func (c Config) TaskTimeout() time.Duration {
	return c.CrawlTimeout() + time.Duration(c.Crawler.MaxProfessorsPerDept)*c.Crawler.PageDelay
}

// AutoScaleInterval is the scaler cadence.
func (c Config) AutoScaleInterval() time.Duration {
	return time.Duration(c.Workers.AutoScaleIntervalS) * time.Second
}

// LLMTimeout bounds one analyzer call.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}
