package mangaflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
	Events   EventsConfig   `mapstructure:"events"`
	Content  ContentConfig  `mapstructure:"content"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Insights InsightsConfig `mapstructure:"insights"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Production bool   `mapstructure:"production"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

// Addr returns the listen address
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig configures the process logger
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"` // json, console
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

// DynamoDBConfig locates the single table
type DynamoDBConfig struct {
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// EventsConfig selects and tunes the event bus
type EventsConfig struct {
	Backend       string        `mapstructure:"backend"` // memory, redis
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Stream        string        `mapstructure:"stream"`
	Group         string        `mapstructure:"group"`
	Consumer      string        `mapstructure:"consumer"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	ClaimIdle     time.Duration `mapstructure:"claim_idle"`
	Workers       int           `mapstructure:"workers"`
}

// ContentConfig selects the content store backend
type ContentConfig struct {
	Backend         string `mapstructure:"backend"` // local, oss
	BasePath        string `mapstructure:"base_path"`
	OSSEndpoint     string `mapstructure:"oss_endpoint"`
	OSSBucket       string `mapstructure:"oss_bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
}

// OpenAIConfig configures the text-generation collaborator
type OpenAIConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxTokens int           `mapstructure:"max_tokens"`
}

// InsightsConfig configures the cultural-insight collaborator
type InsightsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Limit   int           `mapstructure:"limit"`
}

// RetryConfig is the retry-with-backoff policy.
// Delay for attempt n is min(BaseDelay * BackoffMultiplier^(n-1), MaxDelay) plus
// a random jitter in [0, Jitter).
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
	Jitter              time.Duration `mapstructure:"jitter"`
	RetryableErrorCodes []string      `mapstructure:"retryable_error_codes"`
}

// BreakerConfig configures each per-dependency circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

// PipelineConfig tunes stage behavior
type PipelineConfig struct {
	GenerateImages          bool          `mapstructure:"generate_images"`
	EstimatedCompletionTime time.Duration `mapstructure:"estimated_completion_time"`
	MaxStoriesPerBatch      int           `mapstructure:"max_stories_per_batch"`
}

// MetricsConfig controls how collected metrics leave the process. With a
// zero LogInterval measurements are recorded into a provider without a
// reader and dropped.
type MetricsConfig struct {
	LogInterval time.Duration `mapstructure:"log_interval"`
}

// DefaultRetryConfig provides sensible defaults
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:       3,
	BaseDelay:         200 * time.Millisecond,
	MaxDelay:          5 * time.Second,
	BackoffMultiplier: 2,
	Jitter:            100 * time.Millisecond,
	RetryableErrorCodes: []string{
		ErrCodeThrottling,
		ErrCodeRateLimited,
		ErrCodeTimeout,
		"ThrottlingException",
		"ProvisionedThroughputExceededException",
		"RequestLimitExceeded",
		"InternalServerError",
		"ServiceUnavailable",
	},
}

// DefaultBreakerConfig provides sensible defaults
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
	HalfOpenMaxCalls: 1,
}

// DefaultPipelineConfig provides pipeline defaults
var DefaultPipelineConfig = PipelineConfig{
	GenerateImages:          false,
	EstimatedCompletionTime: 2 * time.Minute,
	MaxStoriesPerBatch:      10,
}

// DefaultConfig returns a configuration usable for local development
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Log:    LogConfig{Level: "info", Format: "json", Output: "stdout"},
		DynamoDB: DynamoDBConfig{
			Table:  "mangaflow",
			Region: "us-east-1",
		},
		Events: EventsConfig{
			Backend:       "memory",
			RedisAddr:     "localhost:6379",
			Stream:        "mangaflow:events",
			Group:         "mangaflow-workers",
			Consumer:      "worker-1",
			MaxDeliveries: 5,
			ClaimIdle:     time.Minute,
			Workers:       4,
		},
		Content: ContentConfig{Backend: "local", BasePath: "./data/content"},
		OpenAI: OpenAIConfig{
			Model:     "gpt-4o-mini",
			Timeout:   90 * time.Second,
			MaxTokens: 2048,
		},
		Insights: InsightsConfig{Timeout: 10 * time.Second, Limit: 5},
		Retry:    DefaultRetryConfig,
		Breaker:  DefaultBreakerConfig,
		Pipeline: DefaultPipelineConfig,
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.DynamoDB.Table == "" {
		return errors.New("dynamodb.table is required")
	}
	switch c.Events.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown events backend %q", c.Events.Backend)
	}
	switch c.Content.Backend {
	case "local":
		if c.Content.BasePath == "" {
			return errors.New("content.base_path is required for the local backend")
		}
	case "oss":
		if c.Content.OSSEndpoint == "" || c.Content.OSSBucket == "" {
			return errors.New("content.oss_endpoint and content.oss_bucket are required for the oss backend")
		}
	default:
		return fmt.Errorf("unknown content backend %q", c.Content.Backend)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return errors.New("retry.backoff_multiplier must be >= 1")
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.HalfOpenMaxCalls < 1 {
		return errors.New("breaker.failure_threshold and breaker.half_open_max_calls must be positive")
	}
	if c.Metrics.LogInterval < 0 {
		return errors.New("metrics.log_interval must not be negative")
	}
	if c.Pipeline.MaxStoriesPerBatch < 1 || c.Pipeline.MaxStoriesPerBatch > 10 {
		return errors.New("pipeline.max_stories_per_batch must be between 1 and 10")
	}
	return nil
}

// LoadConfig reads configuration from defaults, an optional YAML file and
// MANGAFLOW_* environment variables, in increasing priority.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("MANGAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.production", d.Server.Production)
	v.SetDefault("server.jwt_secret", d.Server.JWTSecret)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file_path", d.Log.FilePath)

	v.SetDefault("dynamodb.table", d.DynamoDB.Table)
	v.SetDefault("dynamodb.region", d.DynamoDB.Region)
	v.SetDefault("dynamodb.endpoint", d.DynamoDB.Endpoint)

	v.SetDefault("events.backend", d.Events.Backend)
	v.SetDefault("events.redis_addr", d.Events.RedisAddr)
	v.SetDefault("events.redis_password", d.Events.RedisPassword)
	v.SetDefault("events.redis_db", d.Events.RedisDB)
	v.SetDefault("events.stream", d.Events.Stream)
	v.SetDefault("events.group", d.Events.Group)
	v.SetDefault("events.consumer", d.Events.Consumer)
	v.SetDefault("events.max_deliveries", d.Events.MaxDeliveries)
	v.SetDefault("events.claim_idle", d.Events.ClaimIdle)
	v.SetDefault("events.workers", d.Events.Workers)

	v.SetDefault("content.backend", d.Content.Backend)
	v.SetDefault("content.base_path", d.Content.BasePath)
	v.SetDefault("content.oss_endpoint", d.Content.OSSEndpoint)
	v.SetDefault("content.oss_bucket", d.Content.OSSBucket)
	v.SetDefault("content.access_key_id", d.Content.AccessKeyID)
	v.SetDefault("content.access_key_secret", d.Content.AccessKeySecret)

	v.SetDefault("openai.api_key", d.OpenAI.APIKey)
	v.SetDefault("openai.model", d.OpenAI.Model)
	v.SetDefault("openai.base_url", d.OpenAI.BaseURL)
	v.SetDefault("openai.timeout", d.OpenAI.Timeout)
	v.SetDefault("openai.max_tokens", d.OpenAI.MaxTokens)

	v.SetDefault("insights.base_url", d.Insights.BaseURL)
	v.SetDefault("insights.api_key", d.Insights.APIKey)
	v.SetDefault("insights.timeout", d.Insights.Timeout)
	v.SetDefault("insights.limit", d.Insights.Limit)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.backoff_multiplier", d.Retry.BackoffMultiplier)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("retry.retryable_error_codes", d.Retry.RetryableErrorCodes)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.recovery_timeout", d.Breaker.RecoveryTimeout)
	v.SetDefault("breaker.half_open_max_calls", d.Breaker.HalfOpenMaxCalls)

	v.SetDefault("pipeline.generate_images", d.Pipeline.GenerateImages)
	v.SetDefault("pipeline.estimated_completion_time", d.Pipeline.EstimatedCompletionTime)
	v.SetDefault("pipeline.max_stories_per_batch", d.Pipeline.MaxStoriesPerBatch)

	v.SetDefault("metrics.log_interval", d.Metrics.LogInterval)
}
