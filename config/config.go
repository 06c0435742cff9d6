package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported language model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Supported result store backends.
const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreS3       = "s3"
)

// Config holds the analysis service configuration.
type Config struct {
	SourceBaseURL string        `yaml:"source_base_url"`
	SourceToken   string        `yaml:"source_token"`
	ProfileActor  string        `yaml:"profile_actor"`
	CommentActor  string        `yaml:"comment_actor"`
	PostLimit     int           `yaml:"post_limit"`
	CommentLimit  int           `yaml:"comment_limit"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	Timeout       time.Duration `yaml:"timeout"`
	ImageTimeout  time.Duration `yaml:"image_timeout"`
	ImageSize     int           `yaml:"image_size"`
	UserAgent     string        `yaml:"user_agent"`

	LLMProvider     string `yaml:"llm_provider"`
	LLMAPIKey       string `yaml:"llm_api_key"`
	LLMModel        string `yaml:"llm_model"`
	LLMBaseURL      string `yaml:"llm_base_url"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`

	StoreBackend string   `yaml:"store_backend"`
	StorePath    string   `yaml:"store_path"`
	StoreDSN     string   `yaml:"store_dsn"`
	CacheSize    int      `yaml:"cache_size"`
	S3           S3Config `yaml:"s3"`
	RawLogFile   string   `yaml:"raw_log_file"`

	ListenAddr string `yaml:"listen_addr"`
	Verbose    bool   `yaml:"verbose"`
}

// S3Config describes the object storage bucket used by the s3 store backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DefaultConfig returns defaults matching the hosted scraping service.
func DefaultConfig() *Config {
	return &Config{
		SourceBaseURL:   "https://api.apify.com",
		ProfileActor:    "apify~instagram-profile-scraper",
		CommentActor:    "apify~instagram-comment-scraper",
		PostLimit:       5,
		CommentLimit:    5,
		Workers:         5,
		QueueSize:       64,
		Timeout:         3 * time.Minute,
		ImageTimeout:    10 * time.Second,
		ImageSize:       150,
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		LLMProvider:     ProviderOpenAI,
		LLMModel:        "gpt-3.5-turbo",
		MaxOutputTokens: 200,
		StoreBackend:    StoreFile,
		StorePath:       "saved_profiles.json",
		CacheSize:       256,
		S3: S3Config{
			Region: "us-east-1",
			Bucket: "profile-insights",
			UseSSL: true,
		},
		RawLogFile: "raw_source_logs.jsonl",
		ListenAddr: ":8080",
	}
}

// Load builds a configuration from defaults, an optional YAML file, a .env
// file and the process environment, in that order.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	_ = godotenv.Load()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from INSIGHTS_* variables and the provider API key variables.
func (c *Config) ApplyEnv() error {
	if v, ok := EnvString("INSIGHTS_SOURCE_URL"); ok {
		c.SourceBaseURL = v
	}
	if v, ok := EnvString("APIFY_API_TOKEN"); ok {
		c.SourceToken = v
	}
	if v, ok := EnvString("AI_API_KEY"); ok {
		c.LLMAPIKey = v
	}
	if v, ok := EnvString("INSIGHTS_LLM_PROVIDER"); ok {
		c.LLMProvider = strings.ToLower(v)
	}
	if v, ok := EnvString("INSIGHTS_LLM_MODEL"); ok {
		c.LLMModel = v
	}
	if v, ok := EnvString("INSIGHTS_LLM_BASE_URL"); ok {
		c.LLMBaseURL = v
	}
	if v, ok := EnvString("INSIGHTS_STORE"); ok {
		c.StoreBackend = strings.ToLower(v)
	}
	if v, ok := EnvString("INSIGHTS_STORE_PATH"); ok {
		c.StorePath = v
	}
	if v, ok := EnvString("INSIGHTS_STORE_DSN"); ok {
		c.StoreDSN = v
	}
	if v, ok := EnvString("INSIGHTS_S3_ENDPOINT"); ok {
		c.S3.Endpoint = v
	}
	if v, ok := EnvString("INSIGHTS_S3_ACCESS_KEY"); ok {
		c.S3.AccessKey = v
	}
	if v, ok := EnvString("INSIGHTS_S3_SECRET_KEY"); ok {
		c.S3.SecretKey = v
	}
	if v, ok := EnvString("INSIGHTS_S3_BUCKET"); ok {
		c.S3.Bucket = v
	}
	if v, ok := EnvString("INSIGHTS_ADDR"); ok {
		c.ListenAddr = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"INSIGHTS_POSTS", &c.PostLimit},
		{"INSIGHTS_COMMENTS", &c.CommentLimit},
		{"INSIGHTS_WORKERS", &c.Workers},
		{"INSIGHTS_MAX_TOKENS", &c.MaxOutputTokens},
		{"INSIGHTS_CACHE_SIZE", &c.CacheSize},
	}
	for _, item := range ints {
		value, ok, err := EnvInt(item.key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", item.key, err)
		}
		if ok {
			*item.dst = value
		}
	}

	if value, ok, err := EnvDuration("INSIGHTS_TIMEOUT"); err != nil {
		return fmt.Errorf("invalid INSIGHTS_TIMEOUT: %w", err)
	} else if ok {
		c.Timeout = value
	}
	if value, ok, err := EnvBool("INSIGHTS_S3_USE_SSL"); err != nil {
		return fmt.Errorf("invalid INSIGHTS_S3_USE_SSL: %w", err)
	} else if ok {
		c.S3.UseSSL = value
	}
	if value, ok, err := EnvBool("INSIGHTS_VERBOSE"); err != nil {
		return fmt.Errorf("invalid INSIGHTS_VERBOSE: %w", err)
	} else if ok {
		c.Verbose = value
	}
	return nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.SourceBaseURL == "" {
		return fmt.Errorf("source base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.SourceBaseURL)
	if err != nil {
		return fmt.Errorf("invalid source base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("source base URL must include a host")
	}
	if c.ProfileActor == "" || c.CommentActor == "" {
		return fmt.Errorf("profile and comment actors cannot be empty")
	}

	if c.PostLimit <= 0 {
		return fmt.Errorf("post limit must be positive")
	}
	if c.CommentLimit < 0 {
		return fmt.Errorf("comment limit cannot be negative")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ImageTimeout <= 0 {
		return fmt.Errorf("image timeout must be positive")
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	switch c.LLMProvider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
	default:
		return fmt.Errorf("llm provider must be openai, anthropic, or gemini")
	}
	if c.LLMModel == "" {
		return fmt.Errorf("llm model cannot be empty")
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("max output tokens must be positive")
	}

	switch c.StoreBackend {
	case StoreFile, StoreSQLite:
		if c.StorePath == "" {
			return fmt.Errorf("store path cannot be empty for the %s store", c.StoreBackend)
		}
	case StorePostgres:
		if c.StoreDSN == "" {
			return fmt.Errorf("store DSN cannot be empty for the postgres store")
		}
	case StoreS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3 endpoint and bucket cannot be empty for the s3 store")
		}
	default:
		return fmt.Errorf("store backend must be file, sqlite, postgres, or s3")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache size cannot be negative")
	}

	return nil
}
