package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ligustah/siphon/internal/progress"
	"github.com/ligustah/siphon/internal/source"
)

// EnvPrefix is the prefix of environment variables read by LoadFromEnv.
const EnvPrefix = "SIPHON"

// Config defines configuration for the siphon CLI.
type Config struct {
	URL       string     `yaml:"url"`
	Bucket    string     `yaml:"bucket"`
	BaseURL   string     `yaml:"base_url" split_words:"true"`
	Output    string     `yaml:"output"`
	Name      string     `yaml:"name"`
	ChunkSize ByteSize   `yaml:"chunk_size" split_words:"true"`
	Listen    string     `yaml:"listen"`
	Progress  bool       `yaml:"progress"`
	LogLevel  string     `yaml:"log_level" split_words:"true"`
	HTTP      HTTPConfig `yaml:"http"`
}

// HTTPConfig configures the HTTP client used to open downloads.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff" split_words:"true"`
}

// ByteSize is a size in bytes that accepts human-readable values such as
// "256KiB" or "1MB" in YAML and environment variables.
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := progress.ParseBytes(value)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	return b.Decode(node.Value)
}

func (b ByteSize) String() string {
	return progress.FormatBytes(int64(b))
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Bucket:    "mem://",
		BaseURL:   "http://localhost:8080/artifacts",
		ChunkSize: 256 * 1024, // 256KiB
		Listen:    ":8080",
		LogLevel:  "info",
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
			Retry: RetryConfig{
				Attempts:   3,
				Backoff:    500 * time.Millisecond,
				MaxBackoff: 10 * time.Second,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file. Keys missing from the
// file keep their default values.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables with the
// SIPHON_ prefix. The given dotenv files are loaded first; without
// arguments ".env" is loaded if it exists. Variables already set in the
// environment take precedence over dotenv files.
func (c *Config) LoadFromEnv(dotenv ...string) error {
	if len(dotenv) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(dotenv...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate validates the settings shared by all commands.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("config: bucket is required")
	}
	if c.BaseURL == "" {
		return errors.New("config: base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: base_url must be an absolute http(s) URL: %q", c.BaseURL)
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.ChunkSize > source.MaxChunkSize {
		return fmt.Errorf("config: chunk_size must not exceed %s", ByteSize(source.MaxChunkSize))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	if c.HTTP.Timeout < 0 {
		return errors.New("config: http.timeout must not be negative")
	}
	if c.HTTP.Retry.Attempts < 0 {
		return errors.New("config: http.retry.attempts must not be negative")
	}
	return nil
}

// ValidateFetch validates the configuration for the fetch command.
func (c *Config) ValidateFetch() error {
	if c.URL == "" {
		return errors.New("config: URL is required")
	}
	return c.Validate()
}

// ValidateServe validates the configuration for the serve command.
func (c *Config) ValidateServe() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	return c.Validate()
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.URL != "" {
		c.URL = override.URL
	}
	if override.Bucket != "" {
		c.Bucket = override.Bucket
	}
	if override.BaseURL != "" {
		c.BaseURL = override.BaseURL
	}
	if override.Output != "" {
		c.Output = override.Output
	}
	if override.Name != "" {
		c.Name = override.Name
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.Listen != "" {
		c.Listen = override.Listen
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	if override.HTTP.Timeout != 0 {
		c.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.HTTP.Retry.Attempts != 0 {
		c.HTTP.Retry.Attempts = override.HTTP.Retry.Attempts
	}
	if override.HTTP.Retry.Backoff != 0 {
		c.HTTP.Retry.Backoff = override.HTTP.Retry.Backoff
	}
	if override.HTTP.Retry.MaxBackoff != 0 {
		c.HTTP.Retry.MaxBackoff = override.HTTP.Retry.MaxBackoff
	}
	return c
}
