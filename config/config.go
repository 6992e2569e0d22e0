package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const EnvPrefix = "STEPAGENT"

type Config struct {
	Model  ModelConfig  `mapstructure:"model"`
	Oracle OracleConfig `mapstructure:"oracle"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// ModelConfig points at an OpenAI-compatible chat completion gateway.
type ModelConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Name           string  `mapstructure:"name"`
	Temperature    float32 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	ContentReplies bool    `mapstructure:"content_replies"`
}

type OracleConfig struct {
	// URL of a remote oracle boundary. Empty runs the boundary in process.
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	BackoffStep time.Duration `mapstructure:"backoff_step"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	History     int           `mapstructure:"history"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("model.name", "google/gemini-2.5-flash")
	v.SetDefault("model.temperature", 0.7)
	v.SetDefault("model.max_tokens", 500)
	v.SetDefault("model.content_replies", false)

	v.SetDefault("oracle.url", "")
	v.SetDefault("oracle.timeout", 60*time.Second)
	v.SetDefault("oracle.min_interval", 2*time.Second)
	v.SetDefault("oracle.backoff_step", 5*time.Second)
	v.SetDefault("oracle.backoff_max", 30*time.Second)
	v.SetDefault("oracle.history", 4)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/task-agent")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
}

// NewViper returns a viper instance with defaults and STEPAGENT_* environment
// overrides. Nested keys map to env names with "_", e.g. STEPAGENT_MODEL_NAME.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads an optional config file into v and returns the validated config.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(cfg.Model.Name != "", "model.name is required")
	check(cfg.Model.Temperature >= 0 && cfg.Model.Temperature <= 2, "model.temperature must be within [0,2], got %v", cfg.Model.Temperature)
	check(cfg.Model.MaxTokens > 0, "model.max_tokens must be positive, got %d", cfg.Model.MaxTokens)
	check(cfg.Oracle.MinInterval >= 0, "oracle.min_interval must not be negative")
	check(cfg.Oracle.BackoffStep > 0, "oracle.backoff_step must be positive")
	check(cfg.Oracle.BackoffMax >= cfg.Oracle.BackoffStep, "oracle.backoff_max must be at least oracle.backoff_step")
	check(cfg.Oracle.History >= 0, "oracle.history must not be negative")
	check(cfg.Oracle.Timeout > 0, "oracle.timeout must be positive")
	check(cfg.Server.Addr != "", "server.addr is required")
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// RequireModel reports whether the model gateway can be called.
func (c *Config) RequireModel() error {
	if c.Model.APIKey == "" {
		return fmt.Errorf("%w: model.api_key is required (set %s_MODEL_API_KEY)", ErrInvalidConfig, EnvPrefix)
	}
	return nil
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
