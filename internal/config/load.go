package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "PROMISED"

// Load configuration from environment variables and an optional config.yaml
// in the working directory. Environment variables take precedence over values
// from config files. Returns a populated Config struct or an error if
// loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given config file instead of
// searching for config.yaml. A missing file at an explicit path is an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags on cfg.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can bind it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "promised.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("pool.worker_count", 2)
	v.SetDefault("pool.poll_interval", 500*time.Millisecond)
	v.SetDefault("pool.idle_backoff_max", 5*time.Second)
	v.SetDefault("pool.execution_timeout", 10*time.Minute)
	v.SetDefault("pool.cancel_poll_interval", 2*time.Second)
	v.SetDefault("pool.retry_base_delay", 2*time.Second)
	v.SetDefault("pool.retry_max_delay", 2*time.Minute)
	v.SetDefault("pool.default_max_retries", 3)
	v.SetDefault("pool.shutdown_timeout", 30*time.Second)

	v.SetDefault("scheduler.aging_threshold", 10*time.Minute)

	v.SetDefault("admission.max_running", 0)
	v.SetDefault("admission.max_heap_mb", 512)
	v.SetDefault("admission.max_pending_non_urgent", 100)
	v.SetDefault("admission.stale_after", 30*time.Second)

	v.SetDefault("monitor.sample_interval", 5*time.Second)

	v.SetDefault("notify.redis_url", "")
	v.SetDefault("notify.channel_prefix", "promised")
	v.SetDefault("notify.max_attempts", 5)
	v.SetDefault("notify.base_delay", 500*time.Millisecond)
	v.SetDefault("notify.rate_per_second", 20.0)
	v.SetDefault("notify.sweep_interval", 30*time.Second)
	v.SetDefault("notify.buffer_size", 256)

	v.SetDefault("executors.default", "shell")
	v.SetDefault("executors.shell.enabled", true)
	v.SetDefault("executors.shell.shell", "/bin/sh")
	v.SetDefault("executors.shell.work_dir", "")
	v.SetDefault("executors.shell.max_output_bytes", 64*1024)
	v.SetDefault("executors.ollama.enabled", false)
	v.SetDefault("executors.ollama.host", "")
	v.SetDefault("executors.ollama.model", "llama3.2")
	v.SetDefault("executors.gemini.enabled", false)
	v.SetDefault("executors.gemini.api_key", "")
	v.SetDefault("executors.gemini.model_name", "gemini-2.0-flash")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime", 24*time.Hour)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.interval", 15*time.Second)
}
