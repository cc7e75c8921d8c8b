package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Pool      PoolConfig      `mapstructure:"pool" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	Admission AdmissionConfig `mapstructure:"admission" validate:"required"`
	Monitor   MonitorConfig   `mapstructure:"monitor" validate:"required"`
	Notify    NotifyConfig    `mapstructure:"notify" validate:"required"`
	Executors ExecutorsConfig `mapstructure:"executors" validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains the HTTP listener and logging settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
}

// DatabaseConfig selects and configures the durable promise store.
type DatabaseConfig struct {
	// Driver is "sqlite" for a single-host file store or "postgres".
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	// URL is a file path for sqlite or a connection URL for postgres.
	URL          string `mapstructure:"url" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
	// AutoMigrate applies pending migrations when the store is opened.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// PoolConfig contains worker pool settings.
type PoolConfig struct {
	WorkerCount        int           `mapstructure:"worker_count" validate:"gte=1,lte=64"`
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	IdleBackoffMax     time.Duration `mapstructure:"idle_backoff_max" validate:"gtefield=PollInterval"`
	ExecutionTimeout   time.Duration `mapstructure:"execution_timeout" validate:"gt=0"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval" validate:"gt=0"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	DefaultMaxRetries  int           `mapstructure:"default_max_retries" validate:"gte=0,lte=20"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// SchedulerConfig contains priority scheduling settings.
type SchedulerConfig struct {
	// AgingThreshold is the wait that promotes a pending promise one class; each
	// further threshold promotes it again, up to critical.
	AgingThreshold time.Duration `mapstructure:"aging_threshold" validate:"gt=0"`
}

// AdmissionConfig contains admission control thresholds.
type AdmissionConfig struct {
	// MaxRunning is the hard cap on concurrently running promises. Zero means
	// the worker count.
	MaxRunning int `mapstructure:"max_running" validate:"gte=0"`
	// MaxHeapMB is the soft memory ceiling. Zero disables the memory check.
	MaxHeapMB int `mapstructure:"max_heap_mb" validate:"gte=0"`
	// MaxPendingNonUrgent is the soft backlog ceiling for medium/low work.
	// Zero disables the backlog check.
	MaxPendingNonUrgent int `mapstructure:"max_pending_non_urgent" validate:"gte=0"`
	// StaleAfter is how old a resource sample may be before it is ignored.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gt=0"`
}

// MonitorConfig contains resource sampling settings.
type MonitorConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval" validate:"gt=0"`
}

// NotifyConfig contains result notification settings.
type NotifyConfig struct {
	// RedisURL enables the Redis pub/sub sink when set.
	RedisURL      string        `mapstructure:"redis_url" validate:"omitempty,url"`
	ChannelPrefix string        `mapstructure:"channel_prefix" validate:"required"`
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelay     time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	RatePerSecond float64       `mapstructure:"rate_per_second" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	BufferSize    int           `mapstructure:"buffer_size" validate:"gte=1"`
}

// ExecutorsConfig selects and configures delegated-work executors.
type ExecutorsConfig struct {
	Default string       `mapstructure:"default" validate:"required"`
	Shell   ShellConfig  `mapstructure:"shell"`
	Ollama  OllamaConfig `mapstructure:"ollama"`
	Gemini  GeminiConfig `mapstructure:"gemini"`
}

// ShellConfig configures the subprocess executor.
type ShellConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Shell          string `mapstructure:"shell" validate:"required_if=Enabled true"`
	WorkDir        string `mapstructure:"work_dir"`
	MaxOutputBytes int    `mapstructure:"max_output_bytes" validate:"gte=0"`
}

// OllamaConfig configures the local-model executor.
type OllamaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host" validate:"omitempty,url"`
	Model   string `mapstructure:"model" validate:"required_if=Enabled true"`
}

// GeminiConfig configures the Gemini research executor.
type GeminiConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKey    string `mapstructure:"api_key" validate:"required_if=Enabled true"`
	ModelName string `mapstructure:"model_name" validate:"required_if=Enabled true"`
}

// AuthConfig contains producer API authentication settings.
type AuthConfig struct {
	// JWTSecret enables HS256 bearer authentication on the HTTP API when set.
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	// TokenLifetime bounds tokens issued by the CLI.
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gte=0"`
}

// TelemetryConfig contains metrics export settings.
type TelemetryConfig struct {
	// OTLPEndpoint enables OTLP/gRPC metric export when set, e.g. "localhost:4317".
	OTLPEndpoint string        `mapstructure:"otlp_endpoint"`
	Insecure     bool          `mapstructure:"insecure"`
	Interval     time.Duration `mapstructure:"interval" validate:"gte=0"`
}

// EffectiveMaxRunning resolves the admission hard cap.
func (c *Config) EffectiveMaxRunning() int {
	if c.Admission.MaxRunning <= 0 || c.Admission.MaxRunning > c.Pool.WorkerCount {
		return c.Pool.WorkerCount
	}
	return c.Admission.MaxRunning
}
