package models

// Config holds the application configuration
type Config struct {
	AppName      string             `json:"app_name" yaml:"app_name" toml:"app_name"`
	SenderID     string             `json:"sender_id" yaml:"sender_id" toml:"sender_id"`
	API          APIConfig          `json:"api" yaml:"api" toml:"api"`
	Storage      StorageConfig      `json:"storage" yaml:"storage" toml:"storage"`
	Queue        QueueConfig        `json:"queue" yaml:"queue" toml:"queue"`
	Reachability ReachabilityConfig `json:"reachability" yaml:"reachability" toml:"reachability"`
	Server       ServerConfig       `json:"server" yaml:"server" toml:"server"`
	Tracing      TracingConfig      `json:"tracing" yaml:"tracing" toml:"tracing"`
	Retry        RetryConfig        `json:"retry" yaml:"retry" toml:"retry"`
	LogLevel     string             `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// APIConfig describes the hosted backend that confirms messages
type APIConfig struct {
	BaseURL         string `json:"base_url" yaml:"base_url" toml:"base_url"`
	Token           string `json:"token" yaml:"token" toml:"token"`
	TimeoutSec      int    `json:"timeout_sec" yaml:"timeout_sec" toml:"timeout_sec"`
	RealtimeURL     string `json:"realtime_url" yaml:"realtime_url" toml:"realtime_url"`
	RealtimeEnabled bool   `json:"realtime_enabled" yaml:"realtime_enabled" toml:"realtime_enabled"`
	BreakerFailures int    `json:"breaker_failures" yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerResetSec int    `json:"breaker_reset_sec" yaml:"breaker_reset_sec" toml:"breaker_reset_sec"`
}

// StorageConfig holds local persistence configuration
type StorageConfig struct {
	Driver  string `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" or "memory"
	Path    string `json:"path" yaml:"path" toml:"path"`
	Encrypt bool   `json:"encrypt" yaml:"encrypt" toml:"encrypt"`

	// EncryptionSecret is only read from the environment.
	EncryptionSecret string `json:"-" yaml:"-" toml:"-"`
}

// QueueConfig tunes the offline queue manager
type QueueConfig struct {
	ProcessIntervalSec       int  `json:"process_interval_sec" yaml:"process_interval_sec" toml:"process_interval_sec"`
	FailFastOnPermanentError bool `json:"fail_fast_on_permanent_error" yaml:"fail_fast_on_permanent_error" toml:"fail_fast_on_permanent_error"`
	MonitorIntervalSec       int  `json:"monitor_interval_sec" yaml:"monitor_interval_sec" toml:"monitor_interval_sec"`
}

// ReachabilityConfig configures the connectivity monitor and its HTTP probe
type ReachabilityConfig struct {
	PrimaryProbeURL  string `json:"primary_probe_url" yaml:"primary_probe_url" toml:"primary_probe_url"`
	FallbackProbeURL string `json:"fallback_probe_url" yaml:"fallback_probe_url" toml:"fallback_probe_url"`
	ProbeTimeoutMs   int    `json:"probe_timeout_ms" yaml:"probe_timeout_ms" toml:"probe_timeout_ms"`
	ProbeThrottleMs  int    `json:"probe_throttle_ms" yaml:"probe_throttle_ms" toml:"probe_throttle_ms"`
	DebounceMs       int    `json:"debounce_ms" yaml:"debounce_ms" toml:"debounce_ms"`
	InterfacePollSec int    `json:"interface_poll_sec" yaml:"interface_poll_sec" toml:"interface_poll_sec"`
	WatchInterfaces  bool   `json:"watch_interfaces" yaml:"watch_interfaces" toml:"watch_interfaces"`
}

// ServerConfig configures the local control API
type ServerConfig struct {
	Port            int `json:"port" yaml:"port" toml:"port"`
	ReadTimeoutSec  int `json:"read_timeout_sec" yaml:"read_timeout_sec" toml:"read_timeout_sec"`
	WriteTimeoutSec int `json:"write_timeout_sec" yaml:"write_timeout_sec" toml:"write_timeout_sec"`
	IdleTimeoutSec  int `json:"idle_timeout_sec" yaml:"idle_timeout_sec" toml:"idle_timeout_sec"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	ServiceName    string  `json:"service_name" yaml:"service_name" toml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version" toml:"service_version"`
	Environment    string  `json:"environment" yaml:"environment" toml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`
	Enabled        bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	UseStdout      bool    `json:"use_stdout" yaml:"use_stdout" toml:"use_stdout"`
}

// RetryConfig holds retry related configurations for startup and reconnects
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs" yaml:"initialBackoffMs" toml:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs" yaml:"maxBackoffMs" toml:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts" yaml:"maxAttempts" toml:"maxAttempts"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
