package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"teamchat/internal/constants"
	"teamchat/internal/models"
	"teamchat/internal/security"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	StorageDriverSQLite = "sqlite"
	StorageDriverMemory = "memory"

	minEncryptionSecretLen = 16
)

var (
	ErrMissingAPIURL   = models.ConfigError{Message: "missing API base URL"}
	ErrMissingSenderID = models.ConfigError{Message: "missing sender id"}
	ErrMissingDBPath   = models.ConfigError{Message: "missing storage path"}
)

// LoadConfig reads a JSON, YAML or TOML file, chosen by extension, applies
// environment overrides and defaults, and validates the result.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, &config)
	case ".toml":
		err = toml.Unmarshal(file, &config)
	default:
		err = json.Unmarshal(file, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validate(c *models.Config) error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid API base URL: %s", c.API.BaseURL)}
	}
	if c.SenderID == "" {
		return ErrMissingSenderID
	}

	if c.AppName == "" {
		c.AppName = constants.DefaultAppName
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverSQLite
	}
	switch c.Storage.Driver {
	case StorageDriverSQLite:
		if c.Storage.Path == "" {
			return ErrMissingDBPath
		}
		if err := security.ValidateFilePath(c.Storage.Path); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid storage path: %v", err)}
		}
	case StorageDriverMemory:
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown storage driver: %s", c.Storage.Driver)}
	}

	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.API.BreakerFailures <= 0 {
		c.API.BreakerFailures = constants.DefaultBreakerMaxFailures
	}
	if c.API.BreakerResetSec <= 0 {
		c.API.BreakerResetSec = constants.DefaultBreakerResetSec
	}

	if c.Queue.ProcessIntervalSec <= 0 {
		c.Queue.ProcessIntervalSec = int(constants.DefaultQueueProcessInterval.Seconds())
	}
	if c.Queue.MonitorIntervalSec <= 0 {
		c.Queue.MonitorIntervalSec = int(constants.DefaultQueueMonitorInterval.Seconds())
	}

	r := &c.Reachability
	if r.PrimaryProbeURL == "" {
		r.PrimaryProbeURL = constants.DefaultPrimaryProbeURL
	}
	if r.FallbackProbeURL == "" {
		r.FallbackProbeURL = constants.DefaultFallbackProbeURL
	}
	if r.ProbeTimeoutMs <= 0 {
		r.ProbeTimeoutMs = int(constants.DefaultProbeTimeout.Milliseconds())
	}
	if r.ProbeThrottleMs <= 0 {
		r.ProbeThrottleMs = int(constants.DefaultProbeThrottle.Milliseconds())
	}
	if r.DebounceMs <= 0 {
		r.DebounceMs = int(constants.DefaultOfflineDebounce.Milliseconds())
	}
	if r.InterfacePollSec <= 0 {
		r.InterfacePollSec = int(constants.DefaultInterfacePoll.Seconds())
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.AppName
	}
	if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
		c.Tracing.SampleRate = 1
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if v := os.Getenv("TEAMCHAT_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	// SECURITY: the API token should come from the environment
	if v := os.Getenv("TEAMCHAT_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("TEAMCHAT_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TEAMCHAT_SENDER_ID"); v != "" {
		c.SenderID = v
	}
	if v := os.Getenv("TEAMCHAT_ENCRYPTION_SECRET"); v != "" {
		c.Storage.EncryptionSecret = v
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if c.Storage.Encrypt {
		if c.Storage.EncryptionSecret == "" {
			return models.ConfigError{Message: "storage encryption is enabled but TEAMCHAT_ENCRYPTION_SECRET is not set"}
		}
		if len(c.Storage.EncryptionSecret) < minEncryptionSecretLen {
			return models.ConfigError{Message: fmt.Sprintf("encryption secret must be at least %d characters long", minEncryptionSecretLen)}
		}
	}

	if os.Getenv("TEAMCHAT_ENV") == "production" {
		if c.API.Token == "" {
			return models.ConfigError{Message: "API token is required in production (set TEAMCHAT_API_TOKEN environment variable)"}
		}
		if !strings.HasPrefix(c.API.BaseURL, "https://") {
			return models.ConfigError{Message: "API base URL must use https in production"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.API.Token == "" {
		fmt.Fprintf(os.Stderr, "WARNING: API token not set. Set TEAMCHAT_API_TOKEN environment variable.\n")
	}
	return nil
}
