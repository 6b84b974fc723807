package constants

import "time"

// Offline queue defaults
const (
	MaxRetryCount               = 5
	BaseBackoffMs               = 1000
	DefaultQueueProcessInterval = 30 * time.Second
	DefaultQueueMonitorInterval = time.Minute
	QueueStorageKeySuffix       = "_message_queue"
	LocalIDPrefix               = "local_"
	DefaultAppName              = "teamchat"
)

// Reachability defaults
const (
	DefaultProbeTimeout       = 3 * time.Second
	DefaultProbeThrottle      = 3 * time.Second
	DefaultOfflineDebounce    = 3 * time.Second
	DefaultInterfacePoll      = 2 * time.Second
	DefaultPrimaryProbeURL    = "https://clients3.google.com/generate_204"
	DefaultFallbackProbeURL   = "https://www.google.com"
	NetworkTypeNone           = "none"
	NetworkTypeUnknown        = "unknown"
	NetworkTypeWifi           = "wifi"
	NetworkTypeCellular       = "cellular"
	NetworkTypeEthernet       = "ethernet"
	DefaultSubscriberCapacity = 4
)

// Remote API defaults
const (
	DefaultHTTPTimeoutSec       = 30
	DefaultBreakerMaxFailures   = 5
	DefaultBreakerResetSec      = 30
	DefaultBreakerHalfOpenCalls = 1
	DefaultRealtimePath         = "/v1/realtime"
)

// Startup retry defaults
const (
	DefaultRetryBackoffMs         = 1000
	DefaultMaxBackoffMs           = 60000
	DefaultDatabaseRetryAttempts  = 3
	DefaultDatabaseLockBackoffMs  = 50
	DefaultDatabaseLockMaxBackoff = 500
)

// Server defaults
const (
	DefaultServerPort            = 8484
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
	MaxRequestBodyBytes          = 1 << 20
)

// Privacy settings
const (
	DefaultMessageIDLength = 8
)

// Encryption settings
const (
	EncryptionSalt = "teamchat-outbox-v1"
)
