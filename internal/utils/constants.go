package utils

import "time"

// Transfer sizes (binary units)
const (
	DefaultChunkSize = 2 * 1024 * 1024 // 2 MiB
	DefaultMaxSizeMB = 200
)

// Remote listing and asynchronous operations
const (
	ListPageLimit         = 200
	OperationPollInterval = time.Second
	OperationPollTimeout  = 5 * time.Minute
)

// Yandex Disk REST API
const (
	DiskAPIBase         = "https://cloud-api.yandex.net/v1/disk"
	OAuthAuthorizeURL   = "https://oauth.yandex.ru/authorize"
	OAuthTokenURL       = "https://oauth.yandex.ru/token"
	DefaultAuthScheme   = "OAuth"
	DefaultRemoteBase   = "app:/"
	DefaultVaultFolder  = "vault"
	ProbeObjectBaseName = ".ydsync-probe"
)

// Retry configuration
const (
	DefaultMaxAttempts      = 5
	DefaultRetryDelayMs     = 1000
	MaxRetryDelayMs         = 8000
	MinRateLimitWaitMs      = 1000
	DefaultRetryAfterSecond = 1
)

// Sync defaults
const (
	DefaultUploadConcurrency   = 2
	DefaultDownloadConcurrency = 2
	DefaultTimeSkewToleranceS  = 180
	DefaultProgressLines       = 25
	DefaultWatchDebounceMs     = 2000
)

// Index file
const (
	IndexFileName = "index.json"
	IndexVersion  = 1
)

// Schema version
const SchemaVersion = "1.0"
