package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.yaml"
	// ConfigDirName is the directory under ~/.config where config is stored
	ConfigDirName = "ydsync"
	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "YDSYNC"
)

// Config holds application configuration
type Config struct {
	// DefaultProfile is the credential profile used when --profile is not given
	DefaultProfile string `mapstructure:"default_profile" yaml:"default_profile"`

	// DefaultOutputFormat is the default output format (json, table, yaml)
	DefaultOutputFormat types.OutputFormat `mapstructure:"output_format" yaml:"output_format"`

	// LogLevel sets the logging verbosity (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// LogFile, when set, receives JSON log lines in addition to the console
	LogFile string `mapstructure:"log_file" yaml:"log_file,omitempty"`

	// ColorOutput enables color output on terminals
	ColorOutput bool `mapstructure:"color_output" yaml:"color_output"`

	// APIBaseURL is the root of the disk REST API
	APIBaseURL string `mapstructure:"api_base_url" yaml:"api_base_url"`

	// AuthScheme is the Authorization header scheme sent with the token
	AuthScheme string `mapstructure:"auth_scheme" yaml:"auth_scheme"`

	// ClientID is the OAuth application id used to build the authorize URL
	ClientID string `mapstructure:"client_id" yaml:"client_id,omitempty"`

	// OAuthScopes is an optional space separated scope list
	OAuthScopes string `mapstructure:"oauth_scopes" yaml:"oauth_scopes,omitempty"`

	// MaxAttempts bounds retries for non rate-limit failures
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// RetryBaseDelay is the base delay for exponential backoff in milliseconds
	RetryBaseDelay int `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`

	// RetryMaxDelay caps the exponential backoff in milliseconds
	RetryMaxDelay int `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`

	// RequestTimeout is the per-request timeout in seconds
	RequestTimeout int `mapstructure:"request_timeout" yaml:"request_timeout"`

	// Sync holds the synchronization settings
	Sync SyncSettings `mapstructure:"sync" yaml:"sync"`
}

// SyncSettings describes what is synchronized and how
type SyncSettings struct {
	LocalRoot            string   `mapstructure:"local_root" yaml:"local_root"`
	LocalScope           string   `mapstructure:"local_scope" yaml:"local_scope,omitempty"`
	RemoteBasePath       string   `mapstructure:"remote_base_path" yaml:"remote_base_path"`
	VaultFolderName      string   `mapstructure:"vault_folder_name" yaml:"vault_folder_name,omitempty"`
	IgnorePatterns       []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	ExcludeExtensions    []string `mapstructure:"exclude_extensions" yaml:"exclude_extensions"`
	MaxSizeMB            int      `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	Mode                 string   `mapstructure:"mode" yaml:"mode"`
	DeletePolicy         string   `mapstructure:"delete_policy" yaml:"delete_policy"`
	ConflictStrategy     string   `mapstructure:"conflict_strategy" yaml:"conflict_strategy"`
	TimeSkewToleranceSec int      `mapstructure:"time_skew_tolerance_sec" yaml:"time_skew_tolerance_sec"`
	UploadConcurrency    int      `mapstructure:"upload_concurrency" yaml:"upload_concurrency"`
	DownloadConcurrency  int      `mapstructure:"download_concurrency" yaml:"download_concurrency"`
	ChunkedDownloads     bool     `mapstructure:"chunked_downloads" yaml:"chunked_downloads"`
	ChunkSizeBytes       int64    `mapstructure:"chunk_size_bytes" yaml:"chunk_size_bytes"`
	VerifyDownloads      bool     `mapstructure:"verify_downloads" yaml:"verify_downloads"`
	AutoSyncIntervalMin  int      `mapstructure:"auto_sync_interval_min" yaml:"auto_sync_interval_min"`
	WatchLocal           bool     `mapstructure:"watch_local" yaml:"watch_local"`
	WatchDebounceMs      int      `mapstructure:"watch_debounce_ms" yaml:"watch_debounce_ms"`
	ProgressLines        int      `mapstructure:"progress_lines" yaml:"progress_lines"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProfile:      "default",
		DefaultOutputFormat: types.OutputFormatTable,
		LogLevel:            "info",
		ColorOutput:         true,
		APIBaseURL:          utils.DiskAPIBase,
		AuthScheme:          utils.DefaultAuthScheme,
		MaxAttempts:         utils.DefaultMaxAttempts,
		RetryBaseDelay:      utils.DefaultRetryDelayMs,
		RetryMaxDelay:       utils.MaxRetryDelayMs,
		RequestTimeout:      120,
		Sync: SyncSettings{
			LocalRoot:            ".",
			RemoteBasePath:       utils.DefaultRemoteBase,
			IgnorePatterns:       []string{".obsidian/**", "**/.trash/**"},
			ExcludeExtensions:    []string{},
			MaxSizeMB:            utils.DefaultMaxSizeMB,
			Mode:                 "two-way",
			DeletePolicy:         "mirror",
			ConflictStrategy:     "newest-wins",
			TimeSkewToleranceSec: utils.DefaultTimeSkewToleranceS,
			UploadConcurrency:    utils.DefaultUploadConcurrency,
			DownloadConcurrency:  utils.DefaultDownloadConcurrency,
			ChunkedDownloads:     true,
			ChunkSizeBytes:       utils.DefaultChunkSize,
			AutoSyncIntervalMin:  0,
			WatchDebounceMs:      utils.DefaultWatchDebounceMs,
			ProgressLines:        utils.DefaultProgressLines,
		},
	}
}

// setDefaults registers every key so env overrides are recognized
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("default_profile", d.DefaultProfile)
	v.SetDefault("output_format", string(d.DefaultOutputFormat))
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("color_output", d.ColorOutput)
	v.SetDefault("api_base_url", d.APIBaseURL)
	v.SetDefault("auth_scheme", d.AuthScheme)
	v.SetDefault("client_id", d.ClientID)
	v.SetDefault("oauth_scopes", d.OAuthScopes)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("retry_base_delay", d.RetryBaseDelay)
	v.SetDefault("retry_max_delay", d.RetryMaxDelay)
	v.SetDefault("request_timeout", d.RequestTimeout)

	s := d.Sync
	v.SetDefault("sync.local_root", s.LocalRoot)
	v.SetDefault("sync.local_scope", s.LocalScope)
	v.SetDefault("sync.remote_base_path", s.RemoteBasePath)
	v.SetDefault("sync.vault_folder_name", s.VaultFolderName)
	v.SetDefault("sync.ignore_patterns", s.IgnorePatterns)
	v.SetDefault("sync.exclude_extensions", s.ExcludeExtensions)
	v.SetDefault("sync.max_size_mb", s.MaxSizeMB)
	v.SetDefault("sync.mode", s.Mode)
	v.SetDefault("sync.delete_policy", s.DeletePolicy)
	v.SetDefault("sync.conflict_strategy", s.ConflictStrategy)
	v.SetDefault("sync.time_skew_tolerance_sec", s.TimeSkewToleranceSec)
	v.SetDefault("sync.upload_concurrency", s.UploadConcurrency)
	v.SetDefault("sync.download_concurrency", s.DownloadConcurrency)
	v.SetDefault("sync.chunked_downloads", s.ChunkedDownloads)
	v.SetDefault("sync.chunk_size_bytes", s.ChunkSizeBytes)
	v.SetDefault("sync.verify_downloads", s.VerifyDownloads)
	v.SetDefault("sync.auto_sync_interval_min", s.AutoSyncIntervalMin)
	v.SetDefault("sync.watch_local", s.WatchLocal)
	v.SetDefault("sync.watch_debounce_ms", s.WatchDebounceMs)
	v.SetDefault("sync.progress_lines", s.ProgressLines)
}

// Keys lists every settable configuration key.
func Keys() []string {
	v := viper.New()
	setDefaults(v)
	return v.AllKeys()
}

func newViper(fs afero.Fs, dir string) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigName(strings.TrimSuffix(ConfigFileName, filepath.Ext(ConfigFileName)))
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load loads configuration with precedence: CLI flags > env vars > config file > defaults
func Load() (*Config, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(afero.NewOsFs(), dir)
}

// LoadFrom loads configuration from dir on fs
func LoadFrom(fs afero.Fs, dir string) (*Config, error) {
	v := newViper(fs, dir)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	return decode(v)
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not existing is not an error
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load config file: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Set updates one key in the config file at dir, validating the result.
func Set(fs afero.Fs, dir, key, value string) (*Config, error) {
	v := newViper(fs, dir)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	key = strings.ToLower(key)
	if !v.IsSet(key) {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	switch v.Get(key).(type) {
	case []string, []interface{}:
		v.Set(key, splitList(value))
	default:
		v.Set(key, value)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.SaveTo(fs, dir); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save saves the configuration to the config file
func (c *Config) Save() error {
	dir, err := GetConfigDir()
	if err != nil {
		return err
	}
	return c.SaveTo(afero.NewOsFs(), dir)
}

// SaveTo writes the configuration as YAML into dir on fs
func (c *Config) SaveTo(fs afero.Fs, dir string) error {
	// Validate before saving
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file with restricted permissions
	if err := afero.WriteFile(fs, filepath.Join(dir, ConfigFileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.DefaultOutputFormat {
	case types.OutputFormatJSON, types.OutputFormatTable, types.OutputFormatYAML:
	default:
		return fmt.Errorf("invalid output format: %s (must be 'json', 'table' or 'yaml')", c.DefaultOutputFormat)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("api base url must not be empty")
	}

	if c.MaxAttempts < 1 || c.MaxAttempts > 20 {
		return fmt.Errorf("max attempts must be between 1 and 20, got: %d", c.MaxAttempts)
	}

	if c.RetryBaseDelay < 100 || c.RetryBaseDelay > 60000 {
		return fmt.Errorf("retry base delay must be between 100ms and 60000ms, got: %d", c.RetryBaseDelay)
	}

	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry max delay must not be below the base delay, got: %d", c.RetryMaxDelay)
	}

	if c.RequestTimeout < 1 || c.RequestTimeout > 3600 {
		return fmt.Errorf("request timeout must be between 1 and 3600 seconds, got: %d", c.RequestTimeout)
	}

	return c.Sync.Validate()
}

// Validate checks the sync settings
func (s *SyncSettings) Validate() error {
	if s.LocalRoot == "" {
		return fmt.Errorf("local root must not be empty")
	}

	validModes := []string{"two-way", "upload", "download"}
	if !contains(validModes, s.Mode) {
		return fmt.Errorf("invalid sync mode: %s (must be one of: %s)", s.Mode, strings.Join(validModes, ", "))
	}

	validDelete := []string{"mirror", "skip"}
	if !contains(validDelete, s.DeletePolicy) {
		return fmt.Errorf("invalid delete policy: %s (must be one of: %s)", s.DeletePolicy, strings.Join(validDelete, ", "))
	}

	validStrategies := []string{"newest-wins", "duplicate-both"}
	if !contains(validStrategies, s.ConflictStrategy) {
		return fmt.Errorf("invalid conflict strategy: %s (must be one of: %s)", s.ConflictStrategy, strings.Join(validStrategies, ", "))
	}

	if s.TimeSkewToleranceSec < 0 {
		return fmt.Errorf("time skew tolerance must be non-negative, got: %d", s.TimeSkewToleranceSec)
	}

	if s.MaxSizeMB < 0 {
		return fmt.Errorf("max size must be non-negative, got: %d", s.MaxSizeMB)
	}

	if s.UploadConcurrency < 1 || s.UploadConcurrency > 16 {
		return fmt.Errorf("upload concurrency must be between 1 and 16, got: %d", s.UploadConcurrency)
	}

	if s.DownloadConcurrency < 1 || s.DownloadConcurrency > 16 {
		return fmt.Errorf("download concurrency must be between 1 and 16, got: %d", s.DownloadConcurrency)
	}

	if s.ChunkSizeBytes < 64*1024 {
		return fmt.Errorf("chunk size must be at least 65536 bytes, got: %d", s.ChunkSizeBytes)
	}

	if s.AutoSyncIntervalMin < 0 {
		return fmt.Errorf("auto sync interval must be non-negative, got: %d", s.AutoSyncIntervalMin)
	}

	if s.ProgressLines < 1 {
		return fmt.Errorf("progress lines must be positive, got: %d", s.ProgressLines)
	}

	return nil
}

// GetRetryBaseDelay returns the retry base delay as a duration
func (c *Config) GetRetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelay) * time.Millisecond
}

// GetRetryMaxDelay returns the backoff ceiling as a duration
func (c *Config) GetRetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelay) * time.Millisecond
}

// GetRequestTimeout returns the request timeout as a duration
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// LocalSyncRoot is the directory whose contents are synchronized.
func (s *SyncSettings) LocalSyncRoot() string {
	scope := strings.Trim(filepath.ToSlash(s.LocalScope), "/")
	if scope == "" {
		return s.LocalRoot
	}
	return filepath.Join(s.LocalRoot, filepath.FromSlash(scope))
}

// FolderName returns the remote folder for this tree, derived from the
// local root name when not configured. Path separators are stripped.
func (s *SyncSettings) FolderName() string {
	name := strings.NewReplacer("/", "", "\\", "").Replace(strings.TrimSpace(s.VaultFolderName))
	if name != "" {
		return name
	}
	if abs, err := filepath.Abs(s.LocalRoot); err == nil {
		base := strings.NewReplacer("/", "", "\\", "").Replace(filepath.Base(abs))
		if base != "" && base != "." {
			return base
		}
	}
	return utils.DefaultVaultFolder
}

// RemoteRoot is the remote base path with the folder name appended,
// e.g. "app:/notes" or "disk:/Backups/notes".
func (s *SyncSettings) RemoteRoot() string {
	base := strings.TrimRight(s.RemoteBasePath, "/")
	if base == "" {
		base = strings.TrimRight(utils.DefaultRemoteBase, "/")
	}
	return base + "/" + s.FolderName()
}

// ChunkSize returns the download chunk size, never below one byte.
func (s *SyncSettings) ChunkSize() int64 {
	if s.ChunkSizeBytes <= 0 {
		return utils.DefaultChunkSize
	}
	return s.ChunkSizeBytes
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, ConfigFileName), nil
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", ConfigDirName), nil
}

// GetStateDir returns the per-profile directory holding the index and journal
func GetStateDir(configDir, profile string) string {
	if profile == "" {
		profile = "default"
	}
	return filepath.Join(configDir, "state", profile)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
