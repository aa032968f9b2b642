package cli

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/MozGangster/ydsync/internal/api"
	"github.com/MozGangster/ydsync/internal/auth"
	"github.com/MozGangster/ydsync/internal/config"
	syncengine "github.com/MozGangster/ydsync/internal/sync"
	"github.com/MozGangster/ydsync/internal/sync/conflict"
	"github.com/MozGangster/ydsync/internal/sync/diff"
	"github.com/MozGangster/ydsync/internal/sync/exclude"
	"github.com/MozGangster/ydsync/internal/sync/index"
	"github.com/MozGangster/ydsync/internal/sync/journal"
	"github.com/MozGangster/ydsync/internal/sync/localfs"
	"github.com/MozGangster/ydsync/internal/sync/progress"
	"github.com/MozGangster/ydsync/internal/sync/transfer"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/asaskevich/EventBus"
	"github.com/spf13/afero"
)

// osFs is swapped for a memory filesystem in tests
var osFs = func() afero.Fs { return afero.NewOsFs() }

// newHTTPClient is swapped in tests to reach a local server
var newHTTPClient = func(timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if debugTransport != nil {
		client.Transport = debugTransport
	}
	return client
}

// storageOptions picks the credential backend; tests use a memory backend
var storageOptions = func() auth.ManagerOptions { return auth.ManagerOptions{} }

func configDir() (string, error) {
	if globalFlags.ConfigDir != "" {
		return globalFlags.ConfigDir, nil
	}
	return config.GetConfigDir()
}

func loadConfig() (*config.Config, string, error) {
	dir, err := configDir()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadFrom(osFs(), dir)
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}

func profileName(cfg *config.Config) string {
	if globalFlags.Profile != "" {
		return globalFlags.Profile
	}
	if cfg != nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return "default"
}

func authManager(dir string) *auth.Manager {
	return auth.NewManagerWithOptions(dir, storageOptions())
}

// appContext is everything a sync-related command needs
type appContext struct {
	cfg     *config.Config
	dir     string
	profile string
	client  *api.Client
	index   *index.Store
	journal *journal.DB
	engine  *syncengine.Engine
	bus     EventBus.Bus
}

func (a *appContext) Close() {
	if a.journal != nil {
		_ = a.journal.Close()
	}
}

func newAPIClient(ctx context.Context, cfg *config.Config, dir, profile string) *api.Client {
	policy := api.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.BaseDelay = cfg.GetRetryBaseDelay()
	policy.MaxDelay = cfg.GetRetryMaxDelay()

	return api.NewClient(api.ClientOptions{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: newHTTPClient(cfg.GetRequestTimeout()),
		Tokens:     authManager(dir).TokenSource(ctx, profile),
		AuthScheme: cfg.AuthScheme,
		Policy:     policy,
		Profile:    profile,
		Logger:     logger,
	})
}

func syncSettings(cfg *config.Config) diff.Settings {
	s := cfg.Sync
	return diff.Settings{
		Mode:             diff.Mode(s.Mode),
		DeletePolicy:     diff.DeletePolicy(s.DeletePolicy),
		ConflictStrategy: conflict.Strategy(s.ConflictStrategy),
		TimeSkew:         time.Duration(s.TimeSkewToleranceSec) * time.Second,
		RemoteRoot:       s.RemoteRoot(),
	}
}

func transferProfile(cfg *config.Config) transfer.Profile {
	s := cfg.Sync
	return transfer.Profile{
		ChunkSize:           s.ChunkSize(),
		UploadConcurrency:   s.UploadConcurrency,
		DownloadConcurrency: s.DownloadConcurrency,
		ChunkingEnabled:     s.ChunkedDownloads,
		VerifyChecksums:     s.VerifyDownloads,
	}
}

func syncFilter(cfg *config.Config) *exclude.Filter {
	return exclude.New(cfg.Sync.IgnorePatterns, cfg.Sync.ExcludeExtensions, cfg.Sync.MaxSizeMB)
}

// newAppContext wires config, credentials, the API client, state stores and
// the engine. mutate adjusts the loaded config before wiring, e.g. for
// per-invocation flag overrides.
func newAppContext(ctx context.Context, mutate func(*config.Config) error) (*appContext, error) {
	cfg, dir, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		if err := mutate(cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	profile := profileName(cfg)
	stateDir := config.GetStateDir(dir, profile)
	fs := osFs()
	client := newAPIClient(ctx, cfg, dir, profile)

	jdb, err := journal.Open(filepath.Join(stateDir, journal.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open run journal: %w", err)
	}

	store := localfs.NewWithFs(afero.NewBasePathFs(fs, cfg.Sync.LocalRoot))
	idx := index.NewStore(fs, stateDir, logger)
	bus := progress.NewBus()

	engine := syncengine.NewEngine(syncengine.Options{
		Remote:         client,
		Waiter:         api.NewOperationPoller(client, utils.OperationPollInterval, utils.OperationPollTimeout),
		Store:          store,
		Scope:          cfg.Sync.LocalScope,
		Filter:         syncFilter(cfg),
		Index:          idx,
		Journal:        jdb,
		Sync:           syncSettings(cfg),
		Profile:        transferProfile(cfg),
		ProgressLines:  cfg.Sync.ProgressLines,
		Logger:         logger,
		Bus:            bus,
		TransportError: client.LastError,
	})

	return &appContext{
		cfg:     cfg,
		dir:     dir,
		profile: profile,
		client:  client,
		index:   idx,
		journal: jdb,
		engine:  engine,
		bus:     bus,
	}, nil
}
