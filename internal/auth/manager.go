package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/afero"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
)

const (
	serviceName = "ydsync"
	// refreshSkew renews a token this long before it actually expires
	refreshSkew = 5 * time.Minute
	// TokenEnvVar overrides stored credentials when set
	TokenEnvVar = "YDSYNC_TOKEN"
)

// Manager resolves the Disk token for a profile: env override first, then
// the configured storage backend, refreshing through OAuth when possible.
type Manager struct {
	storage    StorageBackend
	warning    string
	oauth      *oauth2.Config
	useKeyring bool
}

// ManagerOptions configures the auth manager
type ManagerOptions struct {
	ForceEncryptedFile bool // skip the keyring probe
	ForcePlainFile     bool // insecure, development only
	// Storage, when set, bypasses backend selection
	Storage StorageBackend
	// Fs holds the token directory; nil means the OS filesystem
	Fs afero.Fs
}

func NewManager(configDir string) *Manager {
	return NewManagerWithOptions(configDir, ManagerOptions{})
}

// NewManagerWithOptions picks a backend: an explicit Storage, else the
// keyring when it answers, else sealed files, else plain files. Every
// fallback leaves a warning for the CLI to surface.
func NewManagerWithOptions(configDir string, opts ManagerOptions) *Manager {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	storage, warning := chooseStorage(fs, configDir, opts)
	_, onKeyring := storage.(*KeyringStorage)
	return &Manager{storage: storage, warning: warning, useKeyring: onKeyring}
}

func chooseStorage(fs afero.Fs, configDir string, opts ManagerOptions) (StorageBackend, string) {
	switch {
	case opts.Storage != nil:
		return opts.Storage, ""
	case opts.ForcePlainFile:
		return NewPlainFileStorage(fs, configDir), "WARNING: Using unencrypted file storage. Tokens are stored in plain text."
	case !opts.ForceEncryptedFile && keyringUsable():
		return NewKeyringStorage(serviceName, fs, configDir), ""
	}

	sealed, err := NewEncryptedFileStorage(fs, configDir)
	if err != nil {
		return NewPlainFileStorage(fs, configDir), fmt.Sprintf("WARNING: Token encryption unavailable (%v). Using plain file storage.", err)
	}
	if opts.ForceEncryptedFile {
		return sealed, ""
	}
	return sealed, "INFO: System keyring not available. Using encrypted file storage."
}

// keyringUsable round-trips a throwaway secret
func keyringUsable() bool {
	const account = "ydsync-probe"
	if err := keyring.Set(serviceName, account, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(serviceName, account)
	return true
}

// SetOAuthConfig enables refresh and the confirmation-code login for this
// manager.
func (m *Manager) SetOAuthConfig(clientID, clientSecret string, scopes []string) {
	m.oauth = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Endpoint:     Endpoint,
		RedirectURL:  VerificationCodeRedirect,
	}
}

func toStored(profile string, c *types.Credentials) types.StoredCredentials {
	s := types.StoredCredentials{
		Profile:      profile,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Scopes:       c.Scopes,
	}
	if !c.ExpiryDate.IsZero() {
		s.ExpiryDate = c.ExpiryDate.UTC().Format(time.RFC3339)
	}
	if !c.ObtainedAt.IsZero() {
		s.ObtainedAt = c.ObtainedAt.UTC().Format(time.RFC3339)
	}
	return s
}

func fromStored(s types.StoredCredentials) (*types.Credentials, error) {
	c := &types.Credentials{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		Scopes:       s.Scopes,
	}
	if s.ExpiryDate != "" {
		t, err := time.Parse(time.RFC3339, s.ExpiryDate)
		if err != nil {
			return nil, fmt.Errorf("invalid expiry date: %w", err)
		}
		c.ExpiryDate = t
	}
	// obtained_at is informational only
	if t, err := time.Parse(time.RFC3339, s.ObtainedAt); err == nil {
		c.ObtainedAt = t
	}
	return c, nil
}

// LoadCredentials reads the stored token of profile. Missing credentials wrap
// ErrNoCredentials.
func (m *Manager) LoadCredentials(profile string) (*types.Credentials, error) {
	data, err := m.storage.Load(profile)
	if err != nil {
		return nil, err
	}
	var stored types.StoredCredentials
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("stored token for profile %q is unreadable: %w", profile, err)
	}
	if stored.AccessToken == "" {
		return nil, noCredentials(profile)
	}
	return fromStored(stored)
}

func (m *Manager) SaveCredentials(profile string, creds *types.Credentials) error {
	if creds == nil || creds.AccessToken == "" {
		return fmt.Errorf("refusing to store empty credentials")
	}
	data, err := json.Marshal(toStored(profile, creds))
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return m.storage.Save(profile, data)
}

// SaveToken stores a bare access token, as pasted by the user
func (m *Manager) SaveToken(profile, token string) error {
	return m.SaveCredentials(profile, &types.Credentials{
		AccessToken: token,
		TokenType:   utils.DefaultAuthScheme,
		ObtainedAt:  time.Now(),
	})
}

func (m *Manager) DeleteCredentials(profile string) error {
	return m.storage.Delete(profile)
}

// ListProfiles returns the profiles with stored credentials, sorted by name
func (m *Manager) ListProfiles() ([]string, error) {
	return m.storage.Profiles()
}

// NeedsRefresh reports whether creds expire within refreshSkew. Tokens
// without an expiry never do.
func (m *Manager) NeedsRefresh(creds *types.Credentials) bool {
	return !creds.ExpiryDate.IsZero() && time.Until(creds.ExpiryDate) < refreshSkew
}

// RefreshCredentials exchanges the refresh token for a new access token. A
// response without a refresh token keeps the old one.
func (m *Manager) RefreshCredentials(ctx context.Context, creds *types.Credentials) (*types.Credentials, error) {
	switch {
	case creds.RefreshToken == "":
		return nil, fmt.Errorf("no refresh token stored")
	case m.oauth == nil:
		return nil, fmt.Errorf("OAuth client not configured")
	}

	// no access token, so the source cannot hand back the expiring one
	fresh, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	next := *creds
	next.AccessToken = fresh.AccessToken
	next.ExpiryDate = fresh.Expiry
	next.ObtainedAt = time.Now()
	if fresh.RefreshToken != "" {
		next.RefreshToken = fresh.RefreshToken
	}
	return &next, nil
}

// GetValidCredentials returns a usable token for profile. YDSYNC_TOKEN wins
// over storage; an expiring token is refreshed and written back.
func (m *Manager) GetValidCredentials(ctx context.Context, profile string) (*types.Credentials, error) {
	if token := os.Getenv(TokenEnvVar); token != "" {
		return &types.Credentials{AccessToken: token, TokenType: utils.DefaultAuthScheme}, nil
	}

	creds, err := m.LoadCredentials(profile)
	if err != nil {
		b := utils.NewCLIError(utils.ErrCodeAuthRequired, "No credentials found. Run 'ydsync auth login' first.").
			WithContext("profile", profile)
		if !errors.Is(err, ErrNoCredentials) {
			b = b.WithContext("cause", err.Error())
		}
		return nil, utils.NewAppError(b.Build())
	}
	if !m.NeedsRefresh(creds) {
		return creds, nil
	}

	if creds.RefreshToken == "" {
		if time.Now().After(creds.ExpiryDate) {
			return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthExpired,
				"Access token expired. Run 'ydsync auth login' to store a new one.").
				WithContext("profile", profile).
				Build())
		}
		return creds, nil
	}

	fresh, err := m.RefreshCredentials(ctx, creds)
	if err != nil {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthExpired,
			"Token refresh failed. Run 'ydsync auth login' to re-authenticate.").
			WithContext("profile", profile).
			Build())
	}
	if err := m.SaveCredentials(profile, fresh); err != nil {
		return nil, fmt.Errorf("failed to save refreshed credentials: %w", err)
	}
	return fresh, nil
}

// profileTokenSource adapts stored credentials to oauth2.TokenSource
type profileTokenSource struct {
	ctx     context.Context
	mgr     *Manager
	profile string
}

func (s *profileTokenSource) Token() (*oauth2.Token, error) {
	creds, err := s.mgr.GetValidCredentials(s.ctx, s.profile)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
		Expiry:       creds.ExpiryDate,
	}, nil
}

// TokenSource returns a cached token source for profile
func (m *Manager) TokenSource(ctx context.Context, profile string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &profileTokenSource{ctx: ctx, mgr: m, profile: profile})
}

func (m *Manager) UseKeyring() bool { return m.useKeyring }

// GetStorageBackend names the backend in use, e.g. "system-keyring"
func (m *Manager) GetStorageBackend() string { return m.storage.Name() }

// GetStorageWarning is non-empty when the manager fell back from the keyring
func (m *Manager) GetStorageWarning() string { return m.warning }
