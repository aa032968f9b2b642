package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManagerWithOptions(t.TempDir(), ManagerOptions{ForcePlainFile: true})
}

func TestManager_NeedsRefresh(t *testing.T) {
	mgr := newTestManager(t)

	tests := []struct {
		name     string
		expiry   time.Time
		expected bool
	}{
		{"No expiry", time.Time{}, false},
		{"Expired credentials", time.Now().Add(-1 * time.Hour), true},
		{"Expiring soon (within 5 min)", time.Now().Add(3 * time.Minute), true},
		{"Valid credentials", time.Now().Add(1 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := &types.Credentials{ExpiryDate: tt.expiry}
			if got := mgr.NeedsRefresh(creds); got != tt.expected {
				t.Errorf("NeedsRefresh() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestManager_SaveLoadCredentials(t *testing.T) {
	mgr := newTestManager(t)
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)

	err := mgr.SaveCredentials("default", &types.Credentials{
		AccessToken:  "abc",
		RefreshToken: "def",
		TokenType:    "OAuth",
		ExpiryDate:   expiry,
	})
	require.NoError(t, err)

	creds, err := mgr.LoadCredentials("default")
	require.NoError(t, err)
	assert.Equal(t, "abc", creds.AccessToken)
	assert.Equal(t, "def", creds.RefreshToken)
	assert.True(t, creds.ExpiryDate.Equal(expiry))

	profiles, err := mgr.ListProfiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, profiles)

	require.NoError(t, mgr.DeleteCredentials("default"))
	_, err = mgr.LoadCredentials("default")
	assert.Error(t, err)
}

func TestManager_SaveCredentialsRejectsEmpty(t *testing.T) {
	mgr := newTestManager(t)
	assert.Error(t, mgr.SaveCredentials("default", &types.Credentials{}))
}

func TestManager_GetValidCredentials(t *testing.T) {
	t.Setenv(TokenEnvVar, "")

	t.Run("missing credentials", func(t *testing.T) {
		mgr := newTestManager(t)
		_, err := mgr.GetValidCredentials(context.Background(), "default")
		require.Error(t, err)
		assert.True(t, utils.HasCode(err, utils.ErrCodeAuthRequired))
	})

	t.Run("token without expiry", func(t *testing.T) {
		mgr := newTestManager(t)
		require.NoError(t, mgr.SaveToken("default", "tok"))
		creds, err := mgr.GetValidCredentials(context.Background(), "default")
		require.NoError(t, err)
		assert.Equal(t, "tok", creds.AccessToken)
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		mgr := newTestManager(t)
		require.NoError(t, mgr.SaveCredentials("default", &types.Credentials{
			AccessToken: "old",
			ExpiryDate:  time.Now().Add(-time.Hour),
		}))
		_, err := mgr.GetValidCredentials(context.Background(), "default")
		require.Error(t, err)
		assert.True(t, utils.HasCode(err, utils.ErrCodeAuthExpired))
	})
}

func TestManager_TokenSourceEnvOverride(t *testing.T) {
	t.Setenv(TokenEnvVar, "from-env")
	mgr := newTestManager(t)

	tok, err := mgr.TokenSource(context.Background(), "default").Token()
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok.AccessToken)
	assert.Equal(t, "OAuth", tok.TokenType)
}

func TestManager_KeyringBackend(t *testing.T) {
	keyring.MockInit()
	t.Setenv(TokenEnvVar, "")

	mgr := NewManager(t.TempDir())
	assert.True(t, mgr.UseKeyring())
	assert.Equal(t, "system-keyring", mgr.GetStorageBackend())

	require.NoError(t, mgr.SaveToken("work", "k-token"))
	profiles, err := mgr.ListProfiles()
	require.NoError(t, err)
	assert.Contains(t, profiles, "work")

	tok, err := mgr.TokenSource(context.Background(), "work").Token()
	require.NoError(t, err)
	assert.Equal(t, "k-token", tok.AccessToken)
}

func TestManager_RefreshWritesBackAndKeepsRefreshToken(t *testing.T) {
	t.Setenv(TokenEnvVar, "")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	mgr := newTestManager(t)
	mgr.SetOAuthConfig("client", "secret", nil)
	mgr.oauth.Endpoint = oauth2.Endpoint{TokenURL: server.URL + "/token"}
	require.NoError(t, mgr.SaveCredentials("default", &types.Credentials{
		AccessToken:  "stale",
		RefreshToken: "1:keep",
		TokenType:    "OAuth",
		ExpiryDate:   time.Now().Add(time.Minute),
	}))

	creds, err := mgr.GetValidCredentials(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "fresh", creds.AccessToken)
	assert.Equal(t, "OAuth", creds.TokenType)

	stored, err := mgr.LoadCredentials("default")
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.Equal(t, "1:keep", stored.RefreshToken)
	assert.False(t, mgr.NeedsRefresh(stored))
}

func TestManager_UnreadableTokenNeedsLogin(t *testing.T) {
	t.Setenv(TokenEnvVar, "")
	store := NewPlainFileStorage(afero.NewMemMapFs(), "/cfg")
	require.NoError(t, store.Save("default", []byte("{not json")))
	mgr := NewManagerWithOptions("/cfg", ManagerOptions{Storage: store})

	_, err := mgr.GetValidCredentials(context.Background(), "default")
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeAuthRequired))

	var appErr *utils.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.CLIError.Context["cause"], "unreadable")
}
