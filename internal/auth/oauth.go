package auth

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"golang.org/x/oauth2"
)

// VerificationCodeRedirect is the out-of-band page that shows the user a confirmation code
const VerificationCodeRedirect = "https://oauth.yandex.ru/verification_code"

// Endpoint is the OAuth endpoint of the disk provider
var Endpoint = oauth2.Endpoint{
	AuthURL:  utils.OAuthAuthorizeURL,
	TokenURL: utils.OAuthTokenURL,
}

// OAuthFlow handles the confirmation-code flow with PKCE
type OAuthFlow struct {
	config       *oauth2.Config
	state        string
	codeVerifier string
}

// NewOAuthFlow creates a new OAuth flow handler
func NewOAuthFlow(config *oauth2.Config) (*OAuthFlow, error) {
	if config == nil || config.ClientID == "" {
		return nil, fmt.Errorf("OAuth client id not set")
	}

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	cfg := *config
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = VerificationCodeRedirect
	}

	return &OAuthFlow{
		config:       &cfg,
		state:        state,
		codeVerifier: verifier,
	}, nil
}

// GetAuthURL returns the URL where the user grants access and receives a code
func (f *OAuthFlow) GetAuthURL() string {
	return f.config.AuthCodeURL(
		f.state,
		oauth2.SetAuthURLParam("code_challenge", codeChallengeS256(f.codeVerifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("force_confirm", "yes"),
	)
}

// ExchangeCode trades a confirmation code for credentials
func (f *OAuthFlow) ExchangeCode(ctx context.Context, code string) (*types.Credentials, error) {
	token, err := f.config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", f.codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return &types.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    utils.DefaultAuthScheme,
		ExpiryDate:   token.Expiry,
		ObtainedAt:   time.Now(),
		Scopes:       f.config.Scopes,
	}, nil
}

// ImplicitGrantURL builds the authorize URL that returns the token in the
// redirect fragment, for apps registered without a client secret.
func ImplicitGrantURL(clientID string, scopes []string) string {
	cfg := &oauth2.Config{ClientID: clientID, Endpoint: Endpoint, Scopes: scopes}
	return cfg.AuthCodeURL("", oauth2.SetAuthURLParam("response_type", "token"))
}

// CredentialsFromRedirect extracts access_token and expires_in from the URL
// (or bare fragment) the browser landed on after an implicit grant.
func CredentialsFromRedirect(raw string) (*types.Credentials, error) {
	raw = strings.TrimSpace(raw)
	fragment := raw
	if i := strings.Index(raw, "#"); i >= 0 {
		fragment = raw[i+1:]
	}

	values, err := url.ParseQuery(fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redirect: %w", err)
	}
	if msg := values.Get("error"); msg != "" {
		return nil, fmt.Errorf("authorization failed: %s %s", msg, values.Get("error_description"))
	}

	token := values.Get("access_token")
	if token == "" {
		return nil, fmt.Errorf("redirect does not contain an access_token")
	}

	now := time.Now()
	creds := &types.Credentials{
		AccessToken: token,
		TokenType:   utils.DefaultAuthScheme,
		ObtainedAt:  now,
	}
	if exp := values.Get("expires_in"); exp != "" {
		if secs, err := strconv.ParseInt(exp, 10, 64); err == nil && secs > 0 {
			creds.ExpiryDate = now.Add(time.Duration(secs) * time.Second)
		}
	}
	return creds, nil
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func generateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func codeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func promptForAuthCode(reader *bufio.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Paste the confirmation code: ")
	code, err := reader.ReadString('\n')
	if err != nil && code == "" {
		return "", err
	}
	return strings.TrimSpace(code), nil
}

// Authenticate runs the interactive confirmation-code flow and stores the result
func (m *Manager) Authenticate(ctx context.Context, profile string, in io.Reader, out io.Writer) (*types.Credentials, error) {
	flow, err := NewOAuthFlow(m.oauth)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "Open this URL in a browser and grant access:\n\n  %s\n\n", flow.GetAuthURL())

	code, err := promptForAuthCode(bufio.NewReader(in), out)
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmation code: %w", err)
	}
	if code == "" {
		return nil, fmt.Errorf("no confirmation code entered")
	}

	creds, err := flow.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := m.SaveCredentials(profile, creds); err != nil {
		return nil, err
	}
	return creds, nil
}
