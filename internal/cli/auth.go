package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MozGangster/ydsync/internal/auth"
	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authentication commands",
	Long:  "Manage the OAuth token used to talk to Yandex Disk",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an OAuth token",
	Long: `Store an OAuth token for the current profile.

The token can be given directly with --token, as the URL the browser was
redirected to after an implicit grant with --redirect, or obtained through
the interactive confirmation-code flow when a client id is configured.`,
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	Long:  "Delete stored credentials for the current or specified profile",
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE:  runAuthStatus,
}

var authURLCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the implicit grant authorize URL",
	Long:  "Print the URL to open in a browser; pass the page it redirects to to 'auth login --redirect'",
	RunE:  runAuthURL,
}

var authProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List credential profiles",
	RunE:  runAuthProfiles,
}

var (
	authToken        string
	authRedirect     string
	authClientID     string
	authClientSecret string
)

func init() {
	authLoginCmd.Flags().StringVar(&authToken, "token", "", "OAuth token to store")
	authLoginCmd.Flags().StringVar(&authRedirect, "redirect", "", "Redirect URL (or fragment) returned by the implicit grant")
	authLoginCmd.Flags().StringVar(&authClientID, "client-id", "", "OAuth client id (defaults to client_id from config)")
	authLoginCmd.Flags().StringVar(&authClientSecret, "client-secret", "", "OAuth client secret for the confirmation-code flow")
	authURLCmd.Flags().StringVar(&authClientID, "client-id", "", "OAuth client id (defaults to client_id from config)")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authURLCmd)
	authCmd.AddCommand(authProfilesCmd)
	rootCmd.AddCommand(authCmd)
}

func oauthScopes(raw string) []string {
	return strings.Fields(raw)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	cfg, dir, err := loadConfig()
	if err != nil {
		return out.Fail("auth.login", err, utils.ErrCodeInvalidArgument)
	}
	profile := profileName(cfg)
	mgr := authManager(dir)

	if warning := mgr.GetStorageWarning(); warning != "" {
		out.AddWarning("CREDENTIAL_STORAGE", warning, "warning")
		out.Log("%s", warning)
	}

	var creds *types.Credentials
	switch {
	case authToken != "":
		creds = &types.Credentials{
			AccessToken: strings.TrimSpace(authToken),
			TokenType:   utils.DefaultAuthScheme,
			ObtainedAt:  time.Now(),
		}
		err = mgr.SaveCredentials(profile, creds)
	case authRedirect != "":
		creds, err = auth.CredentialsFromRedirect(authRedirect)
		if err == nil {
			err = mgr.SaveCredentials(profile, creds)
		}
	default:
		clientID := authClientID
		if clientID == "" {
			clientID = cfg.ClientID
		}
		secret := authClientSecret
		if secret == "" {
			secret = os.Getenv("YDSYNC_CLIENT_SECRET")
		}
		if clientID == "" || secret == "" {
			return out.WriteError("auth.login", utils.NewCLIError(utils.ErrCodeInvalidArgument,
				"Pass --token or --redirect, or configure client_id and --client-secret for the interactive flow").Build())
		}
		mgr.SetOAuthConfig(clientID, secret, oauthScopes(cfg.OAuthScopes))
		creds, err = mgr.Authenticate(cmd.Context(), profile, cmd.InOrStdin(), cmd.ErrOrStderr())
	}
	if err != nil {
		return out.Fail("auth.login", err, utils.ErrCodeAuthRequired)
	}

	logger.Info("Credentials stored", logging.F("profile", profile), logging.F("backend", mgr.GetStorageBackend()))
	out.Log("Credentials stored for profile: %s", profile)
	return out.WriteSuccess("auth.login", map[string]interface{}{
		"profile":        profile,
		"expiry":         formatExpiry(creds.ExpiryDate),
		"storageBackend": mgr.GetStorageBackend(),
	})
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	cfg, dir, err := loadConfig()
	if err != nil {
		return out.Fail("auth.logout", err, utils.ErrCodeInvalidArgument)
	}
	profile := profileName(cfg)

	if err := authManager(dir).DeleteCredentials(profile); err != nil {
		return out.WriteError("auth.logout", utils.NewCLIError(utils.ErrCodeAuthRequired,
			fmt.Sprintf("No credentials found for profile '%s'", profile)).Build())
	}

	out.Log("Credentials removed for profile: %s", profile)
	return out.WriteSuccess("auth.logout", map[string]interface{}{
		"profile": profile,
		"status":  "logged_out",
	})
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	cfg, dir, err := loadConfig()
	if err != nil {
		return out.Fail("auth.status", err, utils.ErrCodeInvalidArgument)
	}
	profile := profileName(cfg)
	mgr := authManager(dir)

	if warning := mgr.GetStorageWarning(); warning != "" {
		out.Verbose("%s", warning)
	}

	if os.Getenv(auth.TokenEnvVar) != "" {
		return out.WriteSuccess("auth.status", map[string]interface{}{
			"profile":       profile,
			"authenticated": true,
			"source":        auth.TokenEnvVar,
		})
	}

	creds, err := mgr.LoadCredentials(profile)
	if err != nil {
		return out.WriteSuccess("auth.status", map[string]interface{}{
			"profile":        profile,
			"authenticated":  false,
			"storageBackend": mgr.GetStorageBackend(),
		})
	}

	expired := !creds.ExpiryDate.IsZero() && time.Now().After(creds.ExpiryDate)
	return out.WriteSuccess("auth.status", map[string]interface{}{
		"profile":        profile,
		"authenticated":  !expired || creds.RefreshToken != "",
		"expiry":         formatExpiry(creds.ExpiryDate),
		"expired":        expired,
		"needsRefresh":   mgr.NeedsRefresh(creds),
		"storageBackend": mgr.GetStorageBackend(),
	})
}

func runAuthURL(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	cfg, _, err := loadConfig()
	if err != nil {
		return out.Fail("auth.url", err, utils.ErrCodeInvalidArgument)
	}
	clientID := authClientID
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		return out.WriteError("auth.url", utils.NewCLIError(utils.ErrCodeInvalidArgument,
			"No client id: pass --client-id or run 'ydsync config set client_id <id>'").Build())
	}

	link := auth.ImplicitGrantURL(clientID, oauthScopes(cfg.OAuthScopes))
	if globalFlags.OutputFmt == types.OutputFormatTable {
		fmt.Fprintln(cmd.OutOrStdout(), link)
		return nil
	}
	return out.WriteSuccess("auth.url", map[string]interface{}{"url": link})
}

func runAuthProfiles(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	dir, err := configDir()
	if err != nil {
		return out.Fail("auth.profiles", err, utils.ErrCodeInvalidArgument)
	}
	mgr := authManager(dir)

	profiles, err := mgr.ListProfiles()
	if err != nil {
		return out.WriteError("auth.profiles", utils.NewCLIError(utils.ErrCodeUnknown,
			fmt.Sprintf("Failed to list profiles: %v", err)).Build())
	}

	list := profileList{backend: mgr.GetStorageBackend()}
	for _, profile := range profiles {
		row := profileRow{Profile: profile}
		if creds, err := mgr.LoadCredentials(profile); err == nil {
			row.Authenticated = true
			row.Expiry = formatExpiry(creds.ExpiryDate)
		}
		list.Profiles = append(list.Profiles, row)
	}
	return out.WriteSuccess("auth.profiles", list)
}

type profileRow struct {
	Profile       string `json:"profile"`
	Authenticated bool   `json:"authenticated"`
	Expiry        string `json:"expiry,omitempty"`
}

type profileList struct {
	Profiles []profileRow `json:"profiles"`
	backend  string
}

func (p profileList) Headers() []string { return []string{"Profile", "Authenticated", "Expiry"} }

func (p profileList) Rows() [][]string {
	rows := make([][]string, 0, len(p.Profiles))
	for _, r := range p.Profiles {
		rows = append(rows, []string{r.Profile, fmt.Sprint(r.Authenticated), formatValue(r.Expiry)})
	}
	return rows
}

func (p profileList) EmptyMessage() string {
	return fmt.Sprintf("No profiles stored (%s)", p.backend)
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
