package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MozGangster/ydsync/internal/auth"
	"github.com/MozGangster/ydsync/internal/config"
	"github.com/MozGangster/ydsync/internal/testing/mocks"
	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliFixture struct {
	srv   *mocks.DiskServer
	dir   string
	local string
}

func newCLIFixture(t *testing.T, mutate ...func(*config.Config)) *cliFixture {
	t.Helper()
	srv := mocks.NewDiskServer()
	t.Cleanup(srv.Close)

	f := &cliFixture{srv: srv, dir: t.TempDir(), local: t.TempDir()}

	cfg := config.DefaultConfig()
	cfg.APIBaseURL = srv.URL
	cfg.MaxAttempts = 1
	cfg.RetryBaseDelay = 100
	cfg.RetryMaxDelay = 100
	cfg.Sync.LocalRoot = f.local
	cfg.Sync.VaultFolderName = "vault"
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.SaveTo(afero.NewOsFs(), f.dir))

	t.Setenv("YDSYNC_CONFIG_DIR", f.dir)
	t.Setenv(auth.TokenEnvVar, mocks.TestToken)

	prevHTTP, prevStorage := newHTTPClient, storageOptions
	newHTTPClient = func(time.Duration) *http.Client { return srv.Client() }
	storageOptions = func() auth.ManagerOptions { return auth.ManagerOptions{ForcePlainFile: true} }
	t.Cleanup(func() {
		newHTTPClient, storageOptions = prevHTTP, prevStorage
	})
	return f
}

func (f *cliFixture) writeLocal(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.local, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// resetFlags restores every flag to its default so commands run in
// isolation within one process
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	globalFlags = types.GlobalFlags{}
	syncFlags = syncOverrides{}

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(bytes.NewReader(nil))
	rootCmd.SetArgs(append([]string{"--no-color"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func decodeData(t *testing.T, stdout string, v interface{}) {
	t.Helper()
	var env struct {
		Command string           `json:"command"`
		Data    json.RawMessage  `json:"data"`
		Errors  []types.CLIError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &env), stdout)
	require.Empty(t, env.Errors)
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestVersion(t *testing.T) {
	newCLIFixture(t)

	stdout, _, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ydsync ")
}

func TestInvalidOutputFormat(t *testing.T) {
	newCLIFixture(t)

	_, _, err := runCLI(t, "version", "--output", "xml")
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeInvalidArgument))
}

func TestConfigSetThenShow(t *testing.T) {
	newCLIFixture(t)

	_, _, err := runCLI(t, "config", "set", "sync.mode", "upload")
	require.NoError(t, err)

	stdout, _, err := runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "mode: upload")
}

func TestConfigSetRejectsUnknownKey(t *testing.T) {
	newCLIFixture(t)

	stdout, _, err := runCLI(t, "config", "set", "sync.nope", "1", "--json")
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeInvalidArgument))
	assert.Contains(t, stdout, `"code": "INVALID_ARGUMENT"`)
}

func TestConfigPath(t *testing.T) {
	f := newCLIFixture(t)

	stdout, _, err := runCLI(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dir, config.ConfigFileName)+"\n", stdout)
}

func TestSync_UploadsAndRecords(t *testing.T) {
	f := newCLIFixture(t)
	f.writeLocal(t, "a.md", "alpha")
	f.writeLocal(t, "notes/b.md", "beta")
	f.writeLocal(t, ".obsidian/workspace.json", "{}")

	stdout, _, err := runCLI(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Phase: Done")
	assert.Contains(t, stdout, "Uploads: 2/2")

	data, ok := f.srv.File("app:/vault/notes/b.md")
	require.True(t, ok)
	assert.Equal(t, "beta", string(data))
	assert.False(t, f.srv.Exists("app:/vault/.obsidian/workspace.json"))

	stdout, _, err = runCLI(t, "index", "show", "--json")
	require.NoError(t, err)
	var view indexView
	decodeData(t, stdout, &view)
	assert.True(t, view.Exists)
	assert.Equal(t, 2, view.Files)
	assert.NotEmpty(t, view.LastSyncAt)

	stdout, _, err = runCLI(t, "history", "--json")
	require.NoError(t, err)
	var runs runList
	decodeData(t, stdout, &runs)
	require.Len(t, runs.Runs, 1)
	assert.EqualValues(t, "succeeded", runs.Runs[0].Status)
	assert.Equal(t, 2, runs.Runs[0].Done)

	stdout, _, err = runCLI(t, "history", "show", runs.Runs[0].ID, "--json")
	require.NoError(t, err)
	var detail runDetail
	decodeData(t, stdout, &detail)
	assert.Len(t, detail.Ops, 2)
}

func TestSync_DryRunChangesNothing(t *testing.T) {
	f := newCLIFixture(t)
	f.writeLocal(t, "a.md", "alpha")

	stdout, _, err := runCLI(t, "sync", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, stdout, "upload a.md -> app:/vault/a.md")
	assert.False(t, f.srv.Exists("app:/vault/a.md"))

	stdout, _, err = runCLI(t, "index", "show", "--json")
	require.NoError(t, err)
	var view indexView
	decodeData(t, stdout, &view)
	assert.False(t, view.Exists)
}

func TestSync_FailedOperationSetsExitCode(t *testing.T) {
	f := newCLIFixture(t)
	f.writeLocal(t, "ok.md", "fine")
	f.writeLocal(t, "bad.md", "rejected")
	f.srv.FailUploads[mocks.Canonical("app:/vault/bad.md")] = http.StatusInsufficientStorage

	stdout, _, err := runCLI(t, "sync", "--json")
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodePartialFailure))
	assert.Equal(t, utils.ExitPartialFailure, utils.GetExitCode(utils.CodeOf(err)))

	var report syncReport
	decodeData(t, stdout, &report)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "bad.md")
	assert.True(t, f.srv.Exists("app:/vault/ok.md"))
}

func TestSync_ModeOverride(t *testing.T) {
	f := newCLIFixture(t)
	f.writeLocal(t, "a.md", "alpha")
	f.srv.PutFile("app:/vault/remote.md", []byte("remote"), time.Now())

	_, _, err := runCLI(t, "sync", "--mode", "download")
	require.NoError(t, err)

	assert.False(t, f.srv.Exists("app:/vault/a.md"))
	got, err := os.ReadFile(filepath.Join(f.local, "remote.md"))
	require.NoError(t, err)
	assert.Equal(t, "remote", string(got))
}

func TestSync_InvalidModeRejected(t *testing.T) {
	newCLIFixture(t)

	_, _, err := runCLI(t, "sync", "--mode", "sideways")
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeInvalidArgument))
}

func TestPlan_ListsWithoutExecuting(t *testing.T) {
	f := newCLIFixture(t)
	f.writeLocal(t, "a.md", "alpha")
	f.srv.PutFile("app:/vault/b.md", []byte("beta"), time.Now())

	stdout, _, err := runCLI(t, "plan", "--json")
	require.NoError(t, err)

	var view planView
	decodeData(t, stdout, &view)
	require.Len(t, view.Operations, 2)
	kinds := map[string]string{}
	for _, op := range view.Operations {
		kinds[op.Path] = string(op.Kind)
	}
	assert.Equal(t, map[string]string{"a.md": "upload", "b.md": "download"}, kinds)

	assert.False(t, f.srv.Exists("app:/vault/a.md"))
	_, err = os.Stat(filepath.Join(f.local, "b.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestPlan_TableWhenInSync(t *testing.T) {
	newCLIFixture(t)

	stdout, _, err := runCLI(t, "plan")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Everything is in sync")
}

func TestIndexReset(t *testing.T) {
	f := newCLIFixture(t)
	f.writeLocal(t, "a.md", "alpha")
	_, _, err := runCLI(t, "sync")
	require.NoError(t, err)

	_, _, err = runCLI(t, "index", "reset")
	require.NoError(t, err)

	stdout, _, err := runCLI(t, "index", "show", "--json")
	require.NoError(t, err)
	var view indexView
	decodeData(t, stdout, &view)
	assert.False(t, view.Exists)
	assert.Equal(t, "never", view.Age)
}

func TestRemoteCommands(t *testing.T) {
	f := newCLIFixture(t)
	f.srv.PutFile("app:/vault/a.md", []byte("alpha"), time.Now())
	f.srv.PutFile("app:/vault/sub/b.md", []byte("beta"), time.Now())

	stdout, _, err := runCLI(t, "remote", "ls")
	require.NoError(t, err)
	assert.Contains(t, stdout, "a.md")
	assert.Contains(t, stdout, "sub/")

	_, _, err = runCLI(t, "remote", "verify")
	require.NoError(t, err)
	assert.Equal(t, 1, f.srv.Calls("GET /resources/upload"))

	_, _, err = runCLI(t, "remote", "mv", "app:/vault/a.md", "app:/vault/c.md")
	require.NoError(t, err)
	assert.False(t, f.srv.Exists("app:/vault/a.md"))
	assert.True(t, f.srv.Exists("app:/vault/c.md"))

	stdout, _, err = runCLI(t, "remote", "info", "--json")
	require.NoError(t, err)
	var info map[string]interface{}
	decodeData(t, stdout, &info)
	assert.Equal(t, "tester", info["user"])
	assert.Equal(t, "10 GiB", info["total"])
}

func TestRemoteMv_ConflictWithoutOverwrite(t *testing.T) {
	f := newCLIFixture(t)
	f.srv.PutFile("app:/vault/a.md", []byte("alpha"), time.Now())
	f.srv.PutFile("app:/vault/c.md", []byte("gamma"), time.Now())

	_, _, err := runCLI(t, "remote", "mv", "app:/vault/a.md", "app:/vault/c.md")
	require.Error(t, err)

	_, _, err = runCLI(t, "remote", "mv", "app:/vault/a.md", "app:/vault/c.md", "--overwrite")
	require.NoError(t, err)
	data, _ := f.srv.File("app:/vault/c.md")
	assert.Equal(t, "alpha", string(data))
}

func TestAuthLoginWithToken(t *testing.T) {
	newCLIFixture(t)
	t.Setenv(auth.TokenEnvVar, "")

	stdout, _, err := runCLI(t, "auth", "status", "--json")
	require.NoError(t, err)
	var status map[string]interface{}
	decodeData(t, stdout, &status)
	assert.Equal(t, false, status["authenticated"])

	_, _, err = runCLI(t, "auth", "login", "--token", "abc123")
	require.NoError(t, err)

	stdout, _, err = runCLI(t, "auth", "status", "--json")
	require.NoError(t, err)
	decodeData(t, stdout, &status)
	assert.Equal(t, true, status["authenticated"])
	assert.Equal(t, "default", status["profile"])

	_, _, err = runCLI(t, "auth", "logout")
	require.NoError(t, err)
}

func TestAuthLoginFromRedirect(t *testing.T) {
	newCLIFixture(t)
	t.Setenv(auth.TokenEnvVar, "")

	stdout, _, err := runCLI(t, "auth", "login", "--profile", "work", "--json",
		"--redirect", "https://example.com/cb#access_token=tok&token_type=bearer&expires_in=3600")
	require.NoError(t, err)
	var data map[string]interface{}
	decodeData(t, stdout, &data)
	assert.Equal(t, "work", data["profile"])
	assert.NotEmpty(t, data["expiry"])
}

func TestAuthLoginNeedsASource(t *testing.T) {
	newCLIFixture(t)
	t.Setenv(auth.TokenEnvVar, "")
	t.Setenv("YDSYNC_CLIENT_SECRET", "")

	_, _, err := runCLI(t, "auth", "login")
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeInvalidArgument))
}

func TestAuthURL(t *testing.T) {
	newCLIFixture(t, func(c *config.Config) { c.ClientID = "my-client" })

	stdout, _, err := runCLI(t, "auth", "url")
	require.NoError(t, err)
	assert.Contains(t, stdout, "client_id=my-client")
	assert.Contains(t, stdout, "response_type=token")
}
