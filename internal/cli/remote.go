package cli

import (
	"fmt"
	"strings"

	"github.com/MozGangster/ydsync/internal/api"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Inspect the remote folder",
}

var remoteLsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a remote folder (default: the synced folder)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRemoteLs,
}

var remoteVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the token can write to the remote base path",
	RunE:  runRemoteVerify,
}

var remoteMvCmd = &cobra.Command{
	Use:   "mv <from> <to>",
	Short: "Move or rename a remote file or folder",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemoteMv,
}

var remoteInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show account quota usage",
	RunE:  runRemoteInfo,
}

var remoteOverwrite bool

func init() {
	remoteMvCmd.Flags().BoolVar(&remoteOverwrite, "overwrite", false, "Replace the destination if it exists")

	remoteCmd.AddCommand(remoteLsCmd)
	remoteCmd.AddCommand(remoteVerifyCmd)
	remoteCmd.AddCommand(remoteMvCmd)
	remoteCmd.AddCommand(remoteInfoCmd)
	rootCmd.AddCommand(remoteCmd)
}

// newRemoteClient builds an API client without opening local state
func newRemoteClient(cmd *cobra.Command) (*api.Client, *remoteTarget, error) {
	cfg, dir, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	profile := profileName(cfg)
	return newAPIClient(cmd.Context(), cfg, dir, profile), &remoteTarget{
		base: cfg.Sync.RemoteBasePath,
		root: cfg.Sync.RemoteRoot(),
	}, nil
}

type remoteTarget struct {
	base string
	root string
}

func runRemoteLs(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	client, target, err := newRemoteClient(cmd)
	if err != nil {
		return out.Fail("remote.ls", err, utils.ErrCodeInvalidArgument)
	}
	path := target.root
	if len(args) == 1 {
		path = args[0]
	}

	listing := remoteListing{Path: path, Items: []api.Resource{}}
	for offset := 0; ; offset += utils.ListPageLimit {
		page, err := client.ListPage(cmd.Context(), path, utils.ListPageLimit, offset)
		if err != nil {
			return out.Fail("remote.ls", err, utils.ErrCodeNetworkError)
		}
		listing.Items = append(listing.Items, page...)
		if len(page) < utils.ListPageLimit {
			break
		}
	}
	return out.WriteSuccess("remote.ls", listing)
}

func runRemoteVerify(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	client, target, err := newRemoteClient(cmd)
	if err != nil {
		return out.Fail("remote.verify", err, utils.ErrCodeInvalidArgument)
	}
	if err := client.VerifyAccess(cmd.Context(), target.base); err != nil {
		return out.Fail("remote.verify", fmt.Errorf("token verification failed: %w", err), utils.ErrCodeAuthRequired)
	}

	out.Log("Yandex Disk access verified")
	return out.WriteSuccess("remote.verify", map[string]interface{}{
		"path": target.base,
		"ok":   true,
	})
}

func runRemoteMv(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	client, _, err := newRemoteClient(cmd)
	if err != nil {
		return out.Fail("remote.mv", err, utils.ErrCodeInvalidArgument)
	}

	link, err := client.Move(cmd.Context(), args[0], args[1], remoteOverwrite)
	if err != nil {
		return out.Fail("remote.mv", err, utils.ErrCodeConflict)
	}
	if link != nil && link.Href != "" {
		poller := api.NewOperationPoller(client, utils.OperationPollInterval, utils.OperationPollTimeout)
		if err := poller.Wait(cmd.Context(), link); err != nil {
			return out.Fail("remote.mv", err, utils.ErrCodeTaskFailed)
		}
	}

	return out.WriteSuccess("remote.mv", map[string]interface{}{
		"from": args[0],
		"to":   args[1],
	})
}

func runRemoteInfo(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	client, _, err := newRemoteClient(cmd)
	if err != nil {
		return out.Fail("remote.info", err, utils.ErrCodeInvalidArgument)
	}
	info, err := client.DiskInfo(cmd.Context())
	if err != nil {
		return out.Fail("remote.info", err, utils.ErrCodeNetworkError)
	}

	return out.WriteSuccess("remote.info", map[string]interface{}{
		"user":  info.User.Login,
		"total": humanize.IBytes(uint64(info.TotalSpace)),
		"used":  humanize.IBytes(uint64(info.UsedSpace)),
		"trash": humanize.IBytes(uint64(info.TrashSize)),
		"free":  humanize.IBytes(uint64(max(info.TotalSpace-info.UsedSpace, 0))),
	})
}

type remoteListing struct {
	Path  string         `json:"path"`
	Items []api.Resource `json:"items"`
}

func (l remoteListing) Headers() []string { return []string{"Name", "Type", "Size", "Modified"} }

func (l remoteListing) Rows() [][]string {
	rows := make([][]string, 0, len(l.Items))
	for _, item := range l.Items {
		size := "-"
		name := item.Name
		if item.IsFile() {
			size = formatSize(item.Size)
		} else {
			name = strings.TrimSuffix(name, "/") + "/"
		}
		rows = append(rows, []string{name, item.Type, size, formatValue(item.Modified)})
	}
	return rows
}

func (l remoteListing) EmptyMessage() string { return fmt.Sprintf("%s is empty", l.Path) }
