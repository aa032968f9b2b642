package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/MozGangster/ydsync/internal/config"
	"github.com/MozGangster/ydsync/internal/sync/index"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect the state of the last sync",
}

var indexShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the index summary, or every entry with --files",
	RunE:  runIndexShow,
}

var indexResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the last sync",
	Long: `Remove the index. The next sync treats every path as new on both
sides, so files present on only one side are copied and nothing is deleted.`,
	RunE: runIndexReset,
}

var indexFiles bool

func init() {
	indexShowCmd.Flags().BoolVar(&indexFiles, "files", false, "List every indexed file")

	indexCmd.AddCommand(indexShowCmd)
	indexCmd.AddCommand(indexResetCmd)
	rootCmd.AddCommand(indexCmd)
}

func openIndex() (*index.Store, error) {
	cfg, dir, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return index.NewStore(osFs(), config.GetStateDir(dir, profileName(cfg)), logger), nil
}

func runIndexShow(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	store, err := openIndex()
	if err != nil {
		return out.Fail("index.show", err, utils.ErrCodeInvalidArgument)
	}

	idx, hash, existed := store.Load()
	view := indexView{
		Path:   store.Path(),
		Exists: existed,
		Hash:   hash,
		Files:  len(idx.Files),
		Age:    indexAge(idx, time.Now()),
	}
	if idx.LastSyncAt != nil {
		view.LastSyncAt = *idx.LastSyncAt
	}
	if indexFiles {
		return out.WriteSuccess("index.show", newIndexEntries(idx))
	}
	return out.WriteSuccess("index.show", view)
}

func runIndexReset(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	store, err := openIndex()
	if err != nil {
		return out.Fail("index.reset", err, utils.ErrCodeInvalidArgument)
	}
	if err := store.Reset(); err != nil {
		return out.Fail("index.reset", err, utils.ErrCodeCorruptedState)
	}

	out.Log("Index removed: %s", store.Path())
	return out.WriteSuccess("index.reset", map[string]interface{}{"path": store.Path()})
}

type indexView struct {
	Path       string `json:"path"`
	Exists     bool   `json:"exists"`
	Hash       string `json:"hash"`
	Files      int    `json:"files"`
	LastSyncAt string `json:"lastSyncAt,omitempty"`
	Age        string `json:"lastSyncAge"`
}

func (v indexView) Headers() []string { return []string{"Key", "Value"} }

func (v indexView) Rows() [][]string {
	return [][]string{
		{"path", v.Path},
		{"exists", fmt.Sprint(v.Exists)},
		{"files", fmt.Sprint(v.Files)},
		{"lastSyncAt", formatValue(v.LastSyncAt)},
		{"lastSyncAge", v.Age},
		{"hash", formatValue(v.Hash)},
	}
}

func (v indexView) EmptyMessage() string { return "No index" }

// indexEntry is one indexed file with its relative path
type indexEntry struct {
	Path string `json:"path"`
	index.Entry
}

type indexEntries struct {
	Entries []indexEntry `json:"entries"`
}

func newIndexEntries(idx index.Index) indexEntries {
	rels := make([]string, 0, len(idx.Files))
	for rel := range idx.Files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	out := indexEntries{Entries: make([]indexEntry, 0, len(rels))}
	for _, rel := range rels {
		out.Entries = append(out.Entries, indexEntry{Path: rel, Entry: idx.Files[rel]})
	}
	return out
}

func (e indexEntries) Headers() []string {
	return []string{"Path", "Size", "Local mtime", "Remote modified", "Revision"}
}

func (e indexEntries) Rows() [][]string {
	rows := make([][]string, 0, len(e.Entries))
	for _, entry := range e.Entries {
		rows = append(rows, []string{
			entry.Path,
			formatSize(entry.LocalSize),
			formatMillis(entry.LocalMtime),
			formatMillis(entry.RemoteModified),
			formatValue(entry.RemoteRevision),
		})
	}
	return rows
}

func (e indexEntries) EmptyMessage() string { return "Index is empty" }

// indexAge is how long ago the last sync finished
func indexAge(idx index.Index, now time.Time) string {
	if idx.LastSyncAt == nil {
		return "never"
	}
	at, err := time.Parse(index.TimeLayout, *idx.LastSyncAt)
	if err != nil {
		return *idx.LastSyncAt
	}
	return now.Sub(at).Round(time.Second).String() + " ago"
}
