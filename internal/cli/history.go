package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/MozGangster/ydsync/internal/config"
	"github.com/MozGangster/ydsync/internal/sync/journal"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent sync runs",
	RunE:  runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the operations of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the most recent runs",
	RunE:  runHistoryPrune,
}

var (
	historyLimit  int
	historyFailed bool
	historyKeep   int
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of runs to list")
	historyShowCmd.Flags().BoolVar(&historyFailed, "failed", false, "Only list failed operations")
	historyPruneCmd.Flags().IntVar(&historyKeep, "keep", 50, "Number of runs to keep")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

// openJournal opens the run journal of the selected profile
func openJournal() (*journal.DB, error) {
	cfg, dir, err := loadConfig()
	if err != nil {
		return nil, err
	}
	stateDir := config.GetStateDir(dir, profileName(cfg))
	return journal.Open(filepath.Join(stateDir, journal.FileName))
}

func runHistory(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	db, err := openJournal()
	if err != nil {
		return out.Fail("history", err, utils.ErrCodeCorruptedState)
	}
	defer db.Close()

	runs, err := db.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		return out.Fail("history", err, utils.ErrCodeCorruptedState)
	}
	return out.WriteSuccess("history", runList{Runs: runs})
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	db, err := openJournal()
	if err != nil {
		return out.Fail("history.show", err, utils.ErrCodeCorruptedState)
	}
	defer db.Close()

	run, err := db.GetRun(cmd.Context(), args[0])
	if err != nil {
		return out.WriteError("history.show", utils.NewCLIError(utils.ErrCodeNotFound,
			fmt.Sprintf("Run not found: %s", args[0])).Build())
	}
	ops, err := db.ListOps(cmd.Context(), run.ID, historyFailed)
	if err != nil {
		return out.Fail("history.show", err, utils.ErrCodeCorruptedState)
	}
	return out.WriteSuccess("history.show", runDetail{Run: *run, Ops: ops})
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	db, err := openJournal()
	if err != nil {
		return out.Fail("history.prune", err, utils.ErrCodeCorruptedState)
	}
	defer db.Close()

	if err := db.Prune(cmd.Context(), historyKeep); err != nil {
		return out.Fail("history.prune", err, utils.ErrCodeCorruptedState)
	}
	out.Log("Kept the %d most recent runs", historyKeep)
	return out.WriteSuccess("history.prune", map[string]interface{}{"kept": historyKeep})
}

type runList struct {
	Runs []journal.Run `json:"runs"`
}

func (l runList) Headers() []string {
	return []string{"ID", "Started", "Duration", "Status", "Done", "Failed", "Total", "Error"}
}

func (l runList) Rows() [][]string {
	rows := make([][]string, 0, len(l.Runs))
	for _, r := range l.Runs {
		status := string(r.Status)
		if r.DryRun {
			status += " (dry run)"
		}
		rows = append(rows, []string{
			r.ID,
			formatMillis(r.StartedAt),
			runDuration(r),
			status,
			fmt.Sprint(r.Done),
			fmt.Sprint(r.Failed),
			fmt.Sprint(r.Total),
			truncate(formatValue(r.LastError), 60),
		})
	}
	return rows
}

func (l runList) EmptyMessage() string { return "No runs recorded" }

type runDetail struct {
	Run journal.Run     `json:"run"`
	Ops []journal.RunOp `json:"ops"`
}

func (d runDetail) Headers() []string { return []string{"#", "Operation", "Path", "Result"} }

func (d runDetail) Rows() [][]string {
	rows := make([][]string, 0, len(d.Ops))
	for _, op := range d.Ops {
		result := "ok"
		if !op.OK {
			result = "FAIL: " + op.Error
		}
		rows = append(rows, []string{fmt.Sprint(op.Seq), op.Kind, op.Rel, result})
	}
	return rows
}

func (d runDetail) EmptyMessage() string {
	return fmt.Sprintf("Run %s (%s) has no recorded operations", d.Run.ID, d.Run.Status)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func runDuration(r journal.Run) string {
	if r.FinishedAt == 0 {
		return "-"
	}
	return (time.Duration(r.FinishedAt-r.StartedAt) * time.Millisecond).Round(100 * time.Millisecond).String()
}
