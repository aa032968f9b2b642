package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/MozGangster/ydsync/internal/config"
	syncengine "github.com/MozGangster/ydsync/internal/sync"
	"github.com/MozGangster/ydsync/internal/sync/diff"
	"github.com/MozGangster/ydsync/internal/sync/progress"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the local folder with Yandex Disk",
	Long: `Compare the local folder, the remote folder and the state of the last
sync, then upload, download, resolve conflicts and mirror deletions.

Press Ctrl-C once to stop after the operations in flight; press it again to
abort immediately.`,
	RunE: runSync,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what the next sync would do",
	Long:  "Build the sync plan without executing it. The index is not modified.",
	RunE:  runPlan,
}

// syncOverrides are per-invocation replacements for sync settings
type syncOverrides struct {
	dryRun       bool
	mode         string
	conflict     string
	deletePolicy string
	verify       bool
}

var syncFlags syncOverrides

func init() {
	addSyncOverrideFlags(syncCmd)
	syncCmd.Flags().BoolVar(&syncFlags.dryRun, "dry-run", false, "Log the planned operations without executing them")
	syncCmd.Flags().BoolVar(&syncFlags.verify, "verify", false, "Fail downloads whose MD5 does not match the listing")
	addSyncOverrideFlags(planCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(planCmd)
}

func addSyncOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&syncFlags.mode, "mode", "", "Sync mode (two-way, upload, download)")
	cmd.Flags().StringVar(&syncFlags.conflict, "conflict", "", "Conflict strategy (newest-wins, duplicate-both)")
	cmd.Flags().StringVar(&syncFlags.deletePolicy, "delete-policy", "", "Delete policy (mirror, skip)")
}

// apply copies the overrides that were given onto cfg
func (o syncOverrides) apply(cfg *config.Config) error {
	if o.mode != "" {
		cfg.Sync.Mode = o.mode
	}
	if o.conflict != "" {
		cfg.Sync.ConflictStrategy = o.conflict
	}
	if o.deletePolicy != "" {
		cfg.Sync.DeletePolicy = o.deletePolicy
	}
	if o.verify {
		cfg.Sync.VerifyDownloads = true
	}
	return nil
}

// cancelOnInterrupt asks the engine to wind down on the first interrupt and
// cancels the run context on the second. The returned stop releases the
// signal handler.
func cancelOnInterrupt(ctx context.Context, engine *syncengine.Engine, out *OutputWriter) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt)
	done := make(chan struct{})

	go func() {
		interrupts := 0
		for {
			select {
			case <-sigs:
				interrupts++
				if interrupts == 1 && engine.Cancel() {
					out.Log("Cancelling after operations in flight (Ctrl-C again to abort)")
					continue
				}
				cancel()
				return
			case <-done:
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

// reportOperations prints each finished operation to stderr as it happens
func reportOperations(app *appContext, out *OutputWriter) func() {
	handler := func(o progress.Outcome) {
		out.Log("%s", o.Line())
	}
	if err := app.bus.Subscribe(progress.EventOpFinished, handler); err != nil {
		return func() {}
	}
	return func() { _ = app.bus.Unsubscribe(progress.EventOpFinished, handler) }
}

func runSync(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	app, err := newAppContext(cmd.Context(), syncFlags.apply)
	if err != nil {
		return out.Fail("sync", err, utils.ErrCodeInvalidArgument)
	}
	defer app.Close()

	ctx, stop := cancelOnInterrupt(cmd.Context(), app.engine, out)
	defer stop()
	if !syncFlags.dryRun {
		defer reportOperations(app, out)()
	}

	out.Verbose("Syncing %s with %s", app.cfg.Sync.LocalSyncRoot(), app.cfg.Sync.RemoteRoot())
	res, err := app.engine.Run(ctx, syncFlags.dryRun)
	if err != nil {
		return out.Fail("sync", err, utils.ErrCodeTaskFailed)
	}

	report := newSyncReport(res, time.Now())
	if err := out.WriteSuccess("sync", report); err != nil {
		return err
	}

	switch {
	case res.Progress.Phase == progress.PhaseCancelled:
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeCancelled, "Sync was cancelled").Build())
	case res.Summary.Failed > 0:
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodePartialFailure,
			fmt.Sprintf("%d operation(s) failed", res.Summary.Failed)).
			WithContext("runId", res.RunID).
			Build())
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	app, err := newAppContext(cmd.Context(), syncFlags.apply)
	if err != nil {
		return out.Fail("plan", err, utils.ErrCodeInvalidArgument)
	}
	defer app.Close()

	plan, err := app.engine.Plan(cmd.Context())
	if err != nil {
		return out.Fail("plan", err, utils.ErrCodeTaskFailed)
	}
	return out.WriteSuccess("plan", newPlanView(plan))
}

// planRow is one operation in machine readable form
type planRow struct {
	Kind   diff.Kind `json:"kind"`
	Path   string    `json:"path"`
	Remote string    `json:"remote,omitempty"`
}

type planView struct {
	Operations []planRow         `json:"operations"`
	Counts     map[diff.Kind]int `json:"counts"`
}

func newPlanView(plan diff.Plan) planView {
	view := planView{Operations: make([]planRow, 0, len(plan.Operations)), Counts: plan.Counts()}
	for _, op := range plan.Operations {
		row := planRow{Kind: op.Kind(), Path: op.RelPath()}
		switch o := op.(type) {
		case diff.Upload:
			row.Remote = o.RemoteTarget
		case diff.Download:
			row.Remote = o.RemoteSource
		case diff.Conflict:
			row.Remote = o.Remote.Path
		case diff.RemoteDelete:
			row.Remote = o.RemoteTarget
		}
		view.Operations = append(view.Operations, row)
	}
	return view
}

func (p planView) Headers() []string { return []string{"Operation", "Path", "Remote"} }

func (p planView) Rows() [][]string {
	rows := make([][]string, 0, len(p.Operations))
	for _, op := range p.Operations {
		rows = append(rows, []string{string(op.Kind), op.Path, formatValue(op.Remote)})
	}
	return rows
}

func (p planView) EmptyMessage() string { return "Everything is in sync" }

// syncReport is the outcome of a run as printed by the sync command
type syncReport struct {
	RunID     string            `json:"runId,omitempty"`
	DryRun    bool              `json:"dryRun"`
	Phase     string            `json:"phase"`
	Progress  progress.Snapshot `json:"progress"`
	Planned   []string          `json:"planned,omitempty"`
	Failures  []string          `json:"failures,omitempty"`
	IndexHash string            `json:"indexHash,omitempty"`
	summary   string
}

func newSyncReport(res *syncengine.Result, now time.Time) syncReport {
	report := syncReport{
		RunID:     res.RunID,
		DryRun:    res.DryRun,
		Phase:     res.Progress.Phase,
		Progress:  res.Progress,
		IndexHash: res.IndexHash,
		summary:   res.Progress.Summary(now),
	}
	if res.DryRun {
		for _, op := range res.Plan.Operations {
			report.Planned = append(report.Planned, diff.Describe(op))
		}
	}
	for _, o := range res.Summary.Outcomes {
		if !o.OK() {
			report.Failures = append(report.Failures, o.Line())
		}
	}
	return report
}

func (r syncReport) String() string {
	if !r.DryRun {
		return r.summary
	}
	if len(r.Planned) == 0 {
		return "Dry run: nothing to do"
	}
	return "Dry run, planned operations:\n" + strings.Join(r.Planned, "\n")
}
