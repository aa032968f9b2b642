package cli

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/sync/watch"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync on local changes and on a timer",
	Long: `Run a sync, then keep running one whenever the local folder has been
quiet for the debounce period after a change, and every auto-sync interval.

Stop with Ctrl-C; an active run finishes its operations in flight first.`,
	RunE: runWatch,
}

var (
	watchInterval  time.Duration
	watchDebounce  time.Duration
	watchNoInitial bool
)

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Run every interval regardless of changes (default sync.auto_sync_interval_min)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "Quiet period after a change (default sync.watch_debounce_ms)")
	watchCmd.Flags().BoolVar(&watchNoInitial, "no-initial", false, "Skip the sync at startup")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	app, err := newAppContext(cmd.Context(), nil)
	if err != nil {
		return out.Fail("watch", err, utils.ErrCodeInvalidArgument)
	}
	defer app.Close()
	defer reportOperations(app, out)()

	interval := watchInterval
	if interval == 0 {
		interval = time.Duration(app.cfg.Sync.AutoSyncIntervalMin) * time.Minute
	}
	debounce := watchDebounce
	if debounce == 0 {
		debounce = time.Duration(app.cfg.Sync.WatchDebounceMs) * time.Millisecond
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		app.engine.Cancel()
	}()

	trigger := func(ctx context.Context, reason string) error {
		res, err := app.engine.Run(ctx, false)
		if err != nil {
			return err
		}
		out.Log("%s", res.Progress.Summary(time.Now()))
		return nil
	}

	if !watchNoInitial {
		if err := trigger(ctx, "startup"); err != nil {
			logger.Warn("Initial sync failed", logging.F("error", err.Error()))
		}
	}

	w, err := watch.New(watch.Config{
		Root:     app.cfg.Sync.LocalRoot,
		Scope:    app.cfg.Sync.LocalScope,
		Filter:   syncFilter(app.cfg),
		Interval: interval,
		Debounce: debounce,
		Logger:   logger,
	}, trigger)
	if err != nil {
		return out.Fail("watch", err, utils.ErrCodeInvalidPath)
	}

	out.Log("Watching %s (Ctrl-C to stop)", app.cfg.Sync.LocalSyncRoot())
	if err := w.Run(ctx); err != nil {
		return out.Fail("watch", err, utils.ErrCodeInvalidPath)
	}
	return nil
}
