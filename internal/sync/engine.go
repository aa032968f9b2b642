package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/sync/diff"
	"github.com/MozGangster/ydsync/internal/sync/exclude"
	"github.com/MozGangster/ydsync/internal/sync/executor"
	"github.com/MozGangster/ydsync/internal/sync/index"
	"github.com/MozGangster/ydsync/internal/sync/journal"
	"github.com/MozGangster/ydsync/internal/sync/localfs"
	"github.com/MozGangster/ydsync/internal/sync/progress"
	"github.com/MozGangster/ydsync/internal/sync/scanner"
	"github.com/MozGangster/ydsync/internal/sync/transfer"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/asaskevich/EventBus"
)

// ErrRunActive is returned when a run is requested while another is active
var ErrRunActive = utils.NewAppError(utils.NewCLIError(utils.ErrCodeRunActive,
	"A sync run is already in progress").Build())

// Remote is everything the engine needs from the disk API
type Remote interface {
	scanner.Lister
	transfer.Remote
	executor.Remote
}

type Options struct {
	Remote Remote
	// Waiter polls asynchronous deletes; nil treats them as complete
	Waiter  executor.Waiter
	Store   *localfs.Store
	Scope   string
	Filter  *exclude.Filter
	Index   *index.Store
	Journal *journal.DB
	Sync    diff.Settings
	Profile transfer.Profile
	// ProgressLines caps the recent operations kept per run
	ProgressLines int
	Logger        logging.Logger
	Bus           EventBus.Bus
	// TransportError reports the most recent transport failure
	TransportError func() string
}

type Engine struct {
	remote   Remote
	local    *scanner.LocalScanner
	walker   *scanner.RemoteWalker
	exec     *executor.Executor
	index    *index.Store
	journal  *journal.DB
	filter   *exclude.Filter
	settings diff.Settings
	lines    int
	logger   logging.Logger
	bus      EventBus.Bus
	lastTx   func() string

	mu      stdsync.Mutex
	current *progress.RunState
	last    *progress.RunState
	lastErr string
}

// Result describes a finished run
type Result struct {
	RunID     string
	DryRun    bool
	Plan      diff.Plan
	Summary   executor.Summary
	Progress  progress.Snapshot
	IndexHash string
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	local := scanner.NewLocalScanner(opts.Store.Fs(), opts.Scope, opts.Filter)
	transfers := transfer.New(opts.Remote, opts.Store, opts.Profile, logger)

	return &Engine{
		remote:   opts.Remote,
		local:    local,
		walker:   scanner.NewRemoteWalker(opts.Remote),
		exec:     executor.New(opts.Remote, opts.Waiter, transfers, opts.Store, local, logger),
		index:    opts.Index,
		journal:  opts.Journal,
		filter:   opts.Filter,
		settings: opts.Sync,
		lines:    opts.ProgressLines,
		logger:   logger,
		bus:      opts.Bus,
		lastTx:   opts.TransportError,
	}
}

// Plan gathers both inventories and computes the operations a run would
// perform, without changing anything but the remote root folder.
func (e *Engine) Plan(ctx context.Context) (diff.Plan, error) {
	idx, _, _ := e.index.Load()
	return e.plan(ctx, idx)
}

func (e *Engine) plan(ctx context.Context, idx index.Index) (diff.Plan, error) {
	local, err := e.local.ListLocalInScope(ctx)
	if err != nil {
		return diff.Plan{}, fmt.Errorf("failed to scan local files: %w", err)
	}

	root := e.settings.RemoteRoot
	if err := e.remote.EnsureFolder(ctx, root); err != nil {
		return diff.Plan{}, fmt.Errorf("failed to ensure remote folder %s: %w", root, err)
	}
	remote, err := e.listRemote(ctx)
	if err != nil {
		return diff.Plan{}, err
	}

	return diff.BuildPlan(diff.Inputs{
		Local:    local,
		Remote:   remote,
		Index:    idx,
		Settings: e.settings,
	}, e.logger), nil
}

func (e *Engine) listRemote(ctx context.Context) ([]scanner.RemoteFile, error) {
	listed, err := e.walker.ListRecursive(ctx, e.settings.RemoteRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote files: %w", err)
	}
	out := listed[:0]
	for _, r := range listed {
		if e.filter.AllowRemote(r.Rel, r.Size) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Run performs one synchronization. Only one run may be active; a second
// caller gets ErrRunActive and can watch the active run through Progress.
func (e *Engine) Run(ctx context.Context, dryRun bool) (*Result, error) {
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return nil, ErrRunActive
	}
	state := progress.NewRunState(dryRun, e.lines, e.bus)
	e.current = state
	e.mu.Unlock()
	state.Begin()

	res, err := e.run(ctx, state, dryRun)

	e.mu.Lock()
	e.current = nil
	e.last = state
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()

	return res, err
}

func (e *Engine) run(ctx context.Context, state *progress.RunState, dryRun bool) (*Result, error) {
	res := &Result{DryRun: dryRun}
	rec := e.startJournal(ctx, dryRun)
	if rec != nil {
		res.RunID = rec.ID
	}

	idx, knownHash, _ := e.index.Load()
	plan, err := e.plan(ctx, idx)
	if err != nil {
		e.logger.Error("Sync failed", logging.F("error", err.Error()))
		res.Progress = state.Finish(progress.PhaseFailed)
		e.finishJournal(rec, res, err)
		return nil, err
	}
	res.Plan = plan
	state.SetPlan(plan.Operations)

	if dryRun {
		for _, op := range plan.Operations {
			e.logger.Info(diff.Describe(op))
		}
		res.Progress = state.Finish(progress.PhaseDone)
		e.finishJournal(rec, res, nil)
		return res, nil
	}

	res.Summary = e.exec.Execute(ctx, plan.Operations, state, executor.Options{RemoteRoot: e.settings.RemoteRoot})

	// The index reflects what happened even when the run was cancelled
	state.SetPhase(progress.PhaseIndexing)
	next, err := e.reindex(context.WithoutCancel(ctx), plan, idx, res.Summary.Outcomes)
	if err != nil {
		e.logger.Error("Sync failed", logging.F("error", err.Error()))
		res.Progress = state.Finish(progress.PhaseFailed)
		e.finishJournal(rec, res, err)
		return nil, err
	}
	res.IndexHash = e.index.PersistIfChanged(next, knownHash, false)

	final := progress.PhaseDone
	if state.Cancelled() {
		final = progress.PhaseCancelled
	}
	res.Progress = state.Finish(final)
	e.finishJournal(rec, res, nil)

	e.logger.Info("Sync finished",
		logging.F("uploads", res.Summary.Uploads),
		logging.F("downloads", res.Summary.Downloads),
		logging.F("conflicts", res.Summary.Conflicts),
		logging.F("remote_deletes", res.Summary.RemoteDeletes),
		logging.F("local_deletes", res.Summary.LocalDeletes),
		logging.F("failed", res.Summary.Failed))
	return res, nil
}

// reindex builds the index from the state after execution. A path is
// indexed only when it exists on both sides. Paths whose operation failed or
// never started keep their previous entry, or stay out of the index. The
// remote side is listed again only when this run changed it.
func (e *Engine) reindex(ctx context.Context, plan diff.Plan, prev index.Index, outcomes []progress.Outcome) (index.Index, error) {
	local, err := e.local.ListLocalInScope(ctx)
	if err != nil {
		return index.Index{}, fmt.Errorf("failed to rescan local files: %w", err)
	}

	counts := plan.Counts()
	remote := plan.RemoteSnapshot
	if counts[diff.KindUpload] > 0 || counts[diff.KindRemoteDelete] > 0 || remote == nil {
		listed, err := e.listRemote(ctx)
		if err != nil {
			return index.Index{}, err
		}
		remote = make(map[string]scanner.RemoteFile, len(listed))
		for _, r := range listed {
			remote[r.Rel] = r
		}
	}

	settled := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		if o.OK() {
			settled[o.Rel] = true
		}
	}
	pending := make(map[string]bool)
	for _, op := range plan.Operations {
		if !settled[op.RelPath()] {
			pending[op.RelPath()] = true
		}
	}

	next := index.New()
	for rel := range pending {
		if entry, ok := prev.Files[rel]; ok {
			next.Files[rel] = entry
		}
	}
	for _, l := range local {
		if pending[l.Rel] {
			continue
		}
		r, ok := remote[l.Rel]
		if !ok {
			continue
		}
		next.Files[l.Rel] = index.Entry{
			LocalMtime:     l.ModTime,
			LocalSize:      l.Size,
			RemoteModified: r.ModifiedMs(),
			RemoteRevision: r.Revision,
		}
	}
	if len(pending) > 0 {
		e.logger.Debug("Unsettled paths keep their previous index entry",
			logging.F("count", len(pending)))
	}

	now := time.Now().UTC().Format(index.TimeLayout)
	next.LastSyncAt = &now
	return next, nil
}

func (e *Engine) startJournal(ctx context.Context, dryRun bool) *journal.Run {
	if e.journal == nil {
		return nil
	}
	run, err := e.journal.StartRun(ctx, dryRun)
	if err != nil {
		e.logger.Warn("Failed to record run start", logging.F("error", err.Error()))
		return nil
	}
	return run
}

func (e *Engine) finishJournal(run *journal.Run, res *Result, runErr error) {
	if run == nil {
		return
	}

	snap := res.Progress
	run.Total = snap.Total
	run.Done = snap.Done
	run.Failed = snap.Failed
	switch {
	case runErr != nil:
		run.Status = journal.RunStatusFailed
		run.LastError = runErr.Error()
	case snap.Cancelling:
		run.Status = journal.RunStatusCancelled
	default:
		run.Status = journal.RunStatusSucceeded
	}

	ops := make([]journal.RunOp, 0, len(res.Summary.Outcomes))
	for _, o := range res.Summary.Outcomes {
		op := journal.RunOp{Kind: string(o.Kind), Rel: o.Rel, OK: o.OK()}
		if o.Err != nil {
			op.Error = o.Err.Error()
			if run.LastError == "" {
				run.LastError = o.Err.Error()
			}
		}
		ops = append(ops, op)
	}

	if err := e.journal.FinishRun(context.Background(), run, ops); err != nil {
		e.logger.Warn("Failed to record run result", logging.F("run_id", run.ID), logging.F("error", err.Error()))
	}
}

// Cancel asks the active run to stop starting new operations. It reports
// whether a run was active.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	state := e.current
	e.mu.Unlock()
	if state == nil {
		return false
	}
	if state.Cancel() {
		e.logger.Warn("Cancellation requested by user")
	}
	return true
}

// Progress returns the active run's progress, or the last finished run's.
// ok is false when no run has started yet.
func (e *Engine) Progress() (snap progress.Snapshot, active bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.current != nil:
		return e.current.Snapshot(), true, true
	case e.last != nil:
		return e.last.Snapshot(), false, true
	}
	return progress.Snapshot{}, false, false
}

// Active reports whether a run is in progress
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// LastError returns the error of the last failed run, falling back to the
// most recent transport failure.
func (e *Engine) LastError() string {
	e.mu.Lock()
	msg := e.lastErr
	e.mu.Unlock()
	if msg == "" && e.lastTx != nil {
		return e.lastTx()
	}
	return msg
}
