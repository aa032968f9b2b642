package executor

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/MozGangster/ydsync/internal/api"
	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/sync/conflict"
	"github.com/MozGangster/ydsync/internal/sync/diff"
	"github.com/MozGangster/ydsync/internal/sync/localfs"
	"github.com/MozGangster/ydsync/internal/sync/progress"
	"github.com/MozGangster/ydsync/internal/sync/scanner"
	"github.com/MozGangster/ydsync/internal/sync/transfer"
)

// Remote is the folder and delete part of the disk API
type Remote interface {
	EnsureFolder(ctx context.Context, path string) error
	Delete(ctx context.Context, path string, permanently bool) (*api.Link, error)
}

// Waiter blocks until an asynchronous remote operation completes
type Waiter interface {
	Wait(ctx context.Context, link *api.Link) error
}

// Locator maps a relative path to its handle in the local store
type Locator interface {
	HandleFor(rel string) string
}

type Executor struct {
	remote    Remote
	waiter    Waiter
	transfers *transfer.Transfers
	store     *localfs.Store
	locator   Locator
	logger    logging.Logger
	now       func() time.Time
}

type Options struct {
	// RemoteRoot is the remote folder new uploads are created under
	RemoteRoot string
}

// Summary counts successful operations per kind
type Summary struct {
	Uploads       int
	Downloads     int
	Conflicts     int
	RemoteDeletes int
	LocalDeletes  int
	Failed        int
	// Outcomes holds every finished operation in completion order
	Outcomes []progress.Outcome
}

func New(remote Remote, waiter Waiter, transfers *transfer.Transfers, store *localfs.Store, locator Locator, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Executor{
		remote:    remote,
		waiter:    waiter,
		transfers: transfers,
		store:     store,
		locator:   locator,
		logger:    logger,
		now:       time.Now,
	}
}

// run carries the per-execution state shared by workers
type run struct {
	e       *Executor
	opts    Options
	state   *progress.RunState
	mu      sync.Mutex
	summary Summary

	folderMu sync.Mutex
	folders  map[string]bool
}

// Execute applies ops in phases: uploads, downloads, conflicts, remote
// deletes, local deletes. Only the transfer phases run in parallel. Per
// operation failures are logged and recorded in state; Execute itself never
// fails. ctx only gates new work through state; in-flight calls use a
// context detached from its cancellation.
func (e *Executor) Execute(ctx context.Context, ops []diff.Operation, state *progress.RunState, opts Options) Summary {
	r := &run{
		e:       e,
		opts:    opts,
		state:   state,
		folders: make(map[string]bool),
	}
	callCtx := context.WithoutCancel(ctx)

	var (
		uploads       []diff.Upload
		downloads     []diff.Download
		conflicts     []diff.Conflict
		remoteDeletes []diff.RemoteDelete
		localDeletes  []diff.LocalDelete
	)
	for _, op := range ops {
		switch o := op.(type) {
		case diff.Upload:
			uploads = append(uploads, o)
		case diff.Download:
			downloads = append(downloads, o)
		case diff.Conflict:
			conflicts = append(conflicts, o)
		case diff.RemoteDelete:
			remoteDeletes = append(remoteDeletes, o)
		case diff.LocalDelete:
			localDeletes = append(localDeletes, o)
		}
	}

	profile := e.transfers.Profile()

	if len(uploads) > 0 {
		state.SetPhase(progress.PhaseUpload)
		RunPool(callCtx, uploads, profile.UploadConcurrency, Hooks[diff.Upload]{
			Stop:  state.Cancelled,
			Start: func(op diff.Upload) { r.start(op) },
			Done: func(op diff.Upload, err error) {
				r.finish(progress.Outcome{Kind: diff.KindUpload, Rel: op.Rel, To: op.RemoteTarget, Err: err})
			},
		}, r.upload)
	}

	if len(downloads) > 0 {
		state.SetPhase(progress.PhaseDownload)
		RunPool(callCtx, downloads, profile.DownloadConcurrency, Hooks[diff.Download]{
			Stop:  state.Cancelled,
			Start: func(op diff.Download) { r.start(op) },
			Done: func(op diff.Download, err error) {
				r.finish(progress.Outcome{Kind: diff.KindDownload, Rel: op.Rel, From: op.RemoteSource, Err: err})
			},
		}, r.download)
	}

	if len(conflicts) > 0 {
		state.SetPhase(progress.PhaseConflict)
		for _, op := range conflicts {
			if state.Cancelled() {
				break
			}
			r.start(op)
			err := r.duplicate(callCtx, op)
			r.finish(progress.Outcome{Kind: diff.KindConflict, Rel: op.Rel, Err: err})
		}
	}

	if len(remoteDeletes)+len(localDeletes) > 0 {
		state.SetPhase(progress.PhaseDelete)
	}
	for _, op := range remoteDeletes {
		if state.Cancelled() {
			break
		}
		r.start(op)
		err := r.deleteRemote(callCtx, op)
		r.finish(progress.Outcome{Kind: diff.KindRemoteDelete, Rel: op.Rel, To: op.RemoteTarget, Err: err})
	}
	for _, op := range localDeletes {
		if state.Cancelled() {
			break
		}
		r.start(op)
		err := e.store.Delete(op.Handle)
		r.finish(progress.Outcome{Kind: diff.KindLocalDelete, Rel: op.Rel, Err: err})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

func (r *run) start(op diff.Operation) {
	r.e.logger.Debug("Operation started",
		logging.F("kind", string(op.Kind())),
		logging.F("rel", op.RelPath()))
	r.state.Start(op)
}

func (r *run) finish(o progress.Outcome) {
	if o.Err != nil {
		r.e.logger.Warn("Task failed",
			logging.F("kind", string(o.Kind)),
			logging.F("rel", o.Rel),
			logging.F("error", o.Err.Error()))
	} else {
		r.e.logger.Info("Operation completed",
			logging.F("kind", string(o.Kind)),
			logging.F("rel", o.Rel))
	}

	r.mu.Lock()
	if o.Err != nil {
		r.summary.Failed++
	} else {
		switch o.Kind {
		case diff.KindUpload:
			r.summary.Uploads++
		case diff.KindDownload:
			r.summary.Downloads++
		case diff.KindConflict:
			r.summary.Conflicts++
		case diff.KindRemoteDelete:
			r.summary.RemoteDeletes++
		case diff.KindLocalDelete:
			r.summary.LocalDeletes++
		}
	}
	r.summary.Outcomes = append(r.summary.Outcomes, o)
	r.mu.Unlock()

	r.state.Record(o)
}

func (r *run) upload(ctx context.Context, op diff.Upload) error {
	r.ensureParents(ctx, op.Rel)
	return r.e.transfers.Upload(ctx, op.Local.Handle, op.RemoteTarget)
}

// ensureParents creates the remote folders above rel, once per run. Failures
// are ignored; the upload itself reports a missing parent.
func (r *run) ensureParents(ctx context.Context, rel string) {
	if r.opts.RemoteRoot == "" {
		return
	}
	dir := path.Dir(rel)
	if dir == "." || dir == "/" {
		return
	}

	r.folderMu.Lock()
	defer r.folderMu.Unlock()

	cur := ""
	for _, part := range strings.Split(dir, "/") {
		cur = path.Join(cur, part)
		abs := scanner.AbsFromRel(r.opts.RemoteRoot, cur)
		if r.folders[abs] {
			continue
		}
		r.folders[abs] = true

		if err := r.e.remote.EnsureFolder(ctx, abs); err != nil {
			r.e.logger.Debug("Ensure folder failed",
				logging.F("path", abs),
				logging.F("error", err.Error()))
		}
	}
}

func (r *run) download(ctx context.Context, op diff.Download) error {
	dest := r.e.locator.HandleFor(op.Rel)
	src := transfer.Source{Path: op.RemoteSource, Size: op.Remote.Size, MD5: op.Remote.MD5}
	if err := r.e.transfers.Download(ctx, src, dest); err != nil {
		return err
	}

	if ms := op.Remote.ModifiedMs(); ms > 0 {
		t := time.UnixMilli(ms)
		if err := r.e.store.Fs().Chtimes(dest, t, t); err != nil {
			r.e.logger.Debug("Set modification time failed",
				logging.F("path", dest),
				logging.F("error", err.Error()))
		}
	}
	return nil
}

// duplicate keeps both versions of a conflicting file as side-by-side copies
// and leaves the original untouched.
func (r *run) duplicate(ctx context.Context, op diff.Conflict) error {
	remoteData, err := r.e.transfers.ReadRemote(ctx, op.Remote.Path)
	if err != nil {
		return err
	}

	handle := op.Local.Handle
	if handle == "" {
		handle = r.e.locator.HandleFor(op.Rel)
	}
	taken := func(p string) bool {
		ok, _ := r.e.store.Exists(p)
		return ok
	}
	localCopy, remoteCopy := conflict.CopyNames(handle, r.e.now(), taken)

	if conflict.IsText(op.Rel) {
		localText, err := r.e.store.ReadText(handle)
		if err != nil {
			localText = ""
		}
		if err := r.e.store.WriteText(localCopy, localText); err != nil {
			return err
		}
		if err := r.e.store.WriteText(remoteCopy, string(remoteData)); err != nil {
			return err
		}
	} else {
		localData, err := r.e.store.ReadBinary(handle)
		if err != nil {
			localData = nil
		}
		if err := r.e.store.WriteBinary(localCopy, localData); err != nil {
			return err
		}
		if err := r.e.store.WriteBinary(remoteCopy, remoteData); err != nil {
			return err
		}
	}

	r.e.logger.Warn("Conflict duplicated",
		logging.F("rel", op.Rel),
		logging.F("local_copy", localCopy),
		logging.F("remote_copy", remoteCopy))
	return nil
}

func (r *run) deleteRemote(ctx context.Context, op diff.RemoteDelete) error {
	link, err := r.e.remote.Delete(ctx, op.RemoteTarget, false)
	if err != nil {
		if api.StatusCode(err) == http.StatusNotFound {
			return nil
		}
		return err
	}
	if r.e.waiter == nil {
		return nil
	}
	if err := r.e.waiter.Wait(ctx, link); err != nil {
		return fmt.Errorf("delete %s: %w", op.RemoteTarget, err)
	}
	return nil
}
