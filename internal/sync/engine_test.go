package sync

import (
	"context"
	"errors"
	"io"
	stdsync "sync"
	"testing"
	"time"

	"github.com/MozGangster/ydsync/internal/api"
	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/sync/conflict"
	"github.com/MozGangster/ydsync/internal/sync/diff"
	"github.com/MozGangster/ydsync/internal/sync/exclude"
	"github.com/MozGangster/ydsync/internal/sync/index"
	"github.com/MozGangster/ydsync/internal/sync/journal"
	"github.com/MozGangster/ydsync/internal/sync/localfs"
	"github.com/MozGangster/ydsync/internal/sync/progress"
	"github.com/MozGangster/ydsync/internal/sync/transfer"
	testutil "github.com/MozGangster/ydsync/internal/testing"
	"github.com/MozGangster/ydsync/internal/testing/mocks"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	srv     *mocks.DiskServer
	client  *api.Client
	store   *localfs.Store
	index   *index.Store
	journal *journal.DB
	logger  *testutil.RecordingLogger
	engine  *Engine
}

func newEngineFixture(t *testing.T, mutate ...func(*Options)) *engineFixture {
	t.Helper()
	srv := mocks.NewDiskServer()
	t.Cleanup(srv.Close)

	jdb, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = jdb.Close() })

	f := &engineFixture{
		srv:     srv,
		store:   localfs.NewWithFs(afero.NewMemMapFs()),
		index:   index.NewStore(afero.NewMemMapFs(), "/state", nil),
		journal: jdb,
		logger:  testutil.NewRecordingLogger(),
	}
	f.client = srv.APIClient(f.logger)

	opts := Options{
		Remote:  f.client,
		Waiter:  api.NewOperationPoller(f.client, time.Millisecond, time.Second),
		Store:   f.store,
		Filter:  exclude.New(exclude.DefaultPatterns(), nil, 0),
		Index:   f.index,
		Journal: jdb,
		Sync: diff.Settings{
			Mode:             diff.ModeTwoWay,
			DeletePolicy:     diff.DeleteMirror,
			ConflictStrategy: conflict.StrategyNewestWins,
			TimeSkew:         2 * time.Second,
			RemoteRoot:       "app:/vault",
		},
		Profile:        transfer.DefaultProfile(),
		ProgressLines:  20,
		Logger:         f.logger,
		TransportError: f.client.LastError,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.engine = NewEngine(opts)
	return f
}

func (f *engineFixture) run(t *testing.T, dryRun bool) *Result {
	t.Helper()
	res, err := f.engine.Run(context.Background(), dryRun)
	require.NoError(t, err, f.logger.Dump())
	return res
}

func (f *engineFixture) runs(t *testing.T) []journal.Run {
	t.Helper()
	runs, err := f.journal.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	return runs
}

func TestEngine_FirstRunUploadsAndIndexes(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.store.WriteText("a.md", "alpha"))
	require.NoError(t, f.store.WriteText("notes/b.md", "beta"))
	require.NoError(t, f.store.WriteText(".obsidian/workspace.json", "{}"))

	res := f.run(t, false)

	assert.Equal(t, 2, res.Summary.Uploads)
	assert.Equal(t, 0, res.Summary.Failed)
	assert.Equal(t, progress.PhaseDone, res.Progress.Phase)

	data, ok := f.srv.File("app:/vault/notes/b.md")
	require.True(t, ok)
	assert.Equal(t, "beta", string(data))
	assert.False(t, f.srv.Exists("app:/vault/.obsidian/workspace.json"))

	idx, hash, existed := f.index.Load()
	require.True(t, existed)
	assert.Equal(t, res.IndexHash, hash)
	require.Len(t, idx.Files, 2)
	entry := idx.Files["notes/b.md"]
	assert.Equal(t, int64(4), entry.LocalSize)
	assert.NotEmpty(t, entry.RemoteRevision)
	assert.NotZero(t, entry.RemoteModified)
	require.NotNil(t, idx.LastSyncAt)

	runs := f.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, 2, runs[0].Done)
	ops, err := f.journal.ListOps(context.Background(), runs[0].ID, false)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestEngine_SecondRunIsQuiet(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.store.WriteText("a.md", "alpha"))
	f.run(t, false)
	uploads := f.srv.Calls("PUT /_upload")

	res := f.run(t, false)

	assert.Empty(t, res.Plan.Operations)
	assert.Equal(t, uploads, f.srv.Calls("PUT /_upload"))
	assert.Zero(t, f.srv.Calls("GET /_download"))
}

func TestEngine_DownloadsRemoteOnlyFiles(t *testing.T) {
	f := newEngineFixture(t)
	modified := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	f.srv.PutFile("app:/vault/deep/r.md", []byte("remote text"), modified)

	res := f.run(t, false)

	assert.Equal(t, 1, res.Summary.Downloads)
	text, err := f.store.ReadText("deep/r.md")
	require.NoError(t, err)
	assert.Equal(t, "remote text", text)

	info, err := f.store.Fs().Stat("deep/r.md")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(modified))

	idx, _, _ := f.index.Load()
	assert.Equal(t, modified.UnixMilli(), idx.Files["deep/r.md"].RemoteModified)
}

func TestEngine_RemoteEditIsDownloaded(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.store.WriteText("a.md", "v1"))
	f.run(t, false)

	f.srv.PutFile("app:/vault/a.md", []byte("v2 from elsewhere"), time.Now().Add(time.Hour))
	res := f.run(t, false)

	require.Len(t, res.Plan.Operations, 1)
	assert.Equal(t, diff.KindDownload, res.Plan.Operations[0].Kind())
	text, err := f.store.ReadText("a.md")
	require.NoError(t, err)
	assert.Equal(t, "v2 from elsewhere", text)
}

func TestEngine_MirrorsLocalDeletion(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.store.WriteText("a.md", "alpha"))
	require.NoError(t, f.store.WriteText("b.md", "beta"))
	f.run(t, false)

	require.NoError(t, f.store.Delete("a.md"))
	res := f.run(t, false)

	assert.Equal(t, 1, res.Summary.RemoteDeletes)
	assert.False(t, f.srv.Exists("app:/vault/a.md"))
	assert.True(t, f.srv.Exists("app:/vault/b.md"))

	idx, _, _ := f.index.Load()
	_, ok := idx.Files["a.md"]
	assert.False(t, ok)
}

func TestEngine_MirrorsRemoteDeletion(t *testing.T) {
	f := newEngineFixture(t)
	f.srv.AsyncDeletes = true
	require.NoError(t, f.store.WriteText("a.md", "alpha"))
	f.run(t, false)

	_, err := f.client.Delete(context.Background(), "app:/vault/a.md", true)
	require.NoError(t, err)
	res := f.run(t, false)

	assert.Equal(t, 1, res.Summary.LocalDeletes)
	ok, err := f.store.Exists("a.md")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_DryRunChangesNothing(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.store.WriteText("a.md", "alpha"))

	res := f.run(t, true)

	require.Len(t, res.Plan.Operations, 1)
	assert.Equal(t, "upload a.md -> app:/vault/a.md", diff.Describe(res.Plan.Operations[0]))
	assert.False(t, f.srv.Exists("app:/vault/a.md"))
	assert.Zero(t, f.index.Writes())
	assert.True(t, res.Progress.DryRun)
	assert.Equal(t, 1, f.logger.Count(logging.INFO, "upload a.md -> app:/vault/a.md"))

	runs := f.runs(t)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].DryRun)
}

// gatedRemote holds the first upload until released
type gatedRemote struct {
	Remote
	entered chan struct{}
	release chan struct{}
	once    stdsync.Once
}

func newGatedRemote(inner Remote) *gatedRemote {
	return &gatedRemote{Remote: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRemote) Upload(ctx context.Context, href string, body func() (io.ReadCloser, error), size int64) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Remote.Upload(ctx, href, body, size)
}

func TestEngine_SecondRunWhileActiveIsRejected(t *testing.T) {
	var gate *gatedRemote
	f := newEngineFixture(t, func(o *Options) {
		gate = newGatedRemote(o.Remote)
		o.Remote = gate
	})
	require.NoError(t, f.store.WriteText("a.md", "alpha"))

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Run(context.Background(), false)
		done <- err
	}()
	<-gate.entered

	_, err := f.engine.Run(context.Background(), false)
	assert.ErrorIs(t, err, ErrRunActive)
	assert.True(t, f.engine.Active())
	snap, active, ok := f.engine.Progress()
	assert.True(t, ok)
	assert.True(t, active)
	assert.Equal(t, progress.PhaseUpload, snap.Phase)

	close(gate.release)
	require.NoError(t, <-done)
	assert.False(t, f.engine.Active())
	_, active, ok = f.engine.Progress()
	assert.True(t, ok)
	assert.False(t, active)
}

func TestEngine_CancelStopsNewOperations(t *testing.T) {
	var gate *gatedRemote
	f := newEngineFixture(t, func(o *Options) {
		gate = newGatedRemote(o.Remote)
		o.Remote = gate
		o.Profile.UploadConcurrency = 1
	})
	for _, name := range []string{"a.md", "b.md", "c.md"} {
		require.NoError(t, f.store.WriteText(name, name))
	}
	assert.False(t, f.engine.Cancel())

	done := make(chan *Result, 1)
	go func() {
		res, err := f.engine.Run(context.Background(), false)
		assert.NoError(t, err)
		done <- res
	}()
	<-gate.entered
	assert.True(t, f.engine.Cancel())
	close(gate.release)
	res := <-done

	assert.Equal(t, 1, res.Summary.Uploads)
	assert.Equal(t, progress.PhaseCancelled, res.Progress.Phase)
	assert.True(t, res.Progress.Cancelling)
	assert.Equal(t, 1, f.logger.Count(logging.WARN, "Cancellation requested by user"))

	idx, _, _ := f.index.Load()
	require.Len(t, idx.Files, 1)
	assert.NotEmpty(t, idx.Files["a.md"].RemoteRevision)

	runs := f.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.RunStatusCancelled, runs[0].Status)

	// The files that were never uploaded are uploaded next time, not deleted
	res = f.run(t, false)
	assert.Equal(t, 2, res.Summary.Uploads)
	assert.Zero(t, res.Summary.LocalDeletes)
	for _, name := range []string{"b.md", "c.md"} {
		ok, err := f.store.Exists(name)
		require.NoError(t, err)
		assert.True(t, ok, name)
		assert.True(t, f.srv.Exists("app:/vault/"+name), name)
	}
}

type brokenLister struct {
	Remote
}

func (brokenLister) ListPage(context.Context, string, int, int) ([]api.Resource, error) {
	return nil, errors.New("listing exploded")
}

func TestEngine_PlanFailureLeavesIndexAlone(t *testing.T) {
	f := newEngineFixture(t, func(o *Options) {
		o.Remote = brokenLister{Remote: o.Remote}
	})
	require.NoError(t, f.store.WriteText("a.md", "alpha"))

	_, err := f.engine.Run(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing exploded")
	assert.Zero(t, f.index.Writes())
	assert.Contains(t, f.engine.LastError(), "listing exploded")

	snap, active, ok := f.engine.Progress()
	assert.True(t, ok)
	assert.False(t, active)
	assert.Equal(t, progress.PhaseFailed, snap.Phase)

	runs := f.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].LastError, "listing exploded")
}

func TestEngine_UploadFailureIsRecordedNotFatal(t *testing.T) {
	f := newEngineFixture(t)
	f.srv.FailUploads[mocks.Canonical("app:/vault/bad.md")] = 507
	require.NoError(t, f.store.WriteText("bad.md", "x"))
	require.NoError(t, f.store.WriteText("good.md", "y"))

	res := f.run(t, false)

	assert.Equal(t, 1, res.Summary.Uploads)
	assert.Equal(t, 1, res.Summary.Failed)
	assert.Equal(t, 1, res.Progress.Failed)

	runs := f.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.RunStatusSucceeded, runs[0].Status)
	failed, err := f.journal.ListOps(context.Background(), runs[0].ID, true)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad.md", failed[0].Rel)
}

func TestEngine_PlanDoesNotPersist(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.store.WriteText("a.md", "alpha"))
	f.srv.PutFile("app:/vault/r.md", []byte("r"), time.Now())

	plan, err := f.engine.Plan(context.Background())
	require.NoError(t, err)

	counts := plan.Counts()
	assert.Equal(t, 1, counts[diff.KindUpload])
	assert.Equal(t, 1, counts[diff.KindDownload])
	assert.Zero(t, f.index.Writes())
	_, _, ok := f.engine.Progress()
	assert.False(t, ok)
}

func TestEngine_FailedUploadIsNotIndexed(t *testing.T) {
	f := newEngineFixture(t)
	f.srv.FailUpload("app:/vault/bad.md", 507)
	require.NoError(t, f.store.WriteText("bad.md", "unsynced"))
	require.NoError(t, f.store.WriteText("good.md", "y"))

	res := f.run(t, false)
	require.Equal(t, 1, res.Summary.Failed)

	idx, _, _ := f.index.Load()
	_, indexed := idx.Files["bad.md"]
	assert.False(t, indexed)
	assert.Contains(t, idx.Files, "good.md")

	f.srv.FailUpload("app:/vault/bad.md", 0)
	res = f.run(t, false)

	require.Len(t, res.Plan.Operations, 1)
	assert.Equal(t, "upload bad.md -> app:/vault/bad.md", diff.Describe(res.Plan.Operations[0]))
	ok, err := f.store.Exists("bad.md")
	require.NoError(t, err)
	assert.True(t, ok)
	data, found := f.srv.File("app:/vault/bad.md")
	require.True(t, found)
	assert.Equal(t, "unsynced", string(data))
}

func TestEngine_FailedUpdateKeepsPreviousEntry(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.store.WriteText("a.md", "v1"))
	f.run(t, false)
	before, _, _ := f.index.Load()

	require.NoError(t, f.store.WriteText("a.md", "v2 is longer"))
	f.srv.FailUpload("app:/vault/a.md", 503)
	res := f.run(t, false)
	require.Equal(t, 1, res.Summary.Failed)

	after, _, _ := f.index.Load()
	assert.Equal(t, before.Files["a.md"], after.Files["a.md"])

	f.srv.FailUpload("app:/vault/a.md", 0)
	res = f.run(t, false)

	assert.Equal(t, 1, res.Summary.Uploads)
	data, ok := f.srv.File("app:/vault/a.md")
	require.True(t, ok)
	assert.Equal(t, "v2 is longer", string(data))
}
