package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MozGangster/ydsync/internal/api"
	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/sync/diff"
	"github.com/MozGangster/ydsync/internal/sync/localfs"
	"github.com/MozGangster/ydsync/internal/sync/progress"
	"github.com/MozGangster/ydsync/internal/sync/scanner"
	"github.com/MozGangster/ydsync/internal/sync/transfer"
	testutil "github.com/MozGangster/ydsync/internal/testing"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDisk is an in-memory remote keyed by absolute path
type fakeDisk struct {
	mu         sync.Mutex
	files      map[string][]byte
	folders    []string
	deleted    []string
	failUpload map[string]bool
	asyncLink  bool
	// calls lists remote requests in arrival order, e.g. "upload app:/vault/a.md"
	calls []string
}

func (d *fakeDisk) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{files: make(map[string][]byte), failUpload: make(map[string]bool)}
}

func (d *fakeDisk) EnsureFolder(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.folders = append(d.folders, path)
	return nil
}

func (d *fakeDisk) Delete(_ context.Context, path string, _ bool) (*api.Link, error) {
	d.record("delete " + path)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[path]; !ok {
		return nil, errors.New("not found")
	}
	delete(d.files, path)
	d.deleted = append(d.deleted, path)
	if d.asyncLink {
		return &api.Link{Href: "op://" + path}, nil
	}
	return nil, nil
}

func (d *fakeDisk) UploadHref(_ context.Context, path string, _ bool) (string, error) {
	if d.failUpload[path] {
		return "", errors.New("quota exceeded")
	}
	return path, nil
}

func (d *fakeDisk) Upload(_ context.Context, href string, body func() (io.ReadCloser, error), _ int64) error {
	rc, err := body()
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	d.record("upload " + href)
	d.mu.Lock()
	d.files[href] = data
	d.mu.Unlock()
	return nil
}

func (d *fakeDisk) DownloadHref(_ context.Context, path string) (string, error) {
	d.record("download " + path)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[path]; !ok {
		return "", errors.New("not found")
	}
	return path, nil
}

func (d *fakeDisk) Download(_ context.Context, href string) (io.ReadCloser, http.Header, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return io.NopCloser(bytes.NewReader(d.files[href])), http.Header{}, nil
}

func (d *fakeDisk) DownloadRange(_ context.Context, href string, start, end int64) ([]byte, http.Header, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.files[href]
	if start >= int64(len(data)) {
		return nil, http.Header{}, nil
	}
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	return data[start : end+1], http.Header{}, nil
}

type recordingWaiter struct {
	mu    sync.Mutex
	links []string
}

func (w *recordingWaiter) Wait(_ context.Context, link *api.Link) error {
	if link == nil {
		return nil
	}
	w.mu.Lock()
	w.links = append(w.links, link.Href)
	w.mu.Unlock()
	return nil
}

type plainLocator struct{}

func (plainLocator) HandleFor(rel string) string { return rel }

type fixture struct {
	disk   *fakeDisk
	waiter *recordingWaiter
	store  *localfs.Store
	exec   *Executor
	logger *testutil.RecordingLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	disk := newFakeDisk()
	waiter := &recordingWaiter{}
	store := localfs.NewWithFs(afero.NewMemMapFs())
	logger := testutil.NewRecordingLogger()
	profile := transfer.DefaultProfile()
	tr := transfer.New(disk, store, profile, logger)
	exec := New(disk, waiter, tr, store, plainLocator{}, logger)
	exec.now = func() time.Time { return time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC) }
	return &fixture{disk: disk, waiter: waiter, store: store, exec: exec, logger: logger}
}

func (f *fixture) execute(ops ...diff.Operation) (Summary, *progress.RunState) {
	state := progress.NewRunState(false, 10, nil)
	state.SetPlan(ops)
	summary := f.exec.Execute(context.Background(), ops, state, Options{RemoteRoot: "app:/vault"})
	return summary, state
}

func TestExecute_UploadsEnsureParentsOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.WriteText("a/b/one.md", "1"))
	require.NoError(t, f.store.WriteText("a/b/two.md", "2"))
	require.NoError(t, f.store.WriteText("top.md", "3"))

	summary, state := f.execute(
		diff.Upload{Rel: "a/b/one.md", Local: scanner.LocalFile{Rel: "a/b/one.md", Handle: "a/b/one.md"}, RemoteTarget: "app:/vault/a/b/one.md"},
		diff.Upload{Rel: "a/b/two.md", Local: scanner.LocalFile{Rel: "a/b/two.md", Handle: "a/b/two.md"}, RemoteTarget: "app:/vault/a/b/two.md"},
		diff.Upload{Rel: "top.md", Local: scanner.LocalFile{Rel: "top.md", Handle: "top.md"}, RemoteTarget: "app:/vault/top.md"},
	)

	assert.Equal(t, 3, summary.Uploads)
	assert.Equal(t, 0, summary.Failed)
	assert.ElementsMatch(t, []string{"app:/vault/a", "app:/vault/a/b"}, f.disk.folders)
	assert.Equal(t, []byte("2"), f.disk.files["app:/vault/a/b/two.md"])
	assert.Equal(t, 3, state.Snapshot().Done)
}

func TestExecute_FailureDoesNotStopSiblings(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.WriteText("ok.md", "fine"))
	require.NoError(t, f.store.WriteText("bad.md", "nope"))
	f.disk.failUpload["app:/vault/bad.md"] = true
	f.disk.files["disk:/vault/remote.md"] = []byte("from remote")

	summary, state := f.execute(
		diff.Upload{Rel: "bad.md", Local: scanner.LocalFile{Handle: "bad.md"}, RemoteTarget: "app:/vault/bad.md"},
		diff.Upload{Rel: "ok.md", Local: scanner.LocalFile{Handle: "ok.md"}, RemoteTarget: "app:/vault/ok.md"},
		diff.Download{Rel: "remote.md", RemoteSource: "disk:/vault/remote.md", Remote: scanner.RemoteFile{Size: 11}},
	)

	assert.Equal(t, 1, summary.Uploads)
	assert.Equal(t, 1, summary.Downloads)
	assert.Equal(t, 1, summary.Failed)

	snap := state.Snapshot()
	assert.Equal(t, 2, snap.Done)
	assert.Equal(t, 1, snap.Failed)
	failures := state.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "bad.md", failures[0].Rel)
	assert.Equal(t, diff.KindUpload, failures[0].Kind)
	assert.Equal(t, 1, f.logger.Count(logging.WARN, "Task failed"))

	text, err := f.store.ReadText("remote.md")
	require.NoError(t, err)
	assert.Equal(t, "from remote", text)
}

func TestExecute_DownloadSetsRemoteMtime(t *testing.T) {
	f := newFixture(t)
	f.disk.files["disk:/vault/n.md"] = []byte("x")
	modified := "2024-02-01T10:00:00+00:00"

	summary, _ := f.execute(diff.Download{Rel: "d/n.md", RemoteSource: "disk:/vault/n.md", Remote: scanner.RemoteFile{Size: 1, Modified: modified}})
	require.Equal(t, 1, summary.Downloads)

	info, err := f.store.Fs().Stat("d/n.md")
	require.NoError(t, err)
	want, _ := time.Parse(time.RFC3339, modified)
	assert.True(t, info.ModTime().Equal(want))
}

func TestExecute_ConflictDuplicatesBothSides(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.WriteText("notes/c.md", "local text"))
	f.disk.files["disk:/vault/notes/c.md"] = []byte("remote text")

	summary, _ := f.execute(diff.Conflict{
		Rel:    "notes/c.md",
		Local:  scanner.LocalFile{Rel: "notes/c.md", Handle: "notes/c.md"},
		Remote: scanner.RemoteFile{Rel: "notes/c.md", Path: "disk:/vault/notes/c.md"},
	})
	require.Equal(t, 1, summary.Conflicts)

	local, err := f.store.ReadText("notes/c (conflict 2024-03-04-05-06-07 local).md")
	require.NoError(t, err)
	assert.Equal(t, "local text", local)
	remote, err := f.store.ReadText("notes/c (conflict 2024-03-04-05-06-07 remote).md")
	require.NoError(t, err)
	assert.Equal(t, "remote text", remote)

	orig, err := f.store.ReadText("notes/c.md")
	require.NoError(t, err)
	assert.Equal(t, "local text", orig, "original untouched")
	assert.Equal(t, []byte("remote text"), f.disk.files["disk:/vault/notes/c.md"])
}

func TestExecute_ConflictCopyNameCollision(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.WriteBinary("img.png", []byte{1, 2}))
	require.NoError(t, f.store.WriteBinary("img (conflict 2024-03-04-05-06-07 local).png", []byte{9}))
	f.disk.files["disk:/vault/img.png"] = []byte{3, 4}

	summary, _ := f.execute(diff.Conflict{
		Rel:    "img.png",
		Local:  scanner.LocalFile{Rel: "img.png", Handle: "img.png"},
		Remote: scanner.RemoteFile{Rel: "img.png", Path: "disk:/vault/img.png"},
	})
	require.Equal(t, 1, summary.Conflicts)

	data, err := f.store.ReadBinary("img (conflict 2024-03-04-05-06-07 2 remote).png")
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, data)
	prev, err := f.store.ReadBinary("img (conflict 2024-03-04-05-06-07 local).png")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, prev, "existing copy kept")
}

func TestExecute_Deletes(t *testing.T) {
	f := newFixture(t)
	f.disk.asyncLink = true
	f.disk.files["disk:/vault/r.md"] = []byte("r")
	require.NoError(t, f.store.WriteText("l.md", "l"))

	summary, _ := f.execute(
		diff.RemoteDelete{Rel: "r.md", RemoteTarget: "disk:/vault/r.md"},
		diff.LocalDelete{Rel: "l.md", Handle: "l.md"},
	)

	assert.Equal(t, 1, summary.RemoteDeletes)
	assert.Equal(t, 1, summary.LocalDeletes)
	assert.Equal(t, []string{"disk:/vault/r.md"}, f.disk.deleted)
	assert.Equal(t, []string{"op://disk:/vault/r.md"}, f.waiter.links)
	exists, _ := f.store.Exists("l.md")
	assert.False(t, exists)
}

func TestExecute_CancelledRunStartsNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.WriteText("a.md", "a"))
	ops := []diff.Operation{
		diff.Upload{Rel: "a.md", Local: scanner.LocalFile{Handle: "a.md"}, RemoteTarget: "app:/vault/a.md"},
		diff.LocalDelete{Rel: "a.md", Handle: "a.md"},
	}
	state := progress.NewRunState(false, 10, nil)
	state.SetPlan(ops)
	state.Cancel()

	summary := f.exec.Execute(context.Background(), ops, state, Options{RemoteRoot: "app:/vault"})

	assert.Empty(t, summary.Outcomes)
	assert.Empty(t, f.disk.files)
	exists, _ := f.store.Exists("a.md")
	assert.True(t, exists)
	assert.True(t, strings.Contains(state.Summary(), "(cancelling...)"))
}

func TestExecute_PhasesRunInStrictOrder(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"u1.md", "u2.md", "u3.md", "c.md", "l.md"} {
		require.NoError(t, f.store.WriteText(name, name))
	}
	for _, name := range []string{"d1.md", "d2.md", "d3.md", "c.md", "r.md"} {
		f.disk.files["disk:/vault/"+name] = []byte(name)
	}
	ops := []diff.Operation{
		diff.LocalDelete{Rel: "l.md", Handle: "l.md"},
		diff.RemoteDelete{Rel: "r.md", RemoteTarget: "disk:/vault/r.md"},
		diff.Conflict{
			Rel:    "c.md",
			Local:  scanner.LocalFile{Rel: "c.md", Handle: "c.md"},
			Remote: scanner.RemoteFile{Rel: "c.md", Path: "disk:/vault/c.md"},
		},
		diff.Download{Rel: "d1.md", RemoteSource: "disk:/vault/d1.md", Remote: scanner.RemoteFile{Size: 5}},
		diff.Upload{Rel: "u1.md", Local: scanner.LocalFile{Handle: "u1.md"}, RemoteTarget: "app:/vault/u1.md"},
		diff.Download{Rel: "d2.md", RemoteSource: "disk:/vault/d2.md", Remote: scanner.RemoteFile{Size: 5}},
		diff.Upload{Rel: "u2.md", Local: scanner.LocalFile{Handle: "u2.md"}, RemoteTarget: "app:/vault/u2.md"},
		diff.Download{Rel: "d3.md", RemoteSource: "disk:/vault/d3.md", Remote: scanner.RemoteFile{Size: 5}},
		diff.Upload{Rel: "u3.md", Local: scanner.LocalFile{Handle: "u3.md"}, RemoteTarget: "app:/vault/u3.md"},
	}

	rank := map[diff.Kind]int{
		diff.KindUpload:       0,
		diff.KindDownload:     1,
		diff.KindConflict:     2,
		diff.KindRemoteDelete: 3,
		diff.KindLocalDelete:  4,
	}
	var mu sync.Mutex
	var ranks []int
	bus := progress.NewBus()
	require.NoError(t, bus.Subscribe(progress.EventOpStarted, func(op diff.Operation) {
		mu.Lock()
		ranks = append(ranks, rank[op.Kind()])
		mu.Unlock()
	}))
	require.NoError(t, bus.Subscribe(progress.EventOpFinished, func(o progress.Outcome) {
		mu.Lock()
		ranks = append(ranks, rank[o.Kind])
		mu.Unlock()
	}))

	state := progress.NewRunState(false, 20, bus)
	state.SetPlan(ops)
	summary := f.exec.Execute(context.Background(), ops, state, Options{RemoteRoot: "app:/vault"})
	require.Zero(t, summary.Failed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ranks, 2*len(ops))
	assert.True(t, sort.IntsAreSorted(ranks), "phase events out of order: %v", ranks)

	var kinds []string
	for _, call := range f.disk.calls {
		kinds = append(kinds, strings.SplitN(call, " ", 2)[0])
	}
	assert.Equal(t, []string{"upload", "upload", "upload", "download", "download", "download", "download", "delete"}, kinds)
	assert.Equal(t, "download disk:/vault/c.md", f.disk.calls[6])

	exists, _ := f.store.Exists("l.md")
	assert.False(t, exists)
	assert.Empty(t, state.Snapshot().Running)
}

// noTimesFs refuses to change modification times
type noTimesFs struct {
	afero.Fs
}

func (noTimesFs) Chtimes(string, time.Time, time.Time) error {
	return errors.New("operation not permitted")
}

func TestExecute_DownloadSucceedsWhenMtimeCannotBeSet(t *testing.T) {
	disk := newFakeDisk()
	disk.files["disk:/vault/n.md"] = []byte("x")
	store := localfs.NewWithFs(noTimesFs{Fs: afero.NewMemMapFs()})
	logger := testutil.NewRecordingLogger()
	exec := New(disk, nil, transfer.New(disk, store, transfer.DefaultProfile(), logger), store, plainLocator{}, logger)

	ops := []diff.Operation{diff.Download{
		Rel:          "n.md",
		RemoteSource: "disk:/vault/n.md",
		Remote:       scanner.RemoteFile{Size: 1, Modified: "2024-02-01T10:00:00+00:00"},
	}}
	state := progress.NewRunState(false, 10, nil)
	state.SetPlan(ops)
	summary := exec.Execute(context.Background(), ops, state, Options{RemoteRoot: "app:/vault"})

	assert.Equal(t, 1, summary.Downloads)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 1, logger.Count(logging.DEBUG, "Set modification time failed"))
	text, err := store.ReadText("n.md")
	require.NoError(t, err)
	assert.Equal(t, "x", text)
}
