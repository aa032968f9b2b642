package mocks

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/MozGangster/ydsync/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"app:/", AppFolder},
		{"app:/vault/a.md", AppFolder + "/vault/a.md"},
		{"disk:/x/", "disk:/x"},
		{"/x/y", "disk:/x/y"},
		{"disk:/", "disk:"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Canonical(tt.in), tt.in)
	}
}

func TestDiskServer_ListsWithPaging(t *testing.T) {
	srv := NewDiskServer()
	defer srv.Close()
	mod := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	srv.PutFile("app:/vault/a.md", []byte("a"), mod)
	srv.PutFile("app:/vault/b.md", []byte("bb"), mod)
	srv.PutFile("app:/vault/sub/c.md", []byte("ccc"), mod)

	c := srv.APIClient(nil)
	first, err := c.ListPage(context.Background(), "app:/vault", 2, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, AppFolder+"/vault/a.md", first[0].Path)
	assert.Equal(t, int64(1), first[0].Size)
	assert.Equal(t, "2024-01-02T03:04:05+00:00", first[0].Modified)
	assert.NotEmpty(t, first[0].MD5)

	rest, err := c.ListPage(context.Background(), "app:/vault", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.True(t, rest[0].IsDir())
	assert.Equal(t, 2, srv.Calls("GET /resources"))
}

func TestDiskServer_ListMissingIsNotFound(t *testing.T) {
	srv := NewDiskServer()
	defer srv.Close()

	_, err := srv.APIClient(nil).ListPage(context.Background(), "app:/nothing", 10, 0)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, api.StatusCode(err))
}

func TestDiskServer_UploadThenDownload(t *testing.T) {
	srv := NewDiskServer()
	defer srv.Close()
	c := srv.APIClient(nil)
	ctx := context.Background()

	require.NoError(t, c.EnsureFolder(ctx, "app:/vault"))
	href, err := c.UploadHref(ctx, "app:/vault/n.md", true)
	require.NoError(t, err)
	require.NoError(t, c.Upload(ctx, href, api.BytesBody([]byte("hello world")), 11))

	data, ok := srv.File("app:/vault/n.md")
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))

	dl, err := c.DownloadHref(ctx, "app:/vault/n.md")
	require.NoError(t, err)
	body, _, err := c.Download(ctx, dl)
	require.NoError(t, err)
	full, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(full))

	part, hdr, err := c.DownloadRange(ctx, dl, 6, 100)
	require.NoError(t, err)
	assert.Equal(t, "world", string(part))
	assert.Equal(t, "bytes 6-10/11", hdr.Get("Content-Range"))
}

func TestDiskServer_UploadNeedsParent(t *testing.T) {
	srv := NewDiskServer()
	defer srv.Close()

	_, err := srv.APIClient(nil).UploadHref(context.Background(), "app:/missing/n.md", true)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, api.StatusCode(err))
}

func TestDiskServer_IgnoresRangeWhenAsked(t *testing.T) {
	srv := NewDiskServer()
	defer srv.Close()
	srv.HonorRange = false
	srv.PutFile("app:/f.bin", bytes.Repeat([]byte("x"), 32), time.Now())
	c := srv.APIClient(nil)

	href, err := c.DownloadHref(context.Background(), "app:/f.bin")
	require.NoError(t, err)
	data, _, err := c.DownloadRange(context.Background(), href, 0, 3)
	require.NoError(t, err)
	assert.Len(t, data, 32)
}

func TestDiskServer_AsyncDelete(t *testing.T) {
	srv := NewDiskServer()
	defer srv.Close()
	srv.AsyncDeletes = true
	srv.PutFile("app:/vault/sub/x.md", []byte("x"), time.Now())
	c := srv.APIClient(nil)

	link, err := c.Delete(context.Background(), "app:/vault/sub", true)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.False(t, srv.Exists("app:/vault/sub/x.md"))

	poller := api.NewOperationPoller(c, time.Millisecond, time.Second)
	assert.NoError(t, poller.Wait(context.Background(), link))
}

func TestDiskServer_Move(t *testing.T) {
	srv := NewDiskServer()
	defer srv.Close()
	srv.PutFile("app:/vault/a.md", []byte("a"), time.Now())
	srv.PutFile("app:/vault/b.md", []byte("b"), time.Now())
	c := srv.APIClient(nil)

	_, err := c.Move(context.Background(), "app:/vault/a.md", "app:/vault/b.md", false)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, api.StatusCode(err))

	_, err = c.Move(context.Background(), "app:/vault/a.md", "app:/vault/c.md", false)
	require.NoError(t, err)
	assert.False(t, srv.Exists("app:/vault/a.md"))
	data, ok := srv.File("app:/vault/c.md")
	require.True(t, ok)
	assert.Equal(t, "a", string(data))
}
