package localfs

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteReadDelete(t *testing.T) {
	s := NewWithFs(afero.NewMemMapFs())

	require.NoError(t, s.WriteText("notes/deep/a.md", "hello"))
	ok, err := s.Exists("notes/deep/a.md")
	require.NoError(t, err)
	assert.True(t, ok)

	text, err := s.ReadText("notes/deep/a.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	require.NoError(t, s.WriteBinary("notes/deep/a.md", []byte{0xff, 0x00}))
	data, err := s.ReadBinary("notes/deep/a.md")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00}, data)

	_, err = s.ReadText("notes/deep/a.md")
	assert.Error(t, err)

	require.NoError(t, s.Delete("notes/deep/a.md"))
	require.NoError(t, s.Delete("notes/deep/a.md"))
	ok, err = s.Exists("notes/deep/a.md")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RenameReplacesDestination(t *testing.T) {
	s := NewWithFs(afero.NewMemMapFs())
	require.NoError(t, s.WriteBinary("a.bin", []byte("old")))
	require.NoError(t, s.WriteBinary("a.bin.yds.part", []byte("new")))

	require.NoError(t, s.Rename("a.bin.yds.part", "a.bin"))

	data, err := s.Read("a.bin")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	ok, _ := s.Exists("a.bin.yds.part")
	assert.False(t, ok)
}

func TestStore_CreateReplaces(t *testing.T) {
	s := NewWithFs(afero.NewMemMapFs())
	require.NoError(t, s.WriteBinary("dir/x", []byte("stale")))

	f, err := s.Create("dir/x")
	require.NoError(t, err)
	_, err = f.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = f.Write([]byte("cd"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := s.Read("dir/x")
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))
}

func TestStore_CreateFolderRoot(t *testing.T) {
	s := NewWithFs(afero.NewMemMapFs())
	assert.NoError(t, s.CreateFolder("."))
	assert.NoError(t, s.CreateFolder(""))
}
