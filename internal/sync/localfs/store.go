package localfs

import (
	"fmt"
	"os"
	"path"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// Store performs file I/O on the local tree. Paths are slash separated and
// relative to the store root.
type Store struct {
	fs afero.Fs
}

// New roots a store at dir on the OS filesystem
func New(dir string) *Store {
	return &Store{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

// NewWithFs roots a store at "/" of an existing filesystem, e.g.
// afero.NewMemMapFs in tests. Relative and absolute paths name the same file.
func NewWithFs(fs afero.Fs) *Store {
	return &Store{fs: afero.NewBasePathFs(fs, "/")}
}

// Fs exposes the underlying filesystem for scanners sharing the same root
func (s *Store) Fs() afero.Fs {
	return s.fs
}

func (s *Store) Read(handle string) ([]byte, error) {
	return afero.ReadFile(s.fs, handle)
}

func (s *Store) ReadBinary(handle string) ([]byte, error) {
	return afero.ReadFile(s.fs, handle)
}

// ReadText reads handle as UTF-8 text
func (s *Store) ReadText(handle string) (string, error) {
	data, err := afero.ReadFile(s.fs, handle)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not valid UTF-8", handle)
	}
	return string(data), nil
}

// WriteBinary creates or replaces p, creating parent folders as needed
func (s *Store) WriteBinary(p string, data []byte) error {
	if err := s.CreateFolder(path.Dir(p)); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, p, data, 0644)
}

func (s *Store) WriteText(p string, text string) error {
	return s.WriteBinary(p, []byte(text))
}

func (s *Store) Delete(handle string) error {
	if err := s.fs.Remove(handle); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) Exists(p string) (bool, error) {
	return afero.Exists(s.fs, p)
}

// CreateFolder creates p and its parents; existing folders are fine
func (s *Store) CreateFolder(p string) error {
	if p == "" || p == "." || p == "/" {
		return nil
	}
	return s.fs.MkdirAll(p, 0755)
}

// Rename moves from over to, removing a stale destination first
func (s *Store) Rename(from, to string) error {
	if err := s.CreateFolder(path.Dir(to)); err != nil {
		return err
	}
	if ok, _ := afero.Exists(s.fs, to); ok {
		if err := s.fs.Remove(to); err != nil {
			return err
		}
	}
	return s.fs.Rename(from, to)
}

// Create opens an empty p for sequential writes, replacing previous content
func (s *Store) Create(p string) (afero.File, error) {
	if err := s.CreateFolder(path.Dir(p)); err != nil {
		return nil, err
	}
	if err := s.Delete(p); err != nil {
		return nil, err
	}
	return s.fs.Create(p)
}
