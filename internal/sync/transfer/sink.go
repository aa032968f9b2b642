package transfer

import (
	"bytes"
	"io"

	"github.com/MozGangster/ydsync/internal/sync/localfs"
	"github.com/MozGangster/ydsync/internal/sync/scanner"
	"github.com/spf13/afero"
)

// sink receives downloaded bytes for one destination
type sink interface {
	io.Writer
	// Reset drops everything written so far
	Reset() error
	// Commit makes the content visible at the destination
	Commit() error
	// Abort discards partial content
	Abort()
}

// fileSink streams into <dest>.yds.part and renames it over dest on commit
type fileSink struct {
	store *localfs.Store
	tmp   string
	dest  string
	f     afero.File
}

// memSink buffers the content and writes it in one go on commit
type memSink struct {
	store *localfs.Store
	dest  string
	buf   bytes.Buffer
}

// TempPath is where a download of dest is staged
func TempPath(dest string) string {
	return dest + scanner.PartialSuffix
}

func openSink(store *localfs.Store, dest string) (sink, error) {
	tmp := TempPath(dest)
	f, err := store.Create(tmp)
	if err != nil {
		return &memSink{store: store, dest: dest}, err
	}
	return &fileSink{store: store, tmp: tmp, dest: dest, f: f}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *fileSink) Reset() error {
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	_, err := s.f.Seek(0, io.SeekStart)
	return err
}

func (s *fileSink) Commit() error {
	if err := s.f.Close(); err != nil {
		_ = s.store.Delete(s.tmp)
		return err
	}
	return s.store.Rename(s.tmp, s.dest)
}

func (s *fileSink) Abort() {
	_ = s.f.Close()
	_ = s.store.Delete(s.tmp)
}

func (s *memSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *memSink) Reset() error {
	s.buf.Reset()
	return nil
}

func (s *memSink) Commit() error {
	return s.store.WriteBinary(s.dest, s.buf.Bytes())
}

func (s *memSink) Abort() {
	s.buf.Reset()
}
