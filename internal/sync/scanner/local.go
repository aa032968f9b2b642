package scanner

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/MozGangster/ydsync/internal/sync/exclude"
	"github.com/spf13/afero"
)

// PartialSuffix marks in-flight download temp files, which are never synced
const PartialSuffix = ".yds.part"

// LocalScanner lists files of a local tree, optionally limited to a scope
// subdirectory, through the filter shared with the remote side.
type LocalScanner struct {
	fs     afero.Fs
	scope  string
	filter *exclude.Filter
}

func NewLocalScanner(fs afero.Fs, scope string, filter *exclude.Filter) *LocalScanner {
	return &LocalScanner{
		fs:     fs,
		scope:  NormalizeRel(scope),
		filter: filter,
	}
}

// NormalizeRel cleans a slash path and strips leading slashes
func NormalizeRel(p string) string {
	p = strings.TrimSpace(filepath.ToSlash(p))
	if p == "" {
		return ""
	}
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	return p
}

// HandleFor maps a scope-relative path to its location in the store
func (s *LocalScanner) HandleFor(rel string) string {
	if s.scope == "" {
		return NormalizeRel(rel)
	}
	return s.scope + "/" + NormalizeRel(rel)
}

func (s *LocalScanner) ListLocalInScope(ctx context.Context) ([]LocalFile, error) {
	root := "/"
	if s.scope != "" {
		root = "/" + s.scope
	}

	if _, err := s.fs.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []LocalFile
	err := afero.Walk(s.fs, root, func(current string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		handle := NormalizeRel(current)
		rel := handle
		if s.scope != "" {
			rel = strings.TrimPrefix(handle, s.scope+"/")
		}
		if rel == "" || strings.HasSuffix(rel, PartialSuffix) {
			return nil
		}
		if !s.filter.AllowLocal(rel, info.Size()) {
			return nil
		}

		mtime := info.ModTime().UnixMilli()
		files = append(files, LocalFile{
			Rel:     rel,
			Size:    info.Size(),
			ModTime: mtime,
			CTime:   mtime,
			Handle:  handle,
			Ext:     exclude.Ext(rel),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}
