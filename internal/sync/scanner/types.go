package scanner

import (
	"context"
	"time"
)

// LocalFile is one file of the local inventory
type LocalFile struct {
	Rel     string
	Size    int64
	ModTime int64 // ms
	CTime   int64 // ms
	// Handle locates the file inside the local store
	Handle string
	Ext    string
}

// RemoteFile is one file of the remote inventory
type RemoteFile struct {
	Rel      string
	Path     string
	Size     int64
	Modified string
	Revision string
	MD5      string
	SHA256   string
}

// ModifiedMs parses Modified as epoch milliseconds, 0 when unparsable.
func (r RemoteFile) ModifiedMs() int64 {
	if r.Modified == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, r.Modified)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// Scanner enumerates local files that are in scope
type Scanner interface {
	ListLocalInScope(ctx context.Context) ([]LocalFile, error)
}
