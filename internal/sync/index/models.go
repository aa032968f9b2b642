package index

import "encoding/json"

// Entry is the fingerprint of a path as of its last successful sync
type Entry struct {
	LocalMtime     int64  `json:"localMtime"`
	LocalSize      int64  `json:"localSize"`
	RemoteModified int64  `json:"remoteModified"`
	RemoteRevision string `json:"remoteRevision,omitempty"`
}

// Index maps relative paths to their last synced fingerprint. Presence of an
// entry means the path was synchronized at least once.
type Index struct {
	Files      map[string]Entry `json:"files"`
	LastSyncAt *string          `json:"lastSyncAt"`
}

// TimeLayout formats LastSyncAt
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

func New() Index {
	return Index{Files: make(map[string]Entry)}
}

// Lookup returns the entry for rel and whether one exists
func (idx Index) Lookup(rel string) (Entry, bool) {
	e, ok := idx.Files[rel]
	return e, ok
}

// rawFormat is the persisted form with entries left undecoded
type rawFormat struct {
	Version    int                        `json:"version"`
	LastSyncAt *string                    `json:"lastSyncAt"`
	Files      map[string]json.RawMessage `json:"files"`
}

// fileFormat is the persisted form
type fileFormat struct {
	Version    int              `json:"version"`
	LastSyncAt *string          `json:"lastSyncAt"`
	Files      map[string]Entry `json:"files"`
}
