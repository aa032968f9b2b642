package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// Canonicalize returns a copy with a non-nil file map. Unknown fields are
// already gone after decoding, and JSON object keys are emitted sorted.
func Canonicalize(idx Index) Index {
	files := make(map[string]Entry, len(idx.Files))
	for rel, e := range idx.Files {
		files[rel] = e
	}
	var last *string
	if idx.LastSyncAt != nil {
		v := *idx.LastSyncAt
		last = &v
	}
	return Index{Files: files, LastSyncAt: last}
}

// CanonicalHash is the xxhash64 of the canonical JSON form of idx
func CanonicalHash(idx Index) string {
	data, err := json.Marshal(Canonicalize(idx))
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Parse decodes a persisted index. Blank input yields an empty index.
// Entries that are not well-formed objects are dropped.
func Parse(data []byte) (Index, error) {
	idx, _, err := parse(data)
	return idx, err
}

// parse also returns the paths whose entries were dropped, sorted
func parse(data []byte) (Index, []string, error) {
	idx := New()
	if len(bytes.TrimSpace(data)) == 0 {
		return idx, nil, nil
	}

	var raw rawFormat
	if err := json.Unmarshal(data, &raw); err != nil {
		return idx, nil, err
	}

	var dropped []string
	for rel, msg := range raw.Files {
		var e Entry
		trimmed := bytes.TrimSpace(msg)
		if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &e) != nil {
			dropped = append(dropped, rel)
			continue
		}
		idx.Files[rel] = e
	}
	sort.Strings(dropped)
	idx.LastSyncAt = raw.LastSyncAt
	return idx, dropped, nil
}

// Store persists the index as JSON on an afero filesystem
type Store struct {
	fs     afero.Fs
	path   string
	logger logging.Logger

	mu          sync.Mutex
	knownExists bool
	writes      int
}

func NewStore(fs afero.Fs, dir string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Store{
		fs:     fs,
		path:   filepath.Join(dir, utils.IndexFileName),
		logger: logger,
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the index. A missing file yields an empty index with existed
// false; a malformed file is logged and yields an empty index with existed
// true, leaving the file in place until the next write.
func (s *Store) Load() (idx Index, hash string, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := afero.Exists(s.fs, s.path)
	if err != nil {
		s.knownExists = false
		s.logger.Warn("Failed to read index file", logging.F("path", s.path), logging.F("error", err))
		return New(), "", false
	}
	if !ok {
		s.knownExists = false
		empty := New()
		return empty, CanonicalHash(empty), false
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		s.knownExists = false
		s.logger.Warn("Failed to read index file", logging.F("path", s.path), logging.F("error", err))
		return New(), "", false
	}

	idx, dropped, err := parse(data)
	if err != nil {
		s.logger.Warn("Index is corrupted, will be rebuilt",
			logging.F("path", s.path),
			logging.F("error", err),
			logging.F("code", utils.ErrCodeCorruptedState))
		idx = New()
	}
	if len(dropped) > 0 {
		s.logger.Warn("Malformed index entries dropped",
			logging.F("path", s.path),
			logging.F("entries", dropped),
			logging.F("code", utils.ErrCodeCorruptedState))
	}
	s.knownExists = true
	return idx, CanonicalHash(idx), true
}

// Save writes idx with the current format version and returns its hash
func (s *Store) Save(idx Index) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(idx)
}

func (s *Store) save(idx Index) (string, error) {
	canon := Canonicalize(idx)
	data, err := json.MarshalIndent(fileFormat{
		Version:    utils.IndexVersion,
		LastSyncAt: canon.LastSyncAt,
		Files:      canon.Files,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode index: %w", err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return "", fmt.Errorf("failed to create index directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write index: %w", err)
	}

	s.knownExists = true
	s.writes++
	return CanonicalHash(canon), nil
}

// PersistIfChanged writes idx only when forced, when knownHash is empty or
// stale, or when the backing file turns out to be missing. Write failures are
// logged and the computed hash is returned regardless.
func (s *Store) PersistIfChanged(idx Index, knownHash string, force bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	newHash := CanonicalHash(idx)
	needWrite := force || knownHash == "" || knownHash != newHash
	if !needWrite && !s.knownExists {
		ok, err := afero.Exists(s.fs, s.path)
		needWrite = err == nil && !ok
		if ok {
			s.knownExists = true
		}
	}
	if !needWrite {
		return newHash
	}

	written, err := s.save(idx)
	if err != nil {
		s.logger.Warn("Failed to update index file", logging.F("path", s.path), logging.F("error", err))
		return newHash
	}
	return written
}

// Reset removes the index file
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.knownExists = false
	return nil
}

// Writes reports how many times the file was written by this store
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
