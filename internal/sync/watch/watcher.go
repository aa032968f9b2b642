// Package watch triggers sync runs from local file events and a fixed interval.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/sync/exclude"
	"github.com/MozGangster/ydsync/internal/sync/scanner"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/fsnotify/fsnotify"
)

// EventOp is the kind of local change
type EventOp int

const (
	OpCreate EventOp = iota
	OpModify
	OpDelete
	OpRename
)

func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a local change inside the sync scope
type Event struct {
	Rel string
	Op  EventOp
}

// Trigger starts one sync. Reason is "change" or "interval".
type Trigger func(ctx context.Context, reason string) error

type Config struct {
	// Root is the local tree on the OS filesystem
	Root string
	// Scope limits events to a subdirectory of Root
	Scope  string
	Filter *exclude.Filter
	// Interval between unconditional runs; zero disables the timer
	Interval time.Duration
	// Debounce is how long the tree must be quiet before a change run
	Debounce time.Duration
	Logger   logging.Logger
}

// Watcher runs a Trigger when the local tree changes and on a timer
type Watcher struct {
	cfg      Config
	trigger  Trigger
	debounce *Debouncer
	logger   logging.Logger
	watcher  *fsnotify.Watcher
	events   chan Event
}

func New(cfg Config, trigger Trigger) (*Watcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNoOpLogger()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Duration(utils.DefaultWatchDebounceMs) * time.Millisecond
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	cfg.Scope = scanner.NormalizeRel(cfg.Scope)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		cfg:      cfg,
		trigger:  trigger,
		debounce: NewDebouncer(cfg.Debounce),
		logger:   cfg.Logger,
		watcher:  fw,
		events:   make(chan Event, 100),
	}, nil
}

// Events mirrors accepted local events for observers; it is never closed
// and drops events nobody reads.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run watches until ctx is done. Trigger failures are logged and do not
// stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addTree(w.cfg.Root); err != nil {
		return err
	}
	w.logger.Info("Watching local tree",
		logging.F("root", w.cfg.Root),
		logging.F("interval", w.cfg.Interval.String()),
		logging.F("debounce", w.cfg.Debounce.String()))

	tick := time.NewTicker(w.cfg.Debounce / 2)
	defer tick.Stop()

	var interval <-chan time.Time
	if w.cfg.Interval > 0 {
		t := time.NewTicker(w.cfg.Interval)
		defer t.Stop()
		interval = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", logging.F("error", err.Error()))

		case now := <-tick.C:
			if w.debounce.Due(now) {
				w.fire(ctx, "change")
			}

		case <-interval:
			w.debounce.Reset()
			w.fire(ctx, "interval")
		}
	}
}

func (w *Watcher) fire(ctx context.Context, reason string) {
	w.logger.Info("Auto-sync triggered", logging.F("reason", reason))
	if err := w.trigger(ctx, reason); err != nil {
		if utils.HasCode(err, utils.ErrCodeRunActive) {
			w.logger.Debug("Sync already running, skipping trigger")
			return
		}
		w.logger.Warn("Auto-sync failed", logging.F("error", err.Error()))
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("Failed to watch new folder", logging.F("path", ev.Name), logging.F("error", err.Error()))
			}
		}
	}

	e, ok := w.convert(ev)
	if !ok {
		return
	}
	w.logger.Info("Local event", logging.F("op", e.Op.String()), logging.F("rel", e.Rel))
	w.debounce.Touch(time.Now())
	select {
	case w.events <- e:
	default:
	}
}

// convert maps an fsnotify event to a scope-relative Event, dropping
// chmod-only events, temp files and ignored paths.
func (w *Watcher) convert(ev fsnotify.Event) (Event, bool) {
	var op EventOp
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
	case ev.Has(fsnotify.Write):
		op = OpModify
	case ev.Has(fsnotify.Remove):
		op = OpDelete
	case ev.Has(fsnotify.Rename):
		op = OpRename
	default:
		return Event{}, false
	}

	rel, ok := w.relative(ev.Name)
	if !ok || strings.HasSuffix(rel, scanner.PartialSuffix) || w.cfg.Filter.IsIgnored(rel) {
		return Event{}, false
	}
	return Event{Rel: rel, Op: op}, true
}

func (w *Watcher) relative(name string) (string, bool) {
	r, err := filepath.Rel(w.cfg.Root, name)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", false
	}
	rel := scanner.NormalizeRel(r)
	if w.cfg.Scope != "" {
		if !strings.HasPrefix(rel, w.cfg.Scope+"/") {
			return "", false
		}
		rel = strings.TrimPrefix(rel, w.cfg.Scope+"/")
	}
	return rel, true
}

// addTree watches dir and its subfolders; fsnotify is not recursive
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.cfg.Root {
			if rel, ok := w.relative(p); ok && w.cfg.Filter.IsIgnored(rel+"/") {
				return filepath.SkipDir
			}
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}
