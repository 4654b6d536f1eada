package session

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agendo-io/supervisor/internal/logging"
)

// PlanWatcher tracks the most-recently-modified markdown file under a plans
// directory (spec.md §4.1 "plan-file capture": ~/.claude/plans/ at the time
// an ExitPlanMode tool call starts). Grounded on the teacher's
// internal/vcs.Watcher — same fsnotify.Watcher + stopCh/doneCh shape,
// adapted from git-HEAD branch tracking to latest-mtime file tracking.
type PlanWatcher struct {
	watcher *fsnotify.Watcher
	dir     string

	mu      sync.RWMutex
	latest  string
	modTime int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPlanWatcher watches dir for created/written .md files. Returns nil,nil
// if dir does not exist — plan-file capture is then simply unavailable for
// the session, not an error.
func NewPlanWatcher(dir string) (*PlanWatcher, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	pw := &PlanWatcher{
		watcher: w,
		dir:     dir,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	pw.scanExisting()
	go pw.run()
	return pw, nil
}

func (pw *PlanWatcher) scanExisting() {
	entries, err := os.ReadDir(pw.dir)
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		pw.consider(filepath.Join(pw.dir, e.Name()), info.ModTime().UnixNano())
	}
}

func (pw *PlanWatcher) run() {
	defer close(pw.doneCh)
	for {
		select {
		case <-pw.stopCh:
			return
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Ext(ev.Name) != ".md" {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			pw.consider(ev.Name, info.ModTime().UnixNano())
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Str("dir", pw.dir).Msg("plan file watcher error")
		}
	}
}

func (pw *PlanWatcher) consider(path string, modTime int64) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if modTime >= pw.modTime {
		pw.latest = path
		pw.modTime = modTime
	}
}

// Latest returns the most-recently-modified plan file's path, or "" if none
// has been observed yet.
func (pw *PlanWatcher) Latest() string {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.latest
}

// Close stops the watcher. Safe to call once.
func (pw *PlanWatcher) Close() error {
	select {
	case <-pw.stopCh:
	default:
		close(pw.stopCh)
	}
	<-pw.doneCh
	return pw.watcher.Close()
}
