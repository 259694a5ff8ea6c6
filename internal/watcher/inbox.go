// Package watcher ingests PDFs dropped into an inbox directory. Each subdirectory of the inbox
// is a session: <inbox>/<session_id>/<file>.pdf is ingested into session_id.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/pagelens/internal/models"
	"github.com/hyperjump/pagelens/pkg/utils"
)

const defaultDebounce = 400 * time.Millisecond

// Handler ingests one file into a session.
type Handler func(ctx context.Context, session, path string) error

// stamp identifies a file version so unchanged files are not ingested twice.
type stamp struct {
	size  int64
	mtime time.Time
}

// Inbox watches an inbox directory and its session subdirectories.
type Inbox struct {
	root     string
	handle   Handler
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	ctx      context.Context
	timers   map[string]*time.Timer
	seen     map[string]stamp
	sessions map[string]struct{}
	started  bool
	inflight sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Inbox) { in.logger = l }
}

// WithDebounce sets how long a file must stay quiet before it is ingested.
func WithDebounce(d time.Duration) Option {
	return func(in *Inbox) {
		if d > 0 {
			in.debounce = d
		}
	}
}

// NewInbox creates an inbox watcher rooted at root.
func NewInbox(root string, handle Handler, opts ...Option) *Inbox {
	in := &Inbox{
		root:     filepath.Clean(root),
		handle:   handle,
		debounce: defaultDebounce,
		logger:   zap.NewNop(),
		timers:   make(map[string]*time.Timer),
		seen:     make(map[string]stamp),
		sessions: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = utils.OrNop(in.logger)
	return in
}

// Start creates the inbox if missing, watches it and every session directory, and
// processes events until ctx is cancelled or Stop is called.
func (in *Inbox) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.started {
		return nil
	}
	if err := os.MkdirAll(in.root, 0755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(in.root); err != nil {
		_ = fsw.Close()
		return err
	}
	in.fsw = fsw
	in.ctx = ctx
	in.started = true

	entries, err := os.ReadDir(in.root)
	if err != nil {
		_ = fsw.Close()
		in.fsw, in.started = nil, false
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			in.addSessionLocked(filepath.Join(in.root, e.Name()))
		}
	}
	in.logger.Debug("inbox watching", zap.String("root", in.root), zap.Int("sessions", len(in.sessions)))
	go in.run(ctx, fsw)
	return nil
}

func (in *Inbox) run(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			in.Stop()
			return
		case <-in.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			in.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			in.logger.Debug("inbox watch error", zap.Error(err))
		}
	}
}

func (in *Inbox) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	parent := filepath.Dir(path)
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if parent == in.root {
				in.mu.Lock()
				added := in.addSessionLocked(path)
				in.mu.Unlock()
				if added {
					in.syncSession(path)
				}
			}
			return
		}
		if in.sessionOf(path) != "" {
			in.schedule(path)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		in.mu.Lock()
		if t, ok := in.timers[path]; ok {
			t.Stop()
			delete(in.timers, path)
		}
		delete(in.seen, path)
		if parent == in.root {
			delete(in.sessions, filepath.Base(path))
		}
		in.mu.Unlock()
	}
}

// addSessionLocked watches a session directory. Directories whose name is not a valid
// session ID are ignored.
func (in *Inbox) addSessionLocked(dir string) bool {
	name := filepath.Base(dir)
	if err := models.ValidateSessionID(name); err != nil || strings.HasPrefix(name, ".") {
		in.logger.Debug("inbox ignoring directory", zap.String("path", dir))
		return false
	}
	if _, ok := in.sessions[name]; ok || in.fsw == nil {
		return false
	}
	if err := in.fsw.Add(dir); err != nil {
		in.logger.Warn("inbox watch session", zap.String("path", dir), zap.Error(err))
		return false
	}
	in.sessions[name] = struct{}{}
	return true
}

// sessionOf returns the session a PDF path belongs to, or "" when the path is not
// <root>/<session>/<name>.pdf.
func (in *Inbox) sessionOf(path string) string {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") || strings.HasPrefix(filepath.Base(path), ".") {
		return ""
	}
	dir := filepath.Dir(path)
	if filepath.Dir(dir) != in.root {
		return ""
	}
	session := filepath.Base(dir)
	in.mu.Lock()
	_, ok := in.sessions[session]
	in.mu.Unlock()
	if !ok {
		return ""
	}
	return session
}

func (in *Inbox) schedule(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.started {
		return
	}
	if t, ok := in.timers[path]; ok {
		t.Stop()
	}
	in.timers[path] = time.AfterFunc(in.debounce, func() {
		in.mu.Lock()
		delete(in.timers, path)
		running := in.started
		if running {
			in.inflight.Add(1)
		}
		in.mu.Unlock()
		if !running {
			return
		}
		defer in.inflight.Done()
		in.process(path)
	})
}

// process ingests path unless the same version was already ingested.
func (in *Inbox) process(path string) {
	session := in.sessionOf(path)
	if session == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	st := stamp{size: info.Size(), mtime: info.ModTime()}
	in.mu.Lock()
	prev, ok := in.seen[path]
	ctx := in.ctx
	in.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ok && prev == st {
		in.logger.Debug("inbox skipping unchanged file", zap.String("path", path))
		return
	}

	log := in.logger.With(zap.String("session_id", session), zap.String("path", path))
	if err := in.handle(ctx, session, path); err != nil {
		log.Warn("inbox ingest failed", zap.Error(err))
		return
	}
	in.mu.Lock()
	in.seen[path] = st
	in.mu.Unlock()
	log.Info("inbox file ingested")
}

func (in *Inbox) syncSession(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		in.process(path)
		return nil
	})
}

// SyncExisting ingests PDFs that were already in session directories when Start ran.
// Call it after Start.
func (in *Inbox) SyncExisting() {
	for _, s := range in.Sessions() {
		in.syncSession(filepath.Join(in.root, s))
	}
}

// Sessions returns the watched session names, sorted.
func (in *Inbox) Sessions() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.sessions))
	for s := range in.sessions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stop stops watching, cancels pending debounces and waits for running ingestions.
func (in *Inbox) Stop() {
	in.stopOnce.Do(func() {
		in.mu.Lock()
		for p, t := range in.timers {
			t.Stop()
			delete(in.timers, p)
		}
		fsw := in.fsw
		in.fsw = nil
		in.started = false
		close(in.done)
		in.mu.Unlock()
		if fsw != nil {
			_ = fsw.Close()
		}
		in.inflight.Wait()
	})
}
