// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherClosed is returned by Watch after Close.
var ErrWatcherClosed = errors.New("watcher closed")

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 300 * time.Millisecond

// ChangeHandler is called with the project ID once a burst of changes
// has settled.
type ChangeHandler func(projectID string)

// Watcher watches open projects for filesystem changes.
//
// # Description
//
// Each watched project gets its own fsnotify watcher covering every
// visible folder in the project, including folders created later. Events
// are debounced: the handler runs once per project after no event has
// arrived for the debounce period, so saving a file from the editor
// produces a single notification.
//
// Watches are reference counted. Watch and Unwatch calls pair up, and
// the fsnotify watcher is released when the last reference goes. Stop
// drops a project regardless of its count.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from one goroutine per
// project and must not block for long.
type Watcher struct {
	projects *Projects
	debounce time.Duration
	onChange ChangeHandler
	logger   *slog.Logger

	mu      sync.Mutex
	watches map[string]*projectWatch
	closed  bool
}

type projectWatch struct {
	id       string
	fsw      *fsnotify.Watcher
	refs     int
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher returns a Watcher that reports changes to onChange. A zero
// debounce uses DefaultDebounce.
func NewWatcher(projects *Projects, debounce time.Duration, onChange ChangeHandler, logger *slog.Logger) *Watcher {
	if projects == nil {
		panic("workspace.NewWatcher: projects must not be nil")
	}
	if onChange == nil {
		panic("workspace.NewWatcher: onChange must not be nil")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		projects: projects,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		watches:  make(map[string]*projectWatch),
	}
}

// Watch starts watching project id, or adds a reference if it is already
// watched.
func (w *Watcher) Watch(id string) error {
	dir, err := w.projects.Dir(id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if pw, ok := w.watches[id]; ok {
		pw.refs++
		return nil
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := addRecursive(fsw, dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", id, err)
	}

	pw := &projectWatch{id: id, fsw: fsw, refs: 1, done: make(chan struct{})}
	w.watches[id] = pw
	go w.loop(pw)

	w.logger.Debug("watching project", "project_id", id)
	return nil
}

// Unwatch drops one reference to project id and stops watching when none
// remain.
func (w *Watcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pw, ok := w.watches[id]
	if !ok {
		return
	}
	pw.refs--
	if pw.refs <= 0 {
		delete(w.watches, id)
		pw.stop()
	}
}

// Stop stops watching project id regardless of outstanding references.
func (w *Watcher) Stop(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pw, ok := w.watches[id]; ok {
		delete(w.watches, id)
		pw.stop()
	}
}

// Watching reports whether project id is being watched.
func (w *Watcher) Watching(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[id]
	return ok
}

// Run blocks until ctx is done and then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	<-ctx.Done()
	w.Close()
	return nil
}

// Close stops every watch. Later Watch calls fail with ErrWatcherClosed.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	for id, pw := range w.watches {
		delete(w.watches, id)
		pw.stop()
	}
}

func (pw *projectWatch) stop() {
	pw.stopOnce.Do(func() {
		close(pw.done)
		pw.fsw.Close()
	})
}

// loop debounces events for one project until it is stopped.
func (w *Watcher) loop(pw *projectWatch) {
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-pw.done:
			return

		case event, ok := <-pw.fsw.Events:
			if !ok {
				return
			}
			if hidden(filepath.Base(event.Name)) || event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addRecursive(pw.fsw, event.Name); err != nil {
						w.logger.Warn("watch new folder", "project_id", pw.id, "path", event.Name, "error", err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-pw.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("project watcher error", "project_id", pw.id, "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.onChange(pw.id)
		}
	}
}

// addRecursive adds root and every visible folder below it.
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
