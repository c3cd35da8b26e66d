// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch reports batches of changed workspace files.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/meridian/services/build/manifest"
)

// Defaults for Options.
const (
	DefaultDebounce    = 300 * time.Millisecond
	DefaultMinInterval = time.Second
)

// ErrNilHandler is returned by Run when no handler is given.
var ErrNilHandler = errors.New("watch handler must not be nil")

// Handler receives the sorted, slash separated, workspace relative paths
// that changed since the previous call.
type Handler func(ctx context.Context, changed []string) error

// Options configures a Watcher.
type Options struct {
	// Root is the workspace root.
	Root string
	// Exclude lists glob patterns whose matches are never reported. A
	// directory matching a pattern is not watched.
	Exclude []string
	// Debounce is the quiet period after the last event before a batch is
	// delivered.
	Debounce time.Duration
	// MinInterval is the minimum time between two handler calls.
	MinInterval time.Duration
	Logger      *slog.Logger
}

// Watcher watches every non-excluded directory under the workspace root.
//
// Thread Safety: Run must be called at most once.
type Watcher struct {
	root     string
	matcher  *manifest.GlobMatcher
	debounce time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	fs       *fsnotify.Watcher
}

// New creates a watcher and registers the directories under opts.Root.
func New(opts Options) (*Watcher, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		matcher:  manifest.NewGlobMatcher(nil, opts.Exclude),
		debounce: opts.Debounce,
		limiter:  rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		logger:   opts.Logger,
		fs:       fw,
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops watching. Run returns once the watcher is closed.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// addTree watches dir and every non-excluded directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(p); ok && rel != "." && w.matcher.ExcludesDir(rel) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) rel(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Run delivers batches of changed files to handler until ctx is done or the
// watcher is closed. Events arriving while handler runs are collected for
// the next batch. A handler error is logged and does not stop watching.
func (w *Watcher) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	defer w.fs.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	var done chan struct{}
	fire := func() {
		if len(pending) == 0 || done != nil {
			return
		}
		batch := make([]string, 0, len(pending))
		for p := range pending {
			batch = append(batch, p)
		}
		sort.Strings(batch)
		clear(pending)

		done = make(chan struct{})
		go func(ch chan struct{}) {
			defer close(ch)
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			w.logger.Debug("watch batch", slog.Int("files", len(batch)))
			if err := handler(ctx, batch); err != nil {
				w.logger.Warn("watch handler failed", slog.String("error", err.Error()))
			}
		}(done)
	}

	for {
		select {
		case <-ctx.Done():
			if done != nil {
				<-done
			}
			return ctx.Err()

		case ev, ok := <-w.fs.Events:
			if !ok {
				if done != nil {
					<-done
				}
				return nil
			}
			if w.record(ev, pending) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				continue
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			fire()

		case <-done:
			done = nil
			fire()
		}
	}
}

// record adds the path of ev to pending and starts watching new
// directories. It reports whether anything was added.
func (w *Watcher) record(ev fsnotify.Event, pending map[string]struct{}) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	rel, ok := w.rel(ev.Name)
	if !ok || rel == "." || w.matcher.Excluded(rel) {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.matcher.ExcludesDir(rel) {
				return false
			}
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("watch new directory", slog.String("path", rel), slog.String("error", err.Error()))
			}
			return w.addFiles(ev.Name, pending)
		}
	}
	pending[rel] = struct{}{}
	return true
}

// addFiles records the files already present in a newly created directory.
func (w *Watcher) addFiles(dir string, pending map[string]struct{}) bool {
	added := false
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, ok := w.rel(p)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if w.matcher.ExcludesDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.matcher.Excluded(rel) {
			pending[rel] = struct{}{}
			added = true
		}
		return nil
	})
	return added
}
