// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/AleutianAI/meridian/services/build/cache"
	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/history"
	"github.com/AleutianAI/meridian/services/build/projectgraph"
	"github.com/AleutianAI/meridian/services/build/storage/badger"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// graphDir holds the persisted project graph inside the cache directory.
const graphDir = "graph"

// historyKeep is the number of runs kept after each recorded run.
const historyKeep = 500

// session is a loaded workspace plus the stores opened for it.
type session struct {
	app     *app
	ws      *workspace.Workspace
	builder *projectgraph.Builder
	db      *badger.DB
	store   *projectgraph.Store

	cache       *cache.Cache
	history     *history.Store
	historyOpen bool

	closers []func() error
}

// findWorkspace walks up from dir to the nearest meridian.yaml.
func findWorkspace(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, workspace.ConfigFileName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found in this directory or any parent", workspace.ConfigFileName)
		}
		dir = parent
	}
}

// openSession loads the workspace. gcInterval enables value log GC on the
// graph store for long running commands.
func (a *app) openSession(gcInterval time.Duration) (*session, error) {
	root := a.opts.workspace
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if root, err = findWorkspace(cwd); err != nil {
			return nil, err
		}
	}
	ws, err := workspace.Load(root)
	if err != nil {
		return nil, err
	}

	s := &session{
		app:     a,
		ws:      ws,
		builder: projectgraph.NewBuilder(projectgraph.WithLogger(a.log())),
	}

	cfg := badger.DefaultConfig(filepath.Join(ws.CacheDir(), graphDir))
	cfg.Logger = a.log().With(slog.String("component", "graph-store"))
	cfg.GCInterval = gcInterval
	db, err := badger.Open(cfg)
	if err != nil {
		// Another process holds the store. Build without it.
		a.log().Warn("graph store unavailable, building from scratch", slog.String("error", err.Error()))
	} else {
		s.db = db
		s.store = projectgraph.NewStore(db)
		s.closers = append(s.closers, db.Close)
	}
	return s, nil
}

// Close releases everything the session opened, newest first.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// projectGraph builds the project graph, reusing the persisted snapshot.
func (s *session) projectGraph(ctx context.Context) (*graph.ProjectGraph, error) {
	return s.builder.Load(ctx, s.ws, s.store)
}

// openCache opens the task cache with the configured limits and remote
// tier once per session. A remote tier that cannot be created is logged
// and skipped.
func (s *session) openCache(ctx context.Context) (*cache.Cache, error) {
	if s.cache != nil {
		return s.cache, nil
	}
	maxBytes, err := s.ws.MaxCacheBytes()
	if err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(s.ws.Projects))
	for _, name := range s.ws.ProjectNames() {
		roots = append(roots, s.ws.Projects[name].Root)
	}
	opts := []cache.Option{
		cache.WithLogger(s.app.log()),
		cache.WithLimits(s.ws.Config.Cache.MaxAge, maxBytes),
		cache.WithProjectRoots(roots...),
	}
	if s.ws.Config.Cache.Remote.Bucket != "" {
		remote, err := cache.NewGCSRemote(ctx, s.ws.Config.Cache.Remote, s.app.log())
		if err != nil {
			s.app.log().Warn("remote cache disabled", slog.String("error", err.Error()))
		} else {
			s.closers = append(s.closers, remote.Close)
			opts = append(opts, cache.WithRemote(remote))
		}
	}
	c, err := cache.New(s.ws.CacheDir(), s.ws.Root, opts...)
	if err != nil {
		return nil, err
	}
	s.cache = c
	return c, nil
}

// openHistory opens the run history once per session. Failures are logged
// and return nil; runs work without history.
func (s *session) openHistory() *history.Store {
	if s.historyOpen {
		return s.history
	}
	s.historyOpen = true
	h, err := history.Open(filepath.Join(s.ws.CacheDir(), history.FileName))
	if err != nil {
		s.app.log().Warn("run history unavailable", slog.String("error", err.Error()))
		return nil
	}
	s.history = h
	s.closers = append(s.closers, h.Close)
	return h
}

// envBool reads a boolean environment variable. Unset or invalid is false.
func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
