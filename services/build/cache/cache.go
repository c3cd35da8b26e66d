// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache stores task results keyed by task hash.
//
// # Layout
//
//	<dir>/<hash[:2]>/<hash>/entry.json      metadata
//	<dir>/<hash[:2]>/<hash>/terminalOutput  captured output
//	<dir>/<hash[:2]>/<hash>/outputs/...     declared output files
//	<dir>/locks/<hash>.lock                 advisory entry locks
//	<dir>/tmp/<uuid>                        per-write scratch directories
//
// Entries are written into a scratch directory and renamed into place, so
// readers never observe a partial entry. A second Put for the same hash
// with equal content is a no-op. A successful result replaces a stored
// failure, since failures may be flaky. Any other difference returns
// ErrNondeterministicHash and keeps the stored entry.
//
// Readers hold a shared lock on the entry and eviction takes an exclusive
// lock, so an entry in use by any process is never evicted.
//
// I/O failures on the read path are logged and reported as misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/meridian/services/build/lock"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
)

const (
	entryFile    = "entry.json"
	terminalFile = "terminalOutput"
	outputsDir   = "outputs"
	locksDir     = "locks"
	tmpDir       = "tmp"
)

// Sentinel errors.
var (
	// ErrNondeterministicHash is returned by Put when an entry already
	// exists for the hash with a different exit code or different output
	// files. The existing entry is kept.
	ErrNondeterministicHash = errors.New("cache entry differs for the same hash")

	// ErrNoHash is returned by Put for a task without a hash.
	ErrNoHash = errors.New("task has no hash")
)

// OutputFile is one file stored with an entry.
type OutputFile struct {
	Path string      `json:"path"`
	Hash string      `json:"hash"`
	Mode os.FileMode `json:"mode"`
	Size int64       `json:"size"`
}

// Entry is a stored task result.
type Entry struct {
	Hash      string       `json:"hash"`
	TaskID    string       `json:"taskId"`
	Code      int          `json:"code"`
	Outputs   []string     `json:"outputs,omitempty"`
	Files     []OutputFile `json:"files,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`

	// TerminalOutput is stored beside the metadata.
	TerminalOutput string `json:"-"`
	// Remote reports that the entry was fetched from the remote tier.
	Remote bool `json:"-"`
}

// sameContent compares exit code and output files. Terminal output may
// legitimately vary between runs and is not compared.
func (e *Entry) sameContent(o *Entry) bool {
	if e.Code != o.Code || len(e.Files) != len(o.Files) {
		return false
	}
	for i := range e.Files {
		if e.Files[i].Path != o.Files[i].Path || e.Files[i].Hash != o.Files[i].Hash {
			return false
		}
	}
	return true
}

// Cache is a local content addressed task cache with an optional remote
// tier.
type Cache struct {
	dir    string
	root   string
	remote Remote
	logger *slog.Logger

	maxAge   time.Duration
	maxBytes uint64

	// protected are workspace relative directories restore never clears.
	protected []string
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRemote adds a remote tier consulted on local misses and populated
// after local writes.
func WithRemote(r Remote) Option {
	return func(c *Cache) { c.remote = r }
}

// WithLimits bounds entry age and total size for RemoveOldCacheRecords.
// Zero disables a bound.
func WithLimits(maxAge time.Duration, maxBytes uint64) Option {
	return func(c *Cache) {
		c.maxAge = maxAge
		c.maxBytes = maxBytes
	}
}

// WithProjectRoots lists project roots, relative to the workspace root.
// Restoring outputs never clears a project root or a directory holding one.
func WithProjectRoots(roots ...string) Option {
	return func(c *Cache) {
		c.protected = append(c.protected, roots...)
	}
}

// New opens the cache directory dir. Output paths are relative to the
// workspace root.
func New(dir, workspaceRoot string, opts ...Option) (*Cache, error) {
	c := &Cache{
		dir:    dir,
		root:   workspaceRoot,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, d := range []string{c.dir, filepath.Join(c.dir, locksDir), filepath.Join(c.dir, tmpDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) entryDir(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(c.dir, prefix, hash)
}

func (c *Cache) lockPath(hash string) string {
	return filepath.Join(c.dir, locksDir, hash+".lock")
}

func (c *Cache) scratchDir() (string, error) {
	dir := filepath.Join(c.dir, tmpDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	return dir, nil
}

// Get returns the entry for hash. The remote tier is consulted on a local
// miss and a fetched entry is installed locally.
func (c *Cache) Get(ctx context.Context, hash string) (*Entry, bool) {
	if hash == "" {
		return nil, false
	}
	entry, err := c.readLocal(hash)
	if err == nil {
		return entry, true
	}
	if !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("cache entry unreadable, treating as miss",
			slog.String("hash", hash), slog.String("error", err.Error()))
		return nil, false
	}
	if c.remote == nil {
		return nil, false
	}

	if ok := c.fetchRemote(ctx, hash); !ok {
		return nil, false
	}
	entry, err = c.readLocal(hash)
	if err != nil {
		c.logger.Warn("remote cache entry unreadable", slog.String("hash", hash), slog.String("error", err.Error()))
		return nil, false
	}
	entry.Remote = true
	return entry, true
}

// readLocal reads an entry under a shared lock and marks it as used.
func (c *Cache) readLocal(hash string) (*Entry, error) {
	dir := c.entryDir(hash)
	if _, err := os.Stat(filepath.Join(dir, entryFile)); err != nil {
		return nil, err
	}

	h, err := lock.TryAcquire(c.lockPath(hash), lock.Shared)
	if err != nil {
		// An exclusive holder is evicting the entry.
		return nil, fmt.Errorf("lock entry: %w", err)
	}
	defer h.Release()

	entry, err := readEntry(dir)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	_ = os.Chtimes(filepath.Join(dir, entryFile), now, now)
	return entry, nil
}

func readEntry(dir string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(dir, entryFile))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", entryFile, err)
	}
	out, err := os.ReadFile(filepath.Join(dir, terminalFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	entry.TerminalOutput = string(out)
	return &entry, nil
}

func (c *Cache) fetchRemote(ctx context.Context, hash string) bool {
	scratch, err := c.scratchDir()
	if err != nil {
		c.logger.Warn("remote cache fetch skipped", slog.String("error", err.Error()))
		return false
	}
	defer os.RemoveAll(scratch)

	found, err := c.remote.Fetch(ctx, hash, scratch)
	if err != nil {
		c.logger.Warn("remote cache fetch failed, treating as miss",
			slog.String("hash", hash), slog.String("error", err.Error()))
		return false
	}
	if !found {
		return false
	}
	if _, err := readEntry(scratch); err != nil {
		c.logger.Warn("remote cache entry invalid", slog.String("hash", hash), slog.String("error", err.Error()))
		return false
	}
	if err := c.install(scratch, hash); err != nil && !errors.Is(err, os.ErrExist) {
		c.logger.Warn("remote cache entry not installed", slog.String("hash", hash), slog.String("error", err.Error()))
		return false
	}
	return true
}

// install renames a complete scratch directory into place. It returns an
// error wrapping os.ErrExist when the entry already exists.
func (c *Cache) install(scratch, hash string) error {
	dir := c.entryDir(hash)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("install %s: %w", hash, os.ErrExist)
	}
	if err := os.Rename(scratch, dir); err != nil {
		if _, statErr := os.Stat(filepath.Join(dir, entryFile)); statErr == nil {
			return fmt.Errorf("install %s: %w", hash, os.ErrExist)
		}
		return fmt.Errorf("install %s: %w", hash, err)
	}
	return nil
}

// Put stores the result of task under task.Hash.
//
// outputs are the declared output paths or globs, relative to the
// workspace root. Files matching them are copied into the entry.
//
// Outputs:
//
//	error - ErrNondeterministicHash when an entry with different content
//	already exists for the hash, ErrNoHash, or an I/O error.
func (c *Cache) Put(ctx context.Context, task *taskgraph.Task, terminalOutput string, outputs []string, code int) error {
	if task.Hash == "" {
		return fmt.Errorf("cache put %s: %w", task.ID, ErrNoHash)
	}

	scratch, err := c.scratchDir()
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	files, err := copyOutputsIn(c.root, outputs, filepath.Join(scratch, outputsDir))
	if err != nil {
		return fmt.Errorf("cache put %s: %w", task.ID, err)
	}
	entry := &Entry{
		Hash:      task.Hash,
		TaskID:    task.ID,
		Code:      code,
		Outputs:   outputs,
		Files:     files,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeEntry(scratch, entry, terminalOutput); err != nil {
		return fmt.Errorf("cache put %s: %w", task.ID, err)
	}

	err = c.install(scratch, task.Hash)
	if errors.Is(err, os.ErrExist) {
		existing, readErr := readEntry(c.entryDir(task.Hash))
		if readErr != nil {
			return fmt.Errorf("cache put %s: %w", task.ID, readErr)
		}
		switch {
		case existing.sameContent(entry):
			return nil
		case existing.Code != 0 && code == 0:
			c.logger.Info("replacing failed cache entry",
				slog.String("task", task.ID), slog.String("hash", task.Hash),
				slog.Int("cached_code", existing.Code))
			err = c.replace(ctx, scratch, task.Hash)
		default:
			c.logger.Error("task produced different results for the same hash",
				slog.String("task", task.ID), slog.String("hash", task.Hash),
				slog.Int("cached_code", existing.Code), slog.Int("code", code))
			return fmt.Errorf("cache put %s: %w", task.ID, ErrNondeterministicHash)
		}
	}
	if err != nil {
		return fmt.Errorf("cache put %s: %w", task.ID, err)
	}

	if c.remote != nil {
		if err := c.remote.Store(ctx, task.Hash, c.entryDir(task.Hash)); err != nil {
			c.logger.Warn("remote cache store failed",
				slog.String("task", task.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// replace swaps the stored entry for hash with scratch under an exclusive
// lock, so no reader sees the swap.
func (c *Cache) replace(ctx context.Context, scratch, hash string) error {
	h, err := lock.Acquire(ctx, c.lockPath(hash), lock.Exclusive)
	if err != nil {
		return fmt.Errorf("lock entry: %w", err)
	}
	defer h.Release()

	dir := c.entryDir(hash)
	old := filepath.Join(c.dir, tmpDir, uuid.NewString())
	if err := os.Rename(dir, old); err != nil {
		return fmt.Errorf("replace %s: %w", hash, err)
	}
	if err := os.Rename(scratch, dir); err != nil {
		if restoreErr := os.Rename(old, dir); restoreErr != nil {
			return errors.Join(fmt.Errorf("replace %s: %w", hash, err), restoreErr)
		}
		return fmt.Errorf("replace %s: %w", hash, err)
	}
	return os.RemoveAll(old)
}

func writeEntry(dir string, entry *Entry, terminalOutput string) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, terminalFile), []byte(terminalOutput), 0o644); err != nil {
		return err
	}
	// entry.json is written last; its presence marks a complete entry.
	return os.WriteFile(filepath.Join(dir, entryFile), data, 0o644)
}

// CopyFilesFromCache restores the entry's files for the given declared
// outputs into the workspace. Existing files under each output are
// replaced. Nothing is restored when outputs is empty.
func (c *Cache) CopyFilesFromCache(ctx context.Context, hash string, entry *Entry, outputs []string) error {
	if len(outputs) == 0 || len(entry.Files) == 0 {
		return nil
	}
	h, err := lock.Acquire(ctx, c.lockPath(hash), lock.Shared)
	if err != nil {
		return err
	}
	defer h.Release()

	src := filepath.Join(c.entryDir(hash), outputsDir)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("restore %s: %w", hash, err)
	}
	return copyOutputsOut(src, c.root, outputs, entry.Files, c.protected)
}
