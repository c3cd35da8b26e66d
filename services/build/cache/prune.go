// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

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

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/AleutianAI/meridian/services/build/lock"
)

// staleScratchAge is the age after which an abandoned scratch directory
// is removed.
const staleScratchAge = time.Hour

// PruneStats summarizes a RemoveOldCacheRecords pass.
type PruneStats struct {
	Entries      int
	Removed      int
	SkippedInUse int
	BytesBefore  uint64
	BytesAfter   uint64
}

// String renders the stats for humans.
func (s PruneStats) String() string {
	return fmt.Sprintf("%d of %d entries removed (%d in use), %s -> %s",
		s.Removed, s.Entries, s.SkippedInUse,
		humanize.Bytes(s.BytesBefore), humanize.Bytes(s.BytesAfter))
}

type entryInfo struct {
	hash     string
	dir      string
	lastUsed time.Time
	size     uint64
}

// RemoveOldCacheRecords evicts entries unused for longer than the maximum
// age, then the least recently used entries until the cache fits the
// maximum size. Entries locked by a reader are skipped.
func (c *Cache) RemoveOldCacheRecords(ctx context.Context) (PruneStats, error) {
	var stats PruneStats
	c.removeStaleScratch()

	entries, err := c.listEntries()
	if err != nil {
		return stats, err
	}
	stats.Entries = len(entries)
	for _, e := range entries {
		stats.BytesBefore += e.size
	}
	stats.BytesAfter = stats.BytesBefore

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].lastUsed.Equal(entries[j].lastUsed) {
			return entries[i].lastUsed.Before(entries[j].lastUsed)
		}
		return entries[i].hash < entries[j].hash
	})

	now := time.Now()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		expired := c.maxAge > 0 && now.Sub(e.lastUsed) > c.maxAge
		oversize := c.maxBytes > 0 && stats.BytesAfter > c.maxBytes
		if !expired && !oversize {
			continue
		}
		removed, err := c.evict(e)
		if err != nil {
			c.logger.Warn("cache eviction failed", slog.String("hash", e.hash), slog.String("error", err.Error()))
			continue
		}
		if !removed {
			stats.SkippedInUse++
			continue
		}
		stats.Removed++
		stats.BytesAfter -= e.size
	}

	c.logger.Info("cache pruned",
		slog.Int("entries", stats.Entries),
		slog.Int("removed", stats.Removed),
		slog.Int("in_use", stats.SkippedInUse),
		slog.String("size", humanize.Bytes(stats.BytesAfter)))
	return stats, nil
}

// evict removes one entry under an exclusive lock. It reports false when a
// reader holds the entry.
func (c *Cache) evict(e entryInfo) (bool, error) {
	h, err := lock.TryAcquire(c.lockPath(e.hash), lock.Exclusive)
	if errors.Is(err, lock.ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer h.Release()

	// Move the entry out of the store first so it disappears atomically.
	graveyard := filepath.Join(c.dir, tmpDir, "evict-"+uuid.NewString())
	if err := os.Rename(e.dir, graveyard); err != nil {
		return false, err
	}
	return true, os.RemoveAll(graveyard)
}

func (c *Cache) listEntries() ([]entryInfo, error) {
	shards, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache directory: %w", err)
	}
	var out []entryInfo
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		hashes, err := os.ReadDir(filepath.Join(c.dir, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, h := range hashes {
			dir := filepath.Join(c.dir, shard.Name(), h.Name())
			info, err := os.Stat(filepath.Join(dir, entryFile))
			if err != nil {
				continue
			}
			out = append(out, entryInfo{
				hash:     h.Name(),
				dir:      dir,
				lastUsed: info.ModTime(),
				size:     dirSize(dir),
			})
		}
	}
	return out, nil
}

func (c *Cache) removeStaleScratch() {
	dirs, err := os.ReadDir(filepath.Join(c.dir, tmpDir))
	if err != nil {
		return
	}
	for _, d := range dirs {
		info, err := d.Info()
		if err != nil || time.Since(info.ModTime()) < staleScratchAge {
			continue
		}
		_ = os.RemoveAll(filepath.Join(c.dir, tmpDir, d.Name()))
	}
}

// Size returns the number of entries and their total size in bytes.
func (c *Cache) Size() (int, uint64, error) {
	entries, err := c.listEntries()
	if err != nil {
		return 0, 0, err
	}
	var total uint64
	for _, e := range entries {
		total += e.size
	}
	return len(entries), total, nil
}

// Clear removes every entry, lock, and scratch directory. Other files
// sharing the cache directory are kept.
func (c *Cache) Clear() error {
	items, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, it := range items {
		name := it.Name()
		if !it.IsDir() || (len(name) != 2 && name != locksDir && name != tmpDir) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, name)); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	for _, d := range []string{locksDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(c.dir, d), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func dirSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				total += uint64(info.Size())
			}
		}
		return nil
	})
	return total
}
