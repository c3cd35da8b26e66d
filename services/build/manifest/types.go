// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"sort"
	"strings"

	"github.com/AleutianAI/meridian/services/build/graph"
)

// FileEntry is the fingerprint of one file.
type FileEntry struct {
	// Path is workspace relative with forward slashes.
	Path string `json:"path"`

	// Hash is the lowercase hex SHA256 of the content.
	Hash string `json:"hash"`

	// Size and Mtime (unix nanoseconds) let a rescan skip unchanged files.
	Size  int64 `json:"size"`
	Mtime int64 `json:"mtime"`
}

// Manifest is the result of one scan.
type Manifest struct {
	Files  map[string]FileEntry `json:"files"`
	Errors []ScanError          `json:"-"`
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{Files: make(map[string]FileEntry)}
}

// Paths returns every path in sorted order.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FileData returns all entries as graph file data sorted by path.
func (m *Manifest) FileData() []graph.FileData {
	out := make([]graph.FileData, 0, len(m.Files))
	for _, p := range m.Paths() {
		out = append(out, graph.FileData{Path: p, Hash: m.Files[p].Hash})
	}
	return out
}

// Under returns the entries inside dir, sorted by path. The root "." or ""
// selects every file.
func (m *Manifest) Under(dir string) []graph.FileData {
	dir = strings.TrimSuffix(dir, "/")
	if dir == "." || dir == "" {
		return m.FileData()
	}
	prefix := dir + "/"
	var out []graph.FileData
	for _, p := range m.Paths() {
		if strings.HasPrefix(p, prefix) {
			out = append(out, graph.FileData{Path: p, Hash: m.Files[p].Hash})
		}
	}
	return out
}

// Changes lists the differences between two manifests.
type Changes struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// HasChanges reports whether anything differs.
func (c *Changes) HasChanges() bool {
	return len(c.Added) > 0 || len(c.Modified) > 0 || len(c.Deleted) > 0
}

// All returns every changed path in sorted order.
func (c *Changes) All() []string {
	all := make([]string, 0, len(c.Added)+len(c.Modified)+len(c.Deleted))
	all = append(all, c.Added...)
	all = append(all, c.Modified...)
	all = append(all, c.Deleted...)
	sort.Strings(all)
	return all
}

// Diff compares two manifests by content hash. A nil old manifest reports
// every file as added.
func Diff(old, cur *Manifest) *Changes {
	changes := &Changes{}
	if old == nil {
		old = NewManifest()
	}
	for path, entry := range cur.Files {
		prev, ok := old.Files[path]
		switch {
		case !ok:
			changes.Added = append(changes.Added, path)
		case prev.Hash != entry.Hash:
			changes.Modified = append(changes.Modified, path)
		}
	}
	for path := range old.Files {
		if _, ok := cur.Files[path]; !ok {
			changes.Deleted = append(changes.Deleted, path)
		}
	}
	sort.Strings(changes.Added)
	sort.Strings(changes.Modified)
	sort.Strings(changes.Deleted)
	return changes
}
