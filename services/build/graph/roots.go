// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"path"
	"sort"
	"strings"
)

type rootEntry struct {
	root string
	name string
}

// RootIndex maps workspace relative paths to the project whose root most
// specifically contains them. Nested projects win over their parents.
type RootIndex struct {
	entries []rootEntry
}

// NewRootIndex builds an index from project name to root.
func NewRootIndex(roots map[string]string) *RootIndex {
	ix := &RootIndex{entries: make([]rootEntry, 0, len(roots))}
	for name, root := range roots {
		ix.entries = append(ix.entries, rootEntry{root: cleanRoot(root), name: name})
	}
	sort.Slice(ix.entries, func(i, j int) bool {
		a, b := ix.entries[i], ix.entries[j]
		if la, lb := rootDepth(a.root), rootDepth(b.root); la != lb {
			return la > lb
		}
		return a.name < b.name
	})
	return ix
}

// RootIndex returns an index over the graph's workspace projects.
func (g *ProjectGraph) RootIndex() *RootIndex {
	roots := make(map[string]string, len(g.Nodes))
	for name, n := range g.Nodes {
		if n.Type != NodeExternal {
			roots[name] = n.Root
		}
	}
	return NewRootIndex(roots)
}

// Owner returns the project containing the slash separated path p.
func (ix *RootIndex) Owner(p string) (string, bool) {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	if strings.HasPrefix(p, "../") || p == ".." {
		return "", false
	}
	for _, e := range ix.entries {
		if e.root == "." || p == e.root || strings.HasPrefix(p, e.root+"/") {
			return e.name, true
		}
	}
	return "", false
}

// rootDepth orders "." after every real directory.
func rootDepth(root string) int {
	if root == "." {
		return 0
	}
	return len(root)
}

func cleanRoot(root string) string {
	if root == "" {
		return "."
	}
	return path.Clean(strings.TrimPrefix(root, "./"))
}
