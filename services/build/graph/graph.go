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
	"fmt"
	"sort"
)

// ProjectGraph is the container for project nodes and dependency edges.
//
// Invariants:
//   - every edge's Source and Target exist in Nodes
//   - Dependencies has an entry, possibly empty, for every node
//   - edges within one adjacency list are unique and sorted by (Target, Type)
type ProjectGraph struct {
	Nodes        map[string]*ProjectNode `json:"nodes"`
	Dependencies map[string][]Edge       `json:"dependencies"`

	// AllWorkspaceFiles is the workspace wide file manifest. Only the hasher
	// reads it, to resolve glob based implicit inputs.
	AllWorkspaceFiles []FileData `json:"allWorkspaceFiles,omitempty"`
}

// New creates an empty graph.
func New() *ProjectGraph {
	return &ProjectGraph{
		Nodes:        make(map[string]*ProjectNode),
		Dependencies: make(map[string][]Edge),
	}
}

// AddNode inserts a node.
//
// Returns ErrDuplicateNode if a node with the same name already exists.
func (g *ProjectGraph) AddNode(n *ProjectNode) error {
	if n == nil || n.Name == "" {
		return fmt.Errorf("%w: node has no name", ErrInvalidGraph)
	}
	if _, exists := g.Nodes[n.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
	}
	g.Nodes[n.Name] = n
	if _, ok := g.Dependencies[n.Name]; !ok {
		g.Dependencies[n.Name] = []Edge{}
	}
	return nil
}

// AddEdge records that source depends on target.
//
// Self edges are dropped silently. Duplicate (source, target, type)
// triples collapse into one. Both endpoints must already exist.
func (g *ProjectGraph) AddEdge(source, target string, t EdgeType) error {
	if !t.Valid() {
		return &EdgeError{Source: source, Target: target, Type: t, Err: ErrInvalidEdgeType}
	}
	if _, ok := g.Nodes[source]; !ok {
		return &EdgeError{Source: source, Target: target, Type: t, Err: ErrUnknownNode}
	}
	if _, ok := g.Nodes[target]; !ok {
		return &EdgeError{Source: source, Target: target, Type: t, Err: ErrUnknownNode}
	}
	if source == target {
		return nil
	}

	e := Edge{Source: source, Target: target, Type: t}
	edges := g.Dependencies[source]
	i := sort.Search(len(edges), func(i int) bool { return !edgeLess(edges[i], e) })
	if i < len(edges) && edges[i] == e {
		return nil
	}
	edges = append(edges, Edge{})
	copy(edges[i+1:], edges[i:])
	edges[i] = e
	g.Dependencies[source] = edges
	return nil
}

// Node returns the named node.
func (g *ProjectGraph) Node(name string) (*ProjectNode, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// NodeNames returns all node names in sorted order.
func (g *ProjectGraph) NodeNames() []string {
	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProjectNames returns the names of non-external nodes in sorted order.
func (g *ProjectGraph) ProjectNames() []string {
	names := make([]string, 0, len(g.Nodes))
	for name, n := range g.Nodes {
		if n.Type != NodeExternal {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DependenciesOf returns the distinct projects that name depends on, sorted.
func (g *ProjectGraph) DependenciesOf(name string) []string {
	edges := g.Dependencies[name]
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if len(out) > 0 && out[len(out)-1] == e.Target {
			continue
		}
		out = append(out, e.Target)
	}
	return out
}

// Edges returns every edge in deterministic order.
func (g *ProjectGraph) Edges() []Edge {
	var out []Edge
	for _, name := range g.NodeNames() {
		out = append(out, g.Dependencies[name]...)
	}
	return out
}

// EdgeCount returns the total number of edges.
func (g *ProjectGraph) EdgeCount() int {
	n := 0
	for _, edges := range g.Dependencies {
		n += len(edges)
	}
	return n
}

// Reverse returns a graph with every edge flipped. Nodes are shared with g.
func (g *ProjectGraph) Reverse() *ProjectGraph {
	r := New()
	for name, n := range g.Nodes {
		r.Nodes[name] = n
		r.Dependencies[name] = []Edge{}
	}
	for _, e := range g.Edges() {
		// Endpoints exist by construction.
		_ = r.AddEdge(e.Target, e.Source, e.Type)
	}
	r.AllWorkspaceFiles = g.AllWorkspaceFiles
	return r
}

// Subgraph returns the nodes in keep together with the edges between them,
// in their original direction. Names absent from g are ignored.
func (g *ProjectGraph) Subgraph(keep map[string]bool) *ProjectGraph {
	s := New()
	for name := range keep {
		if n, ok := g.Nodes[name]; ok {
			s.Nodes[name] = n
			s.Dependencies[name] = []Edge{}
		}
	}
	for name := range s.Nodes {
		for _, e := range g.Dependencies[name] {
			if _, ok := s.Nodes[e.Target]; ok {
				s.Dependencies[name] = append(s.Dependencies[name], e)
			}
		}
	}
	s.AllWorkspaceFiles = g.AllWorkspaceFiles
	return s
}

// Reachable returns every node reachable from starts by following edges,
// including the start nodes themselves. Unknown starts are ignored.
func (g *ProjectGraph) Reachable(starts []string) map[string]bool {
	seen := make(map[string]bool, len(starts))
	queue := make([]string, 0, len(starts))
	for _, s := range starts {
		if _, ok := g.Nodes[s]; ok && !seen[s] {
			seen[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Dependencies[cur] {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}

// Validate checks the structural invariants.
func (g *ProjectGraph) Validate() error {
	for name := range g.Nodes {
		if _, ok := g.Dependencies[name]; !ok {
			return fmt.Errorf("%w: node %s has no dependency entry", ErrInvalidGraph, name)
		}
	}
	for source, edges := range g.Dependencies {
		if _, ok := g.Nodes[source]; !ok {
			return fmt.Errorf("%w: dependency entry for unknown node %s", ErrInvalidGraph, source)
		}
		for _, e := range edges {
			if e.Source != source {
				return fmt.Errorf("%w: edge %s filed under %s", ErrInvalidGraph, e, source)
			}
			if _, ok := g.Nodes[e.Target]; !ok {
				return fmt.Errorf("%w: edge %s targets unknown node", ErrInvalidGraph, e)
			}
		}
	}
	return nil
}
