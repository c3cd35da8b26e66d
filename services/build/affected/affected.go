// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package affected narrows a project graph to the projects affected by a set
// of touched files.
//
// Each Locator maps touched files to touched graph nodes. The affected set is
// everything that can reach a touched node, computed over the reversed graph.
// Files no locator claims are ignored.
package affected

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// ErrNoGraph is returned when the filter is called without a graph.
var ErrNoGraph = errors.New("affected: project graph is nil")

// TouchedFile is a workspace relative, slash separated path that changed.
//
// Before and After carry the previous and current content when known. Only
// the manifest and workspace configuration locators read them.
type TouchedFile struct {
	Path    string
	Before  []byte
	After   []byte
	Deleted bool
}

// Locator maps touched files to the graph nodes they touch.
type Locator interface {
	Name() string
	Locate(g *graph.ProjectGraph, touched []TouchedFile) ([]string, error)
}

// Filter applies a fixed set of locators.
type Filter struct {
	locators []Locator
	logger   *slog.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithLocators appends extra locators after the defaults.
func WithLocators(locators ...Locator) Option {
	return func(f *Filter) {
		f.locators = append(f.locators, locators...)
	}
}

// NewFilter creates a filter with the default locators for the workspace.
func NewFilter(ws *workspace.Workspace, opts ...Option) *Filter {
	f := &Filter{
		locators: DefaultLocators(ws.Config),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DefaultLocators returns the built-in locators for a configuration.
func DefaultLocators(cfg workspace.Config) []Locator {
	return []Locator{
		ProjectFileLocator{},
		ImplicitDependencyLocator{Rules: cfg.ImplicitDependencies},
		ManifestVersionLocator{},
		GlobalFilesLocator{Patterns: cfg.GlobalFiles},
		WorkspaceConfigLocator{},
	}
}

// TouchedNodes runs every locator and returns the sorted union of touched
// node names.
func (f *Filter) TouchedNodes(g *graph.ProjectGraph, touched []TouchedFile) ([]string, error) {
	if g == nil {
		return nil, ErrNoGraph
	}
	set := make(map[string]bool)
	for _, l := range f.locators {
		names, err := l.Locate(g, touched)
		if err != nil {
			return nil, fmt.Errorf("locator %s: %w", l.Name(), err)
		}
		for _, n := range names {
			if _, ok := g.Nodes[n]; ok {
				set[n] = true
			}
		}
		if len(names) > 0 {
			f.logger.Debug("locator matched", slog.String("locator", l.Name()), slog.Int("nodes", len(names)))
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// FilterAffected returns the subgraph of nodes affected by the touched files.
// Edges keep their original direction.
func (f *Filter) FilterAffected(g *graph.ProjectGraph, touched []TouchedFile) (*graph.ProjectGraph, error) {
	nodes, err := f.TouchedNodes(g, touched)
	if err != nil {
		return nil, err
	}
	out := Subgraph(g, nodes)
	f.logger.Info("affected projects computed",
		slog.Int("touched_files", len(touched)),
		slog.Int("touched_nodes", len(nodes)),
		slog.Int("affected", len(out.ProjectNames())))
	return out, nil
}

// Subgraph returns every node that can reach one of touched, together with
// the edges among them.
func Subgraph(g *graph.ProjectGraph, touched []string) *graph.ProjectGraph {
	return g.Subgraph(g.Reverse().Reachable(touched))
}

// allProjects lists the non external nodes of g.
func allProjects(g *graph.ProjectGraph) []string {
	return g.ProjectNames()
}
