// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package affected

import (
	"path"
	"reflect"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/manifest"
	"github.com/AleutianAI/meridian/services/build/projectgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// ProjectFileLocator touches the project whose root contains the file.
type ProjectFileLocator struct{}

// Name implements Locator.
func (ProjectFileLocator) Name() string { return "project-files" }

// Locate implements Locator.
func (ProjectFileLocator) Locate(g *graph.ProjectGraph, touched []TouchedFile) ([]string, error) {
	index := g.RootIndex()
	var out []string
	for _, f := range touched {
		if name, ok := index.Owner(f.Path); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// ImplicitDependencyLocator applies file or glob rules naming the projects a
// change affects.
type ImplicitDependencyLocator struct {
	Rules map[string]workspace.ProjectList
}

// Name implements Locator.
func (ImplicitDependencyLocator) Name() string { return "implicit-dependencies" }

// Locate implements Locator.
func (l ImplicitDependencyLocator) Locate(g *graph.ProjectGraph, touched []TouchedFile) ([]string, error) {
	var out []string
	for pattern, projects := range l.Rules {
		if !anyMatch(pattern, touched) {
			continue
		}
		if projects.All() {
			return allProjects(g), nil
		}
		out = append(out, projects...)
	}
	return out, nil
}

// GlobalFilesLocator touches every project when a global file changes.
type GlobalFilesLocator struct {
	Patterns []string
}

// Name implements Locator.
func (GlobalFilesLocator) Name() string { return "global-files" }

// Locate implements Locator.
func (l GlobalFilesLocator) Locate(g *graph.ProjectGraph, touched []TouchedFile) ([]string, error) {
	for _, pattern := range l.Patterns {
		if anyMatch(pattern, touched) {
			return allProjects(g), nil
		}
	}
	return nil, nil
}

func anyMatch(pattern string, touched []TouchedFile) bool {
	for _, f := range touched {
		if f.Path == pattern || manifest.Match(pattern, f.Path) {
			return true
		}
	}
	return false
}

// ManifestVersionLocator compares the dependency versions declared in
// package.json and go.mod before and after a change. Each dependency whose
// version changed touches its external node and any workspace project
// published under that name. Files without content are left to the other
// locators.
type ManifestVersionLocator struct{}

// Name implements Locator.
func (ManifestVersionLocator) Name() string { return "manifest-versions" }

// Locate implements Locator.
func (ManifestVersionLocator) Locate(g *graph.ProjectGraph, touched []TouchedFile) ([]string, error) {
	byPackage := make(map[string]string)
	for name, n := range g.Nodes {
		if n.Type != graph.NodeExternal && n.PackageName != "" {
			byPackage[n.PackageName] = name
		}
	}

	var out []string
	for _, f := range touched {
		if f.Before == nil && f.After == nil {
			continue
		}
		var (
			changed []string
			prefix  string
			err     error
		)
		switch path.Base(f.Path) {
		case projectgraph.PackageJSONFile:
			prefix = projectgraph.NPMPrefix
			changed, err = changedPackageJSON(f.Before, f.After)
		case projectgraph.GoModFile:
			prefix = projectgraph.GoPrefix
			changed, err = changedGoMod(f.Before, f.After)
		default:
			continue
		}
		if err != nil {
			// Unparseable manifests still touch their owning project
			// through containment.
			continue
		}
		for _, dep := range changed {
			out = append(out, projectgraph.ExternalName(prefix, dep))
			if name, ok := byPackage[dep]; ok {
				out = append(out, name)
			}
		}
	}
	return out, nil
}

func changedPackageJSON(before, after []byte) ([]string, error) {
	parse := func(data []byte) (map[string]string, error) {
		if data == nil {
			return nil, nil
		}
		p, err := projectgraph.ParsePackageJSON(data)
		if err != nil {
			return nil, err
		}
		return p.AllDependencies(), nil
	}
	old, err := parse(before)
	if err != nil {
		return nil, err
	}
	cur, err := parse(after)
	if err != nil {
		return nil, err
	}
	return changedVersions(old, cur), nil
}

func changedGoMod(before, after []byte) ([]string, error) {
	parse := func(data []byte) (map[string]string, error) {
		if data == nil {
			return nil, nil
		}
		m, err := projectgraph.ParseGoMod(data)
		if err != nil {
			return nil, err
		}
		return m.Requires, nil
	}
	old, err := parse(before)
	if err != nil {
		return nil, err
	}
	cur, err := parse(after)
	if err != nil {
		return nil, err
	}
	return changedVersions(old, cur), nil
}

// changedVersions lists dependencies added, removed, or changed in version.
func changedVersions(old, cur map[string]string) []string {
	var out []string
	for name, v := range cur {
		if prev, ok := old[name]; !ok || versionChanged(prev, v) {
			out = append(out, name)
		}
	}
	for name := range old {
		if _, ok := cur[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// versionChanged compares two version strings semantically when both parse
// as versions or as constraints, and textually otherwise.
func versionChanged(a, b string) bool {
	if a == b {
		return false
	}
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return !va.Equal(vb)
	}
	ca, errA := semver.NewConstraint(a)
	cb, errB := semver.NewConstraint(b)
	if errA == nil && errB == nil {
		return ca.String() != cb.String()
	}
	return true
}

// WorkspaceConfigLocator reacts to changes of meridian.yaml. Project entries
// that were added, removed, or edited touch those projects. Any other change,
// or a change whose content is unknown, touches every project.
type WorkspaceConfigLocator struct{}

// Name implements Locator.
func (WorkspaceConfigLocator) Name() string { return "workspace-config" }

// Locate implements Locator.
func (WorkspaceConfigLocator) Locate(g *graph.ProjectGraph, touched []TouchedFile) ([]string, error) {
	for _, f := range touched {
		if f.Path != workspace.ConfigFileName {
			continue
		}
		if f.Before == nil || f.After == nil {
			return allProjects(g), nil
		}
		old, errOld := workspace.Parse(f.Before)
		cur, errCur := workspace.Parse(f.After)
		if errOld != nil || errCur != nil {
			return allProjects(g), nil
		}

		changed := changedProjects(old.Projects, cur.Projects)
		old.Projects, cur.Projects = nil, nil
		if !reflect.DeepEqual(old, cur) {
			return allProjects(g), nil
		}
		return changed, nil
	}
	return nil, nil
}

func changedProjects(old, cur map[string]workspace.ProjectConfig) []string {
	var out []string
	for name, p := range cur {
		if prev, ok := old[name]; !ok || !reflect.DeepEqual(prev, p) {
			out = append(out, name)
		}
	}
	for name := range old {
		if _, ok := cur[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
