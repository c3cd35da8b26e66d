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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeType classifies a project node.
type NodeType string

const (
	NodeApplication NodeType = "application"
	NodeLibrary     NodeType = "library"
	NodeE2E         NodeType = "e2e"
	NodeExternal    NodeType = "external"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeApplication, NodeLibrary, NodeE2E, NodeExternal:
		return true
	}
	return false
}

// EdgeType classifies how a dependency edge was inferred.
type EdgeType string

const (
	// EdgeStatic is an eagerly evaluated source import.
	EdgeStatic EdgeType = "static"

	// EdgeDynamic is an import in a lazily evaluated position, e.g. import("x").
	EdgeDynamic EdgeType = "dynamic"

	// EdgeImplicit comes from configuration or naming conventions.
	EdgeImplicit EdgeType = "implicit"

	// EdgeManifest comes from a package manifest dependency list.
	EdgeManifest EdgeType = "manifest"
)

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeStatic, EdgeDynamic, EdgeImplicit, EdgeManifest:
		return true
	}
	return false
}

// Dependency rule scopes.
const (
	ScopeDependencies = "dependencies"
	ScopeSelf         = "self"
)

// Parameter forwarding modes for dependency rules.
const (
	ParamsIgnore  = "ignore"
	ParamsForward = "forward"
)

// DependsOnRule declares that a target depends on another target.
//
// In YAML and JSON a rule may be written as a mapping or as a shorthand
// string: "^build" means the build target of every dependency project,
// "build" means the build target of the same project.
type DependsOnRule struct {
	Target   string `yaml:"target" json:"target"`
	Projects string `yaml:"projects" json:"projects"`
	Params   string `yaml:"params,omitempty" json:"params,omitempty"`
}

// ParseDependsOn converts the shorthand string form into a rule.
func ParseDependsOn(s string) DependsOnRule {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "^") {
		return DependsOnRule{Target: strings.TrimPrefix(s, "^"), Projects: ScopeDependencies}
	}
	return DependsOnRule{Target: s, Projects: ScopeSelf}
}

// String renders the rule in shorthand form.
func (r DependsOnRule) String() string {
	if r.Projects == ScopeDependencies {
		return "^" + r.Target
	}
	return r.Target
}

// UnmarshalYAML accepts both the shorthand and the mapping form.
func (r *DependsOnRule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*r = ParseDependsOn(value.Value)
		return nil
	}
	type plain DependsOnRule
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = DependsOnRule(p)
	if r.Projects == "" {
		r.Projects = ScopeSelf
	}
	return nil
}

// UnmarshalJSON accepts both the shorthand and the object form.
func (r *DependsOnRule) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = ParseDependsOn(s)
		return nil
	}
	type plain DependsOnRule
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = DependsOnRule(p)
	if r.Projects == "" {
		r.Projects = ScopeSelf
	}
	return nil
}

// TargetConfig describes a named operation on a project.
//
// Only the structural fields are typed. Executor specific settings live in
// Options and per-configuration overrides, and are passed to the executor
// untouched.
type TargetConfig struct {
	Executor             string                    `yaml:"executor" json:"executor"`
	Options              map[string]any            `yaml:"options,omitempty" json:"options,omitempty"`
	Configurations       map[string]map[string]any `yaml:"configurations,omitempty" json:"configurations,omitempty"`
	DefaultConfiguration string                    `yaml:"defaultConfiguration,omitempty" json:"defaultConfiguration,omitempty"`
	Outputs              []string                  `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	DependsOn            []DependsOnRule           `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Cache                *bool                     `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// HasConfiguration reports whether the target declares the named configuration.
func (t TargetConfig) HasConfiguration(name string) bool {
	_, ok := t.Configurations[name]
	return ok
}

// MergedOptions returns Options overlaid with the named configuration's values.
func (t TargetConfig) MergedOptions(configuration string) map[string]any {
	out := make(map[string]any, len(t.Options))
	for k, v := range t.Options {
		out[k] = v
	}
	if configuration != "" {
		for k, v := range t.Configurations[configuration] {
			out[k] = v
		}
	}
	return out
}

// FileData is a workspace relative path and its content fingerprint.
type FileData struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// ProjectNode is a buildable unit in the workspace.
//
// External package nodes have no root, targets, or files. They carry the
// package name and resolved version instead.
type ProjectNode struct {
	Name        string                  `json:"name"`
	Type        NodeType                `json:"type"`
	Root        string                  `json:"root,omitempty"`
	SourceRoot  string                  `json:"sourceRoot,omitempty"`
	Tags        []string                `json:"tags,omitempty"`
	Targets     map[string]TargetConfig `json:"targets,omitempty"`
	Files       []FileData              `json:"files,omitempty"`
	PackageName string                  `json:"packageName,omitempty"`
	Version     string                  `json:"version,omitempty"`
}

// HasTarget reports whether the project declares the named target.
func (n *ProjectNode) HasTarget(name string) bool {
	_, ok := n.Targets[name]
	return ok
}

// TargetNames returns the declared target names in sorted order.
func (n *ProjectNode) TargetNames() []string {
	names := make([]string, 0, len(n.Targets))
	for name := range n.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTag reports whether the project carries the given tag.
func (n *ProjectNode) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Field returns a project attribute by name for option interpolation.
//
// Supported fields: name, root, sourceRoot, type, tags. Tags are joined
// with commas.
func (n *ProjectNode) Field(name string) (string, bool) {
	switch name {
	case "name":
		return n.Name, true
	case "root":
		return n.Root, true
	case "sourceRoot":
		if n.SourceRoot != "" {
			return n.SourceRoot, true
		}
		return n.Root, true
	case "type":
		return string(n.Type), true
	case "tags":
		return strings.Join(n.Tags, ","), true
	}
	return "", false
}

// Edge is a typed dependency from Source on Target.
type Edge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Type   EdgeType `json:"type"`
}

// String renders the edge for logs and error messages.
func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s (%s)", e.Source, e.Target, e.Type)
}

func edgeLess(a, b Edge) bool {
	if a.Target != b.Target {
		return a.Target < b.Target
	}
	return a.Type < b.Type
}
