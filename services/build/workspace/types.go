// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace loads and validates the meridian.yaml workspace file.
//
// The workspace file declares the project registry, global settings used by
// the graph builder and the affected filter, target dependency defaults, the
// executor registry, and cache settings. Projects may also be discovered from
// project.yaml or project.json descriptors under the configured project globs.
package workspace

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/meridian/services/build/graph"
)

// ConfigFileName is the workspace file at the repository root.
const ConfigFileName = "meridian.yaml"

// Built-in executor identifiers. They need no entry under executors.
const (
	ExecutorRunCommands = "run-commands"
	ExecutorNoop        = "noop"
)

// Output capture modes for executors.
const (
	CapturePipe = "pipe"
	CaptureFile = "file"
)

// AllProjects in an implicit dependency rule means every project.
const AllProjects = "*"

// RootFiles are the root level files whose change invalidates the
// incremental project graph cache.
var RootFiles = []string{
	ConfigFileName,
	"package.json",
	"tsconfig.base.json",
	"go.work",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
}

// LockFiles are always folded into task hashes when present.
var LockFiles = []string{
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"go.work.sum",
}

// Config is the decoded meridian.yaml.
type Config struct {
	Version        int    `yaml:"version" validate:"gte=0,lte=1"`
	CacheDirectory string `yaml:"cacheDirectory"`
	Parallel       int    `yaml:"parallel" validate:"gte=0,lte=256"`

	// ProjectGlobs are directory globs searched for project descriptors.
	ProjectGlobs []string `yaml:"projectGlobs,omitempty"`

	// Projects are declared inline, keyed by name.
	Projects map[string]ProjectConfig `yaml:"projects,omitempty" validate:"dive"`

	// PathAliases map an import specifier, optionally ending in "/*", to a
	// workspace relative path. Imports are resolved through them to projects.
	PathAliases map[string]string `yaml:"pathAliases,omitempty"`

	// ImplicitDependencies map a file or glob to the projects a change to it
	// affects. The value "*" means every project.
	ImplicitDependencies map[string]ProjectList `yaml:"implicitDependencies,omitempty"`

	// GlobalFiles are files whose change affects every project.
	GlobalFiles []string `yaml:"globalFiles,omitempty"`

	// ImplicitGraphEdges add edges to the project graph when a project's
	// files match the glob: glob -> projects depended upon.
	ImplicitGraphEdges map[string]ProjectList `yaml:"implicitGraphEdges,omitempty"`

	TargetDefaults   map[string]TargetDefaults `yaml:"targetDefaults,omitempty"`
	CacheableTargets []string                  `yaml:"cacheableTargets,omitempty"`

	// GlobalInputs are globs over all workspace files folded into every hash.
	GlobalInputs []string `yaml:"globalInputs,omitempty"`

	// RuntimeInputs are shell probes whose output is folded into every hash.
	RuntimeInputs []string `yaml:"runtimeInputs,omitempty"`

	Executors map[string]ExecutorConfig `yaml:"executors,omitempty" validate:"dive"`
	Sources   SourceConfig              `yaml:"sources,omitempty"`
	Cache     CacheConfig               `yaml:"cache,omitempty"`
}

// ProjectConfig declares one project.
type ProjectConfig struct {
	Name                 string                        `yaml:"name,omitempty" json:"name,omitempty"`
	Root                 string                        `yaml:"root" json:"root"`
	Type                 graph.NodeType                `yaml:"type,omitempty" json:"type,omitempty"`
	SourceRoot           string                        `yaml:"sourceRoot,omitempty" json:"sourceRoot,omitempty"`
	Tags                 []string                      `yaml:"tags,omitempty" json:"tags,omitempty"`
	ImplicitDependencies []string                      `yaml:"implicitDependencies,omitempty" json:"implicitDependencies,omitempty"`
	Targets              map[string]graph.TargetConfig `yaml:"targets,omitempty" json:"targets,omitempty"`
}

// TargetDefaults apply to every target of the given name that does not set
// the field itself.
type TargetDefaults struct {
	DependsOn []graph.DependsOnRule `yaml:"dependsOn,omitempty"`
	Cache     *bool                 `yaml:"cache,omitempty"`
	Outputs   []string              `yaml:"outputs,omitempty"`
	Executor  string                `yaml:"executor,omitempty"`
	Options   map[string]any        `yaml:"options,omitempty"`
}

// ExecutorConfig registers an external executor.
type ExecutorConfig struct {
	Command       []string          `yaml:"command" validate:"required,min=1"`
	Batch         bool              `yaml:"batch,omitempty"`
	OutputCapture string            `yaml:"outputCapture,omitempty" validate:"omitempty,oneof=pipe file"`
	Env           map[string]string `yaml:"env,omitempty"`
}

// SourceConfig controls which files count as project sources.
type SourceConfig struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`

	// NoGitignore hashes files even when a .gitignore ignores them.
	NoGitignore bool `yaml:"noGitignore,omitempty"`
}

// CacheConfig controls the local and remote task cache.
type CacheConfig struct {
	MaxAge time.Duration `yaml:"maxAge,omitempty"`
	// MaxSize accepts human readable sizes such as "5GB".
	MaxSize string       `yaml:"maxSize,omitempty"`
	Remote  RemoteConfig `yaml:"remote,omitempty"`
}

// RemoteConfig configures the shared remote cache tier.
type RemoteConfig struct {
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentialsFile,omitempty"`
	ReadOnly        bool   `yaml:"readOnly,omitempty"`
}

// ProjectList is a list of project names. A bare "*" scalar decodes to
// a single-element list holding AllProjects.
type ProjectList []string

// UnmarshalYAML accepts a scalar or a sequence.
func (l *ProjectList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = ProjectList{value.Value}
		return nil
	}
	var names []string
	if err := value.Decode(&names); err != nil {
		return err
	}
	*l = names
	return nil
}

// All reports whether the list selects every project.
func (l ProjectList) All() bool {
	for _, n := range l {
		if n == AllProjects {
			return true
		}
	}
	return false
}
