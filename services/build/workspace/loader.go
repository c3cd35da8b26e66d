// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/meridian/services/build/graph"
)

// Descriptor file names searched in each ProjectGlobs match.
var descriptorNames = []string{"project.yaml", "project.json"}

// Workspace is a loaded and validated workspace.
type Workspace struct {
	// Root is the absolute workspace root.
	Root string

	// Config is the decoded workspace file with defaults applied.
	Config Config

	// Projects holds every declared or discovered project keyed by name.
	// Each entry has Name and Root set.
	Projects map[string]ProjectConfig
}

// DefaultConfig returns the settings used when meridian.yaml omits them.
func DefaultConfig() Config {
	return Config{
		Version:          1,
		CacheDirectory:   filepath.Join(".meridian", "cache"),
		Parallel:         3,
		GlobalFiles:      []string{"tsconfig.base.json", "go.work"},
		CacheableTargets: []string{"build", "test", "lint"},
		Sources: SourceConfig{
			Exclude: []string{
				"node_modules/**",
				"**/node_modules/**",
				".git/**",
				".meridian/**",
				"**/dist/**",
			},
		},
		Cache: CacheConfig{
			MaxAge:  7 * 24 * time.Hour,
			MaxSize: "10GB",
		},
	}
}

// Load reads meridian.yaml under root, applies defaults and environment
// overrides, discovers descriptor based projects, and validates the result.
//
// Outputs:
//
//	*Workspace - The loaded workspace.
//	error - ErrConfigNotFound, a *CollisionError, a *ValidationError, or an
//	I/O or decoding error.
func Load(root string) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(absRoot, ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, filepath.Join(absRoot, ConfigFileName))
		}
		return nil, fmt.Errorf("read workspace configuration: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	ApplyEnv(&cfg)

	return New(absRoot, cfg)
}

// Parse decodes meridian.yaml content on top of DefaultConfig.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}
	return cfg, nil
}

// New builds a Workspace from an already decoded configuration.
func New(root string, cfg Config) (*Workspace, error) {
	ws := &Workspace{
		Root:     root,
		Config:   cfg,
		Projects: make(map[string]ProjectConfig),
	}

	claims := make(map[string][]string)
	for name, p := range cfg.Projects {
		p.Name = name
		p.Root = filepath.ToSlash(filepath.Clean(p.Root))
		ws.Projects[name] = normalizeProject(p)
		claims[name] = append(claims[name], p.Root)
	}

	discovered, err := discover(root, cfg.ProjectGlobs)
	if err != nil {
		return nil, err
	}
	for _, p := range discovered {
		existing, ok := ws.Projects[p.Name]
		if ok && existing.Root == p.Root {
			// Inline declaration wins for the same root.
			continue
		}
		claims[p.Name] = append(claims[p.Name], p.Root)
		if ok {
			continue
		}
		ws.Projects[p.Name] = normalizeProject(p)
	}

	names := make([]string, 0, len(claims))
	for name := range claims {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if roots := claims[name]; len(roots) > 1 {
			sort.Strings(roots)
			return nil, &CollisionError{Name: name, Roots: roots}
		}
	}

	ws.applyTargetDefaults()

	if err := Validate(ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// ApplyEnv overrides configuration values from MERIDIAN_* variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("MERIDIAN_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Parallel = n
		}
	}
	if v := os.Getenv("MERIDIAN_CACHE_DIR"); v != "" {
		cfg.CacheDirectory = v
	}
	if v := os.Getenv("MERIDIAN_REMOTE_CACHE"); v != "" {
		cfg.Cache.Remote.Bucket = v
	}
}

// CacheDir returns the absolute cache directory.
func (w *Workspace) CacheDir() string {
	if filepath.IsAbs(w.Config.CacheDirectory) {
		return w.Config.CacheDirectory
	}
	return filepath.Join(w.Root, w.Config.CacheDirectory)
}

// MaxCacheBytes parses Cache.MaxSize. Zero means unbounded.
func (w *Workspace) MaxCacheBytes() (uint64, error) {
	if w.Config.Cache.MaxSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(w.Config.Cache.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("%w: cache.maxSize %q: %v", ErrInvalidConfig, w.Config.Cache.MaxSize, err)
	}
	return n, nil
}

// ProjectNames returns the project names in sorted order.
func (w *Workspace) ProjectNames() []string {
	names := make([]string, 0, len(w.Projects))
	for name := range w.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsCacheable reports whether results of the named target may be cached.
//
// A target's own cache flag wins, then targetDefaults, then the
// cacheableTargets list.
func (w *Workspace) IsCacheable(project, target string) bool {
	if p, ok := w.Projects[project]; ok {
		if tc, ok := p.Targets[target]; ok && tc.Cache != nil {
			return *tc.Cache
		}
	}
	if d, ok := w.Config.TargetDefaults[target]; ok && d.Cache != nil {
		return *d.Cache
	}
	for _, t := range w.Config.CacheableTargets {
		if t == target {
			return true
		}
	}
	return false
}

// applyTargetDefaults fills unset target fields from targetDefaults.
func (w *Workspace) applyTargetDefaults() {
	for name, p := range w.Projects {
		for tname, tc := range p.Targets {
			d, ok := w.Config.TargetDefaults[tname]
			if !ok {
				continue
			}
			if tc.DependsOn == nil && d.DependsOn != nil {
				tc.DependsOn = append([]graph.DependsOnRule(nil), d.DependsOn...)
			}
			if tc.Cache == nil && d.Cache != nil {
				v := *d.Cache
				tc.Cache = &v
			}
			if tc.Outputs == nil && d.Outputs != nil {
				tc.Outputs = append([]string(nil), d.Outputs...)
			}
			if tc.Executor == "" {
				tc.Executor = d.Executor
			}
			if len(d.Options) > 0 {
				merged := make(map[string]any, len(d.Options)+len(tc.Options))
				for k, v := range d.Options {
					merged[k] = v
				}
				for k, v := range tc.Options {
					merged[k] = v
				}
				tc.Options = merged
			}
			p.Targets[tname] = tc
		}
		w.Projects[name] = p
	}
}

// discover finds descriptor based projects under the given globs.
func discover(root string, globs []string) ([]ProjectConfig, error) {
	var out []ProjectConfig
	seen := make(map[string]bool)
	for _, pattern := range globs {
		matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
		if err != nil {
			return nil, fmt.Errorf("%w: project glob %q: %v", ErrInvalidConfig, pattern, err)
		}
		sort.Strings(matches)
		for _, dir := range matches {
			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() || seen[dir] {
				continue
			}
			seen[dir] = true

			p, ok, err := readDescriptor(dir)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			rel, err := filepath.Rel(root, dir)
			if err != nil {
				return nil, fmt.Errorf("relativize %s: %w", dir, err)
			}
			p.Root = filepath.ToSlash(rel)
			if p.Name == "" {
				p.Name = filepath.Base(dir)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// readDescriptor loads project.yaml or project.json from dir.
func readDescriptor(dir string) (ProjectConfig, bool, error) {
	for _, name := range descriptorNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return ProjectConfig{}, false, fmt.Errorf("read %s: %w", path, err)
		}

		var p ProjectConfig
		if filepath.Ext(name) == ".json" {
			err = json.Unmarshal(data, &p)
		} else {
			err = yaml.Unmarshal(data, &p)
		}
		if err != nil {
			return ProjectConfig{}, false, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
		return p, true, nil
	}
	return ProjectConfig{}, false, nil
}

// normalizeProject fills defaults and sorts tags.
func normalizeProject(p ProjectConfig) ProjectConfig {
	if p.Type == "" {
		p.Type = graph.NodeLibrary
	}
	targets := make(map[string]graph.TargetConfig, len(p.Targets))
	for name, tc := range p.Targets {
		targets[name] = tc
	}
	p.Targets = targets
	tags := append([]string(nil), p.Tags...)
	sort.Strings(tags)
	p.Tags = dedupe(tags)
	return p
}

func dedupe(sorted []string) []string {
	out := make([]string, 0, len(sorted))
	for _, s := range sorted {
		if len(out) > 0 && out[len(out)-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}
