// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package projectgraph builds the project graph of a workspace.
//
// Nodes come from the workspace project registry. Edges come from source
// imports resolved through path aliases, package names and Go module paths,
// from package.json and go.mod dependencies, and from implicit dependency
// configuration. Files under declared target outputs are not sources. A
// previous graph is reused for projects whose files did not change when no
// root-level file changed.
package projectgraph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/imports"
	"github.com/AleutianAI/meridian/services/build/manifest"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

var tracer = otel.Tracer("meridian.projectgraph")

// E2ESuffix links "<x>-e2e" to "<x>" when the harness declares no implicit
// dependencies of its own.
const E2ESuffix = "-e2e"

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger. Nil uses slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithConcurrency bounds parallel file scanning and parsing.
func WithConcurrency(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// Builder produces project graphs.
//
// Thread Safety: Builder is safe for concurrent use.
type Builder struct {
	logger      *slog.Logger
	concurrency int
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		logger:      slog.Default(),
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scan fingerprints the workspace source files. Entries of previous whose
// size and mtime are unchanged are reused without reading the file.
func (b *Builder) Scan(ctx context.Context, ws *workspace.Workspace, previous *manifest.Manifest) (*manifest.Manifest, error) {
	s := manifest.NewScanner(
		manifest.WithPatterns(ws.Config.Sources.Include, ws.Config.Sources.Exclude),
		manifest.WithGitIgnore(!ws.Config.Sources.NoGitignore),
		manifest.WithConcurrency(b.concurrency),
	)
	m, err := s.Scan(ctx, ws.Root, previous)
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	for _, se := range m.Errors {
		b.logger.Warn("file skipped", slog.String("path", se.Path), slog.String("error", se.Err.Error()))
	}
	return m, nil
}

// Build scans the workspace and builds its project graph.
//
// Inputs:
//
//	ctx - Cancels scanning and parsing.
//	ws - The loaded workspace.
//	previous - Graph from the last invocation, or nil.
//	changedRootFiles - Root-level files whose fingerprint changed since
//	previous was built. Any entry disables reuse.
//
// Outputs:
//
//	*graph.ProjectGraph - The validated graph.
//	error - A *workspace.CollisionError, an I/O error, or a graph error.
func (b *Builder) Build(ctx context.Context, ws *workspace.Workspace, previous *graph.ProjectGraph, changedRootFiles []string) (*graph.ProjectGraph, error) {
	files, err := b.Scan(ctx, ws, nil)
	if err != nil {
		return nil, err
	}
	return b.BuildFromManifest(ctx, ws, files, previous, changedRootFiles)
}

// BuildFromManifest builds the graph from an existing scan.
func (b *Builder) BuildFromManifest(ctx context.Context, ws *workspace.Workspace, files *manifest.Manifest, previous *graph.ProjectGraph, changedRootFiles []string) (*graph.ProjectGraph, error) {
	ctx, span := tracer.Start(ctx, "projectgraph.Build",
		trace.WithAttributes(
			attribute.Int("projectgraph.projects", len(ws.Projects)),
			attribute.Int("projectgraph.files", len(files.Files)),
			attribute.Int("projectgraph.changed_root_files", len(changedRootFiles)),
		),
	)
	defer span.End()
	start := time.Now()

	g, err := b.build(ctx, ws, files, previous, changedRootFiles)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	b.logger.Debug("project graph built",
		slog.Int("nodes", len(g.Nodes)),
		slog.Int("edges", g.EdgeCount()),
		slog.Duration("duration", time.Since(start)),
	)
	return g, nil
}

func (b *Builder) build(ctx context.Context, ws *workspace.Workspace, files *manifest.Manifest, previous *graph.ProjectGraph, changedRootFiles []string) (*graph.ProjectGraph, error) {
	names := ws.ProjectNames()
	roots := make(map[string]string, len(names))
	for _, name := range names {
		roots[name] = ws.Projects[name].Root
	}
	index := graph.NewRootIndex(roots)

	g := graph.New()
	outputs := declaredOutputs(ws, names)
	all := files.FileData()
	g.AllWorkspaceFiles = make([]graph.FileData, 0, len(all))
	for _, fd := range all {
		if !isOutput(outputs, fd.Path) {
			g.AllWorkspaceFiles = append(g.AllWorkspaceFiles, fd)
		}
	}

	owned := make(map[string][]graph.FileData, len(names))
	for _, fd := range g.AllWorkspaceFiles {
		if owner, ok := index.Owner(fd.Path); ok {
			owned[owner] = append(owned[owner], fd)
		}
	}

	manifests := make(map[string]projectManifests, len(names))
	packages := make(map[string]string)
	var modules []modulePath
	packageClaims := make(map[string][]string)
	moduleClaims := make(map[string][]string)
	for _, name := range names {
		pm, err := readProjectManifests(ws.Root, roots[name])
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", name, err)
		}
		manifests[name] = pm
		if pm.pkg != nil && pm.pkg.Name != "" {
			packages[pm.pkg.Name] = name
			packageClaims[pm.pkg.Name] = append(packageClaims[pm.pkg.Name], roots[name])
		}
		if pm.mod != nil && pm.mod.Path != "" {
			modules = append(modules, modulePath{path: pm.mod.Path, dir: roots[name]})
			moduleClaims[pm.mod.Path] = append(moduleClaims[pm.mod.Path], roots[name])
		}
	}
	if err := checkClaims(packageClaims); err != nil {
		return nil, err
	}
	if err := checkClaims(moduleClaims); err != nil {
		return nil, err
	}

	for _, name := range names {
		p := ws.Projects[name]
		node := &graph.ProjectNode{
			Name:       name,
			Type:       p.Type,
			Root:       p.Root,
			SourceRoot: p.SourceRoot,
			Tags:       p.Tags,
			Targets:    p.Targets,
			Files:      owned[name],
		}
		if pm := manifests[name]; pm.pkg != nil {
			node.PackageName = pm.pkg.Name
			node.Version = pm.pkg.Version
		} else if pm.mod != nil {
			node.PackageName = pm.mod.Path
		}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}

	resolver := newImportResolver(index, ws.Config.PathAliases, packages, modules)
	reusable := canReuse(previous, g, changedRootFiles)

	var parse []string
	for _, name := range names {
		if reusable && sameFiles(previous.Nodes[name].Files, owned[name]) {
			for _, e := range previous.Dependencies[name] {
				if e.Type != graph.EdgeStatic && e.Type != graph.EdgeDynamic {
					continue
				}
				if _, ok := g.Nodes[e.Target]; ok {
					if err := g.AddEdge(e.Source, e.Target, e.Type); err != nil {
						return nil, err
					}
				}
			}
			continue
		}
		parse = append(parse, name)
	}

	if err := b.addImportEdges(ctx, ws, g, resolver, parse); err != nil {
		return nil, err
	}
	if err := addManifestEdges(ws, g, index, manifests, packages, modules); err != nil {
		return nil, err
	}
	if err := addImplicitEdges(ws, g); err != nil {
		return nil, err
	}

	b.logger.Debug("import edges resolved",
		slog.Int("parsed_projects", len(parse)),
		slog.Int("reused_projects", len(names)-len(parse)),
	)
	return g, g.Validate()
}

// declaredOutputs lists the target outputs of every project, interpolated
// against the declaring project. Outputs that are a project root or hold
// one are dropped, since excluding them would hide project sources.
func declaredOutputs(ws *workspace.Workspace, names []string) []string {
	var out []string
	for _, name := range names {
		p := ws.Projects[name]
		node := &graph.ProjectNode{Name: name, Type: p.Type, Root: p.Root, SourceRoot: p.SourceRoot, Tags: p.Tags}
		for target, tc := range p.Targets {
			outs := tc.Outputs
			if len(outs) == 0 {
				outs = ws.Config.TargetDefaults[target].Outputs
			}
			for _, o := range outs {
				o = path.Clean(strings.TrimPrefix(taskgraph.InterpolateString(o, node), "./"))
				if o == "." || strings.HasPrefix(o, "../") || coversRoot(ws, names, o) {
					continue
				}
				out = append(out, o)
			}
		}
	}
	return out
}

func coversRoot(ws *workspace.Workspace, names []string, output string) bool {
	if manifest.IsPattern(output) {
		return false
	}
	for _, name := range names {
		root := ws.Projects[name].Root
		if root == output || strings.HasPrefix(root, output+"/") {
			return true
		}
	}
	return false
}

// isOutput reports whether the file belongs to a declared output.
func isOutput(outputs []string, file string) bool {
	for _, o := range outputs {
		if manifest.MatchOutput(o, file) {
			return true
		}
	}
	return false
}

// addImportEdges parses every supported file of the listed projects.
func (b *Builder) addImportEdges(ctx context.Context, ws *workspace.Workspace, g *graph.ProjectGraph, resolver *importResolver, projects []string) error {
	type job struct {
		project string
		file    string
	}
	var jobs []job
	for _, name := range projects {
		for _, fd := range g.Nodes[name].Files {
			if imports.Supported(fd.Path) {
				jobs = append(jobs, job{project: name, file: fd.Path})
			}
		}
	}

	results := make([][]graph.Edge, len(jobs))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(b.concurrency)
	for i, j := range jobs {
		eg.Go(func() error {
			abs, err := manifest.Resolve(ws.Root, j.file)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(abs)
			if err != nil {
				b.logger.Warn("source unreadable", slog.String("path", j.file), slog.String("error", err.Error()))
				return nil
			}
			found, err := imports.Extract(ectx, j.file, content)
			if err != nil {
				if ectx.Err() != nil {
					return ectx.Err()
				}
				b.logger.Warn("imports not extracted", slog.String("path", j.file), slog.String("error", err.Error()))
				return nil
			}
			for _, imp := range found {
				target, ok := resolver.resolve(j.file, imp.Specifier)
				if !ok || target == j.project {
					continue
				}
				t := graph.EdgeStatic
				if imp.Kind == imports.KindDynamic {
					t = graph.EdgeDynamic
				}
				results[i] = append(results[i], graph.Edge{Source: j.project, Target: target, Type: t})
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, edges := range results {
		for _, e := range edges {
			if err := g.AddEdge(e.Source, e.Target, e.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

// addManifestEdges links projects to the workspace projects and external
// packages their package.json and go.mod declare.
func addManifestEdges(ws *workspace.Workspace, g *graph.ProjectGraph, index *graph.RootIndex, manifests map[string]projectManifests, packages map[string]string, modules []modulePath) error {
	moduleOwner := make(map[string]string, len(modules))
	for _, m := range modules {
		if owner, ok := index.Owner(m.dir); ok {
			moduleOwner[m.path] = owner
		}
	}

	link := func(source, target string) error {
		return g.AddEdge(source, target, graph.EdgeManifest)
	}
	external := func(name, pkg, version string) error {
		if _, ok := g.Nodes[name]; ok {
			return nil
		}
		return g.AddNode(&graph.ProjectNode{Name: name, Type: graph.NodeExternal, PackageName: pkg, Version: version})
	}

	for _, name := range ws.ProjectNames() {
		pm := manifests[name]
		if pm.pkg != nil {
			deps := pm.pkg.AllDependencies()
			for _, dep := range sortedKeys(deps) {
				if target, ok := packages[dep]; ok {
					if err := link(name, target); err != nil {
						return err
					}
					continue
				}
				ext := ExternalName(NPMPrefix, dep)
				if err := external(ext, dep, deps[dep]); err != nil {
					return err
				}
				if err := link(name, ext); err != nil {
					return err
				}
			}
		}
		if pm.mod != nil {
			root := ws.Projects[name].Root
			for _, dep := range sortedKeys(pm.mod.Requires) {
				if dir, ok := pm.mod.LocalReplaces[dep]; ok {
					if target, ok := index.Owner(path.Join(root, dir)); ok {
						if err := link(name, target); err != nil {
							return err
						}
						continue
					}
				}
				if target, ok := moduleOwner[dep]; ok {
					if err := link(name, target); err != nil {
						return err
					}
					continue
				}
				ext := ExternalName(GoPrefix, dep)
				if err := external(ext, dep, pm.mod.Requires[dep]); err != nil {
					return err
				}
				if err := link(name, ext); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// addImplicitEdges adds configured and naming-convention implicit edges.
func addImplicitEdges(ws *workspace.Workspace, g *graph.ProjectGraph) error {
	names := ws.ProjectNames()
	for _, name := range names {
		p := ws.Projects[name]
		for _, dep := range p.ImplicitDependencies {
			if err := g.AddEdge(name, dep, graph.EdgeImplicit); err != nil {
				return err
			}
		}
		if len(p.ImplicitDependencies) == 0 && strings.HasSuffix(name, E2ESuffix) {
			subject := strings.TrimSuffix(name, E2ESuffix)
			if _, ok := ws.Projects[subject]; ok {
				if err := g.AddEdge(name, subject, graph.EdgeImplicit); err != nil {
					return err
				}
			}
		}
	}

	for _, pattern := range sortedKeys(ws.Config.ImplicitGraphEdges) {
		targets := ws.Config.ImplicitGraphEdges[pattern]
		if targets.All() {
			targets = names
		}
		for _, name := range names {
			if !ownsMatch(g.Nodes[name].Files, pattern) {
				continue
			}
			for _, target := range targets {
				if err := g.AddEdge(name, target, graph.EdgeImplicit); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func ownsMatch(files []graph.FileData, pattern string) bool {
	for _, f := range files {
		if manifest.Match(pattern, f.Path) {
			return true
		}
	}
	return false
}

// canReuse reports whether per-project import edges of previous may be
// kept. Any root-level change, any change to the project set or roots, and
// any package manifest change force a full parse.
func canReuse(previous, current *graph.ProjectGraph, changedRootFiles []string) bool {
	if previous == nil || len(changedRootFiles) > 0 {
		return false
	}
	prevNames := previous.ProjectNames()
	curNames := current.ProjectNames()
	if len(prevNames) != len(curNames) {
		return false
	}
	for i, name := range curNames {
		if prevNames[i] != name || previous.Nodes[name].Root != current.Nodes[name].Root {
			return false
		}
	}
	return sameManifestFiles(previous.AllWorkspaceFiles, current.AllWorkspaceFiles)
}

func sameManifestFiles(a, b []graph.FileData) bool {
	pick := func(files []graph.FileData) map[string]string {
		out := make(map[string]string)
		for _, f := range files {
			if isManifestFile(f.Path) {
				out[f.Path] = f.Hash
			}
		}
		return out
	}
	ma, mb := pick(a), pick(b)
	if len(ma) != len(mb) {
		return false
	}
	for p, h := range ma {
		if mb[p] != h {
			return false
		}
	}
	return true
}

func sameFiles(a, b []graph.FileData) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkClaims reports two projects declaring the same package or module
// name.
func checkClaims(claims map[string][]string) error {
	for _, name := range sortedKeys(claims) {
		if roots := claims[name]; len(roots) > 1 {
			sort.Strings(roots)
			return &workspace.CollisionError{Name: name, Roots: roots}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
