// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package projectgraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/storage/badger"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

const tsWorkspace = `
pathAliases:
  "@ws/*": "libs/*/src"
implicitGraphEdges:
  "**/*.graphql": [lib2]
projects:
  app1:
    root: apps/app1
    type: application
  app1-e2e:
    root: apps/app1-e2e
    type: e2e
  lib1:
    root: libs/lib1
  lib2:
    root: libs/lib2
`

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func loadWorkspace(t *testing.T, root, config string, files map[string]string) *workspace.Workspace {
	t.Helper()
	writeFiles(t, root, map[string]string{workspace.ConfigFileName: config})
	writeFiles(t, root, files)
	ws, err := workspace.Load(root)
	require.NoError(t, err)
	return ws
}

func edgeSet(g *graph.ProjectGraph, source string) []string {
	var out []string
	for _, e := range g.Dependencies[source] {
		out = append(out, e.Target+":"+string(e.Type))
	}
	return out
}

func tsFiles() map[string]string {
	return map[string]string{
		"apps/app1/src/main.ts":       "import { x } from '@ws/lib1';\nexport const load = () => import('@ws/lib2');\n",
		"apps/app1/package.json":      `{"name":"app1","dependencies":{"@ws/lib1":"*"}}`,
		"apps/app1/schema.graphql":    "type Query { a: Int }\n",
		"apps/app1-e2e/src/app.cy.ts": "describe('app', () => {});\n",
		"libs/lib1/src/index.ts":      "export * from '../../lib2/src/util';\n",
		"libs/lib1/package.json":      `{"name":"@ws/lib1","version":"1.2.0","dependencies":{"react":"^18.2.0"}}`,
		"libs/lib2/src/util.ts":       "export const a = 1;\n",
		"libs/lib2/package.json":      `{"name":"@ws/lib2"}`,
	}
}

func TestBuilder_Build(t *testing.T) {
	root := t.TempDir()
	ws := loadWorkspace(t, root, tsWorkspace, tsFiles())

	g, err := NewBuilder().Build(context.Background(), ws, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"app1", "app1-e2e", "lib1", "lib2", "npm:react"}, g.NodeNames())
	assert.Equal(t, []string{"lib1:manifest", "lib1:static", "lib2:dynamic", "lib2:implicit"}, edgeSet(g, "app1"))
	assert.Equal(t, []string{"app1:implicit"}, edgeSet(g, "app1-e2e"))
	assert.Equal(t, []string{"lib2:static", "npm:react:manifest"}, edgeSet(g, "lib1"))
	assert.Empty(t, edgeSet(g, "lib2"))

	react := g.Nodes["npm:react"]
	assert.Equal(t, graph.NodeExternal, react.Type)
	assert.Equal(t, "^18.2.0", react.Version)

	lib1 := g.Nodes["lib1"]
	assert.Equal(t, "@ws/lib1", lib1.PackageName)
	assert.Equal(t, "1.2.0", lib1.Version)
	require.Len(t, lib1.Files, 2)
	assert.Equal(t, "libs/lib1/package.json", lib1.Files[0].Path)

	assert.Len(t, g.AllWorkspaceFiles, len(tsFiles())+1)
}

func TestBuilder_GoModules(t *testing.T) {
	root := t.TempDir()
	config := "projects:\n  golib:\n    root: libs/golib\n  gosvc:\n    root: apps/gosvc\n    type: application\n"
	ws := loadWorkspace(t, root, config, map[string]string{
		"libs/golib/go.mod":     "module example.com/golib\n\ngo 1.22\n",
		"libs/golib/sub/sub.go": "package sub\n",
		"apps/gosvc/go.mod": "module example.com/gosvc\n\ngo 1.22\n\nrequire (\n\texample.com/golib v0.0.0\n\tgithub.com/pkg/errors v0.9.1\n)\n\n" +
			"replace example.com/golib => ../../libs/golib\n",
		"apps/gosvc/main.go": "package main\n\nimport \"example.com/golib/sub\"\n\nfunc main() { _ = sub.X }\n",
	})

	g, err := NewBuilder().Build(context.Background(), ws, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"go:github.com/pkg/errors:manifest", "golib:manifest", "golib:static"}, edgeSet(g, "gosvc"))
	assert.Equal(t, "example.com/golib", g.Nodes["golib"].PackageName)
	assert.Equal(t, "v0.9.1", g.Nodes["go:github.com/pkg/errors"].Version)
}

func TestBuilder_PackageNameCollision(t *testing.T) {
	root := t.TempDir()
	config := "projects:\n  a:\n    root: libs/a\n  b:\n    root: libs/b\n"
	ws := loadWorkspace(t, root, config, map[string]string{
		"libs/a/package.json": `{"name":"@ws/shared"}`,
		"libs/b/package.json": `{"name":"@ws/shared"}`,
	})

	_, err := NewBuilder().Build(context.Background(), ws, nil, nil)
	require.Error(t, err)

	var collision *workspace.CollisionError
	require.True(t, errors.As(err, &collision))
	assert.Equal(t, "@ws/shared", collision.Name)
	assert.Equal(t, []string{"libs/a", "libs/b"}, collision.Roots)
}

func TestBuilder_UnresolvedImportsIgnored(t *testing.T) {
	root := t.TempDir()
	ws := loadWorkspace(t, root, "projects:\n  a:\n    root: a\n", map[string]string{
		"a/index.ts": "import x from 'left-pad';\nimport y from '@ws/missing';\nimport z from '../../outside';\n",
	})

	g, err := NewBuilder().Build(context.Background(), ws, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.NodeNames())
	assert.Empty(t, g.Dependencies["a"])
}

func filePaths(files []graph.FileData) []string {
	out := make([]string, 0, len(files))
	for _, fd := range files {
		out = append(out, fd.Path)
	}
	return out
}

func TestBuilder_DeclaredOutputsAreNotSources(t *testing.T) {
	root := t.TempDir()
	config := `
projects:
  lib:
    root: libs/lib
    targets:
      build:
        outputs: ["{project.root}/build", "libs/lib/*.tsbuildinfo"]
      package:
        outputs: ["{project.root}"]
  app:
    root: apps/app
    targets:
      bundle: {}
targetDefaults:
  bundle:
    outputs: ["apps/app/out"]
`
	ws := loadWorkspace(t, root, config, map[string]string{
		"libs/lib/src/index.ts":    "export const a = 1;\n",
		"libs/lib/build/index.js":  "exports.a = 1;\n",
		"libs/lib/lib.tsbuildinfo": "{}",
		"libs/lib/builder/keep.ts": "export const k = 1;\n",
		"apps/app/src/main.ts":     "console.log(1);\n",
		"apps/app/out/main.js":     "console.log(1);\n",
	})

	g, err := NewBuilder().Build(context.Background(), ws, nil, nil)
	require.NoError(t, err)

	// An output equal to a project root does not hide that project's sources.
	assert.Equal(t, []string{"libs/lib/builder/keep.ts", "libs/lib/src/index.ts"}, filePaths(g.Nodes["lib"].Files))
	assert.Equal(t, []string{"apps/app/src/main.ts"}, filePaths(g.Nodes["app"].Files))
	assert.NotContains(t, filePaths(g.AllWorkspaceFiles), "libs/lib/build/index.js")
	assert.NotContains(t, filePaths(g.AllWorkspaceFiles), "apps/app/out/main.js")
}

func TestBuilder_GitIgnoredFilesAreNotSources(t *testing.T) {
	files := map[string]string{
		".gitignore":             "*.log\n",
		"libs/lib/.gitignore":    "coverage/\n",
		"libs/lib/src/index.ts":  "export const a = 1;\n",
		"libs/lib/debug.log":     "noise",
		"libs/lib/coverage/a.js": "noise",
	}
	config := "projects:\n  lib:\n    root: libs/lib\n"

	root := t.TempDir()
	g, err := NewBuilder().Build(context.Background(), loadWorkspace(t, root, config, files), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"libs/lib/.gitignore", "libs/lib/src/index.ts"}, filePaths(g.Nodes["lib"].Files))

	root = t.TempDir()
	g, err = NewBuilder().Build(context.Background(), loadWorkspace(t, root, config+"sources:\n  noGitignore: true\n", files), nil, nil)
	require.NoError(t, err)
	assert.Len(t, g.Nodes["lib"].Files, 4)
}

func TestBuilder_LoadReusesSnapshot(t *testing.T) {
	root := t.TempDir()
	ws := loadWorkspace(t, root, tsWorkspace, tsFiles())

	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)
	ctx := context.Background()
	b := NewBuilder()

	first, err := b.Load(ctx, ws, store)
	require.NoError(t, err)
	assert.Contains(t, edgeSet(first, "lib1"), "lib2:static")

	// Same size and mtime: the stored fingerprint is reused, so the stored
	// import edges are reused too.
	indexPath := filepath.Join(root, "libs", "lib1", "src", "index.ts")
	info, err := os.Stat(indexPath)
	require.NoError(t, err)
	replacement := "export const qq = '...............';\n"
	require.Len(t, replacement, int(info.Size()))
	require.NoError(t, os.WriteFile(indexPath, []byte(replacement), 0o644))
	require.NoError(t, os.Chtimes(indexPath, info.ModTime(), info.ModTime()))

	second, err := b.Load(ctx, ws, store)
	require.NoError(t, err)
	assert.Contains(t, edgeSet(second, "lib1"), "lib2:static")

	// A root-level change forces a full rebuild.
	writeFiles(t, root, map[string]string{workspace.ConfigFileName: tsWorkspace + "# touched\n"})
	third, err := b.Load(ctx, ws, store)
	require.NoError(t, err)
	assert.NotContains(t, edgeSet(third, "lib1"), "lib2:static")

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, third.Edges(), snap.Graph.Edges())

	require.NoError(t, store.Reset())
	snap, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestChangedRootFiles(t *testing.T) {
	prev := map[string]string{"meridian.yaml": "a", "package.json": "b", "yarn.lock": ""}
	cur := map[string]string{"meridian.yaml": "a", "package.json": "c", "go.work": ""}
	assert.Equal(t, []string{"go.work", "package.json", "yarn.lock"}, ChangedRootFiles(prev, cur))
	assert.Empty(t, ChangedRootFiles(cur, cur))
	assert.Len(t, ChangedRootFiles(nil, cur), 3)
}

func TestImportResolver(t *testing.T) {
	index := graph.NewRootIndex(map[string]string{"ui": "libs/ui", "core": "libs/core", "app": "apps/app", "gosvc": "services/gosvc"})
	r := newImportResolver(index,
		map[string]string{"@ws/ui": "libs/ui/src/index.ts", "@ws/*": "libs/*/src", "~app/*": "apps/app/*"},
		map[string]string{"core-lib": "core"},
		[]modulePath{{path: "example.com/svc", dir: "services/gosvc"}},
	)

	tests := []struct {
		from, spec string
		want       string
		ok         bool
	}{
		{"apps/app/src/main.ts", "@ws/ui", "ui", true},
		{"apps/app/src/main.ts", "@ws/core/deep/file", "core", true},
		{"libs/ui/src/a.ts", "~app/config", "app", true},
		{"apps/app/src/main.ts", "../../../libs/core/src", "core", true},
		{"apps/app/src/main.ts", "core-lib/utils", "core", true},
		{"cmd/main.go", "example.com/svc/internal/x", "gosvc", true},
		{"apps/app/src/main.ts", "react", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, ok := r.resolve(tt.from, tt.spec)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "@scope/pkg", npmPackageName("@scope/pkg/deep"))
	assert.Equal(t, "pkg", npmPackageName("pkg/deep"))
}
