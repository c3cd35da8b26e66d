// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/meridian/services/build/workspace"
)

const testWorkspace = `
version: 1
parallel: 2
projects:
  lib:
    root: libs/lib
    targets:
      build:
        executor: run-commands
        outputs: ["dist/libs/lib"]
        options:
          command: mkdir -p dist/libs/lib && echo lib > dist/libs/lib/out.txt && echo building lib
  app:
    root: apps/app
    implicitDependencies: [lib]
    targets:
      build:
        executor: run-commands
        options:
          command: echo building app
      test:
        executor: run-commands
        options:
          command: echo app tests failed && exit 3
targetDefaults:
  build:
    dependsOn: ["^build"]
`

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func newTestWorkspace(t *testing.T) string {
	t.Helper()
	return newWorkspaceWith(t, testWorkspace)
}

func newWorkspaceWith(t *testing.T, config string) string {
	t.Helper()
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("MERIDIAN_SKIP_CACHE", "")
	root := t.TempDir()
	files := map[string]string{
		workspace.ConfigFileName: config,
		"libs/lib/src/index.ts":  "export const lib = 1;\n",
		"apps/app/src/main.ts":   "console.log('app');\n",
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func runCLI(t *testing.T, root string, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), append([]string{"--workspace", root}, args...), &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestRun_BuildThenCacheHit(t *testing.T) {
	root := newTestWorkspace(t)

	first := runCLI(t, root, "run", "-t", "build")
	require.Equal(t, 0, first.code, first.stderr)
	assert.Contains(t, first.stdout, "✓ lib:build")
	assert.Contains(t, first.stdout, "✓ app:build")
	assert.Contains(t, first.stdout, "Ran target build for 2 tasks")
	assert.FileExists(t, filepath.Join(root, "dist", "libs", "lib", "out.txt"))

	require.NoError(t, os.RemoveAll(filepath.Join(root, "dist")))

	second := runCLI(t, root, "run", "-t", "build")
	require.Equal(t, 0, second.code, second.stderr)
	assert.Contains(t, second.stdout, "≡ lib:build [local-hit]")
	assert.Contains(t, second.stdout, "2 of 2 restored from cache")
	assert.FileExists(t, filepath.Join(root, "dist", "libs", "lib", "out.txt"))
}

const inProjectOutputsWorkspace = `
version: 1
projects:
  lib:
    root: libs/lib
    targets:
      build:
        executor: run-commands
        outputs: ["{project.root}/build"]
        options:
          command: mkdir -p libs/lib/build && echo lib > libs/lib/build/out.txt
`

func TestRun_OutputsInsideProjectAreNotSources(t *testing.T) {
	root := newWorkspaceWith(t, inProjectOutputsWorkspace)

	first := runCLI(t, root, "run", "-t", "build")
	require.Equal(t, 0, first.code, first.stderr)
	assert.Contains(t, first.stdout, "✓ lib:build")
	assert.FileExists(t, filepath.Join(root, "libs", "lib", "build", "out.txt"))

	second := runCLI(t, root, "run", "-t", "build")
	require.Equal(t, 0, second.code, second.stderr)
	assert.Contains(t, second.stdout, "≡ lib:build [local-hit]")

	var before, after hashDocument
	res := runCLI(t, root, "hash", "lib:build", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &before))
	require.NoError(t, os.RemoveAll(filepath.Join(root, "libs", "lib", "build")))
	res = runCLI(t, root, "hash", "lib:build", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &after))
	assert.Equal(t, before.Hash, after.Hash)
}

func TestRun_ArgsOverrideOptions(t *testing.T) {
	root := newTestWorkspace(t)

	res := runCLI(t, root, "run", "-t", "test", "-p", "app", "--output-style", "all",
		"--args", "command=echo {project.name} override")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "app override")
	assert.NotContains(t, res.stdout, "app tests failed")

	res = runCLI(t, root, "run", "-t", "test", "-p", "app", "--args", "=x")
	assert.NotEqual(t, 0, res.code)
	assert.Contains(t, res.stderr, "want key=value")
}

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"watch=true", "retries=3", "ratio=0.5", "command=echo a=b # c", "cwd="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"watch":   true,
		"retries": 3,
		"ratio":   0.5,
		"command": "echo a=b # c",
		"cwd":     "",
	}, got)

	got, err = parseOverrides(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseOverrides([]string{"noequals"})
	assert.Error(t, err)
}

func TestRun_FailureExitCode(t *testing.T) {
	root := newTestWorkspace(t)

	res := runCLI(t, root, "run", "-t", "test", "-p", "app")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "✗ app:test")
	assert.Contains(t, res.stdout, "app tests failed")
	assert.Contains(t, res.stdout, "Target test failed")
	assert.Empty(t, res.stderr)
}

func TestRun_UnknownTarget(t *testing.T) {
	root := newTestWorkspace(t)

	res := runCLI(t, root, "run", "-t", "deploy", "-p", "app")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "Error:")
	assert.Contains(t, res.stderr, "deploy")
}

func TestRun_NoProjects(t *testing.T) {
	root := newTestWorkspace(t)

	res := runCLI(t, root, "run", "-t", "lint")
	assert.Equal(t, 0, res.code)
	assert.Contains(t, res.stdout, "No projects to run for target lint")
}

func TestRun_RequiresTarget(t *testing.T) {
	root := newTestWorkspace(t)
	res := runCLI(t, root, "run")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "target")
}

func TestRun_SummarizeAndHistory(t *testing.T) {
	root := newTestWorkspace(t)

	res := runCLI(t, root, "run", "-t", "build", "--summarize")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Run summary: ")

	entries, err := os.ReadDir(filepath.Join(root, runsDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	hist := runCLI(t, root, "history", "--json")
	require.Equal(t, 0, hist.code, hist.stderr)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(hist.stdout), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, float64(2), runs[0]["tasks"])

	id := runs[0]["id"].(string)
	one := runCLI(t, root, "history", id)
	require.Equal(t, 0, one.code, one.stderr)
	assert.Contains(t, one.stdout, "lib:build")

	missing := runCLI(t, root, "history", "nope")
	assert.Equal(t, 1, missing.code)
}

func TestAffected_Files(t *testing.T) {
	root := newTestWorkspace(t)

	res := runCLI(t, root, "affected", "--files", "libs/lib/src/index.ts", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &names))
	assert.Equal(t, []string{"app", "lib"}, names)

	res = runCLI(t, root, "affected", "--files", "apps/app/src/main.ts")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "app\n", res.stdout)
}

func TestAffected_ConflictingSources(t *testing.T) {
	root := newTestWorkspace(t)
	res := runCLI(t, root, "affected", "--files", "a.ts", "--base", "main")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "mutually exclusive")
}

func TestShowProjects(t *testing.T) {
	root := newTestWorkspace(t)

	res := runCLI(t, root, "show", "projects", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &names))
	assert.Equal(t, []string{"app", "lib"}, names)

	res = runCLI(t, root, "show", "projects", "-t", "test")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Projects")
	assert.Contains(t, res.stdout, "  app\n")
	assert.NotContains(t, res.stdout, "  lib\n")
}

func TestGraph_WithTargets(t *testing.T) {
	root := newTestWorkspace(t)
	out := filepath.Join(t.TempDir(), "graph.json")

	res := runCLI(t, root, "graph", "--targets", "build", "--file", out)
	require.Equal(t, 0, res.code, res.stderr)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc struct {
		Graph struct {
			Nodes []struct {
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"graph"`
		TaskGraph struct {
			Dependencies map[string][]string `json:"dependencies"`
		} `json:"taskGraph"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Len(t, doc.Graph.Nodes, 2)
	assert.Equal(t, []string{"lib:build"}, doc.TaskGraph.Dependencies["app:build"])
}

func TestHash(t *testing.T) {
	root := newTestWorkspace(t)

	res := runCLI(t, root, "hash", "app:build", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	var doc hashDocument
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &doc))
	assert.Equal(t, "app:build", doc.TaskID)
	assert.NotEmpty(t, doc.Hash)
	assert.Contains(t, doc.Details.Nodes, "lib")

	again := runCLI(t, root, "hash", "app:build", "--json")
	var doc2 hashDocument
	require.NoError(t, json.Unmarshal([]byte(again.stdout), &doc2))
	assert.Equal(t, doc.Hash, doc2.Hash)

	bad := runCLI(t, root, "hash", "app")
	assert.Equal(t, 1, bad.code)
}

func TestCachePruneAndReset(t *testing.T) {
	root := newTestWorkspace(t)
	require.Equal(t, 0, runCLI(t, root, "run", "-t", "build").code)

	info := runCLI(t, root, "cache", "info")
	require.Equal(t, 0, info.code, info.stderr)
	assert.Contains(t, info.stdout, "2 entries")

	prune := runCLI(t, root, "cache", "prune", "--max-size", "1B")
	require.Equal(t, 0, prune.code, prune.stderr)
	assert.Contains(t, prune.stdout, "Pruned cache: 2 of 2 entries removed")

	require.Equal(t, 0, runCLI(t, root, "run", "-t", "build").code)
	reset := runCLI(t, root, "reset")
	require.Equal(t, 0, reset.code, reset.stderr)
	assert.Contains(t, reset.stdout, "Cleared")

	info = runCLI(t, root, "cache", "info")
	assert.Contains(t, info.stdout, "0 entries")

	hist := runCLI(t, root, "history", "--json")
	var runs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(hist.stdout), &runs))
	assert.Len(t, runs, 2)
}

func TestFindWorkspace(t *testing.T) {
	root := newTestWorkspace(t)
	got, err := findWorkspace(filepath.Join(root, "libs", "lib", "src"))
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(root)
	gotReal, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, want, gotReal)

	_, err = findWorkspace(t.TempDir())
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 130, exitCode(&ExitError{Code: exitInterrupted}))
	wrapped := &ExitError{Code: 2, Err: context.Canceled}
	assert.ErrorIs(t, wrapped, context.Canceled)
	assert.Equal(t, "context canceled", wrapped.Error())
	assert.Equal(t, "exit status 4", (&ExitError{Code: 4}).Error())
}

func TestTouchedOptions(t *testing.T) {
	assert.False(t, (&touchedOptions{}).enabled())
	assert.True(t, (&touchedOptions{affected: true}).enabled())
	assert.Error(t, (&touchedOptions{head: "HEAD"}).validate())
	assert.Error(t, (&touchedOptions{patch: "a.diff", uncommitted: true}).validate())
	assert.NoError(t, (&touchedOptions{base: "main", head: "HEAD"}).validate())
}

func TestWatchExcludes(t *testing.T) {
	root := newTestWorkspace(t)
	a := &app{opts: globalOptions{workspace: root}}
	s, err := a.openSession(0)
	require.NoError(t, err)
	defer s.Close()

	ex := s.watchExcludes([]string{"*.tmp"})
	assert.Contains(t, ex, ".git/**")
	assert.Contains(t, ex, "node_modules/**")
	assert.Equal(t, "*.tmp", ex[len(ex)-1])
}
