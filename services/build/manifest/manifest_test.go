// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/meridian/services/build/graph"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "pkg/a/main.go", true},
		{"*.go", "main.py", false},
		{"**/*.ts", "index.ts", true},
		{"**/*.ts", "libs/a/src/index.ts", true},
		{"libs/*/package.json", "libs/a/package.json", true},
		{"libs/*/package.json", "libs/a/b/package.json", false},
		{"node_modules/**", "node_modules", true},
		{"node_modules/**", "node_modules/react/index.js", true},
		{"**/dist/**", "apps/web/dist/main.js", true},
		{"**/dist/**", "apps/web/distro/main.js", false},
		{"tools/**/*.sh", "tools/ci/deep/run.sh", true},
		{"tools/**/*.sh", "scripts/run.sh", false},
		{"./meridian.yaml", "meridian.yaml", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.path))
		})
	}
}

func TestGlobMatcher(t *testing.T) {
	m := NewGlobMatcher([]string{"**/*.ts"}, []string{"**/*.spec.ts"})
	assert.True(t, m.Match("src/a.ts"))
	assert.False(t, m.Match("src/a.spec.ts"))
	assert.False(t, m.Match("src/a.js"))

	all := NewGlobMatcher(nil, []string{".git/**"})
	assert.True(t, all.Match("README.md"))
	assert.True(t, all.ExcludesDir(".git"))
	assert.False(t, all.ExcludesDir("src"))
}

func TestScanner_Scan(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"meridian.yaml":            "version: 1\n",
		"libs/a/index.ts":          "export const a = 1;\n",
		"libs/a/node_modules/x.js": "ignored",
		"apps/web/main.ts":         "import { a } from '@ws/a';\n",
		".git/HEAD":                "ref: refs/heads/main\n",
		"apps/web/dist/main.js":    "built",
	})

	s := NewScanner(WithPatterns(nil, []string{".git/**", "**/node_modules/**", "**/dist/**"}), WithConcurrency(2))
	m, err := s.Scan(context.Background(), root, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"apps/web/main.ts", "libs/a/index.ts", "meridian.yaml"}, m.Paths())
	assert.Equal(t, HashBytes([]byte("version: 1\n")), m.Files["meridian.yaml"].Hash)
	assert.Empty(t, m.Errors)

	assert.Equal(t, []graph.FileData{{Path: "libs/a/index.ts", Hash: m.Files["libs/a/index.ts"].Hash}}, m.Under("libs/a"))
	assert.Len(t, m.Under("."), 3)
}

func TestScanner_GitIgnore(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".gitignore":             "*.log\ntmp/\n!keep.log\n",
		"libs/a/.gitignore":      "generated.ts\n",
		"libs/a/index.ts":        "export const a = 1;\n",
		"libs/a/generated.ts":    "export const g = 1;\n",
		"libs/a/debug.log":       "noise",
		"libs/a/keep.log":        "kept",
		"libs/a/tmp/scratch.txt": "scratch",
		"tmp/scratch.txt":        "scratch",
		"apps/web/generated.ts":  "export const w = 1;\n",
	})

	m, err := NewScanner(WithGitIgnore(true)).Scan(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		".gitignore",
		"apps/web/generated.ts",
		"libs/a/.gitignore",
		"libs/a/index.ts",
		"libs/a/keep.log",
	}, m.Paths())

	m, err = NewScanner(WithGitIgnore(false)).Scan(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Len(t, m.Paths(), 9)
}

func TestScanner_ReusesUnchangedEntries(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "one", "b.txt": "two"})

	s := NewScanner()
	first, err := s.Scan(context.Background(), root, nil)
	require.NoError(t, err)

	// A doctored previous hash is kept when size and mtime are unchanged.
	prev := NewManifest()
	for p, e := range first.Files {
		prev.Files[p] = e
	}
	entry := prev.Files["a.txt"]
	entry.Hash = "cached"
	prev.Files["a.txt"] = entry

	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("TWO"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(root, "b.txt"), later, later))

	second, err := s.Scan(context.Background(), root, prev)
	require.NoError(t, err)
	assert.Equal(t, "cached", second.Files["a.txt"].Hash)
	assert.Equal(t, HashBytes([]byte("TWO")), second.Files["b.txt"].Hash)
}

func TestScanner_Errors(t *testing.T) {
	_, err := NewScanner().Scan(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	assert.True(t, errors.Is(err, ErrInvalidRoot))

	root := t.TempDir()
	writeTree(t, root, map[string]string{"big.bin": "0123456789"})
	m, err := NewScanner(WithMaxFileSize(4)).Scan(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Empty(t, m.Files)
	require.Len(t, m.Errors, 1)
	assert.True(t, errors.Is(m.Errors[0], ErrFileTooLarge))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewScanner().Scan(ctx, root, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDiff(t *testing.T) {
	old := &Manifest{Files: map[string]FileEntry{
		"a": {Path: "a", Hash: "1"},
		"b": {Path: "b", Hash: "2"},
		"c": {Path: "c", Hash: "3"},
	}}
	cur := &Manifest{Files: map[string]FileEntry{
		"a": {Path: "a", Hash: "1"},
		"b": {Path: "b", Hash: "22"},
		"d": {Path: "d", Hash: "4"},
	}}

	c := Diff(old, cur)
	assert.Equal(t, []string{"d"}, c.Added)
	assert.Equal(t, []string{"b"}, c.Modified)
	assert.Equal(t, []string{"c"}, c.Deleted)
	assert.Equal(t, []string{"b", "c", "d"}, c.All())
	assert.True(t, c.HasChanges())

	fresh := Diff(nil, cur)
	assert.Equal(t, []string{"a", "b", "d"}, fresh.Added)
	assert.False(t, Diff(cur, cur).HasChanges())
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	p, err := Resolve(root, "libs/a/index.ts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "libs", "a", "index.ts"), p)

	_, err = Resolve(root, "../etc/passwd")
	assert.True(t, errors.Is(err, ErrPathTraversal))
}
