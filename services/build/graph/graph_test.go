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
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func chainGraph(t *testing.T) *ProjectGraph {
	t.Helper()
	g := New()
	for _, n := range []*ProjectNode{
		{Name: "app1", Type: NodeApplication, Root: "apps/app1"},
		{Name: "lib1", Type: NodeLibrary, Root: "libs/lib1"},
		{Name: "lib2", Type: NodeLibrary, Root: "libs/lib2"},
	} {
		require.NoError(t, g.AddNode(n))
	}
	require.NoError(t, g.AddEdge("app1", "lib1", EdgeStatic))
	require.NoError(t, g.AddEdge("lib1", "lib2", EdgeStatic))
	return g
}

func TestProjectGraph_AddNode(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(&ProjectNode{Name: "a", Type: NodeLibrary}))

	deps, ok := g.Dependencies["a"]
	assert.True(t, ok, "every node gets a dependency entry")
	assert.Empty(t, deps)

	err := g.AddNode(&ProjectNode{Name: "a", Type: NodeLibrary})
	assert.True(t, errors.Is(err, ErrDuplicateNode))

	err = g.AddNode(&ProjectNode{})
	assert.True(t, errors.Is(err, ErrInvalidGraph))
}

func TestProjectGraph_AddEdge(t *testing.T) {
	t.Run("duplicate triples collapse", func(t *testing.T) {
		g := chainGraph(t)
		require.NoError(t, g.AddEdge("app1", "lib1", EdgeStatic))
		assert.Len(t, g.Dependencies["app1"], 1)
	})

	t.Run("different types between same pair coexist", func(t *testing.T) {
		g := chainGraph(t)
		require.NoError(t, g.AddEdge("app1", "lib1", EdgeDynamic))
		assert.Len(t, g.Dependencies["app1"], 2)
		assert.Equal(t, []string{"lib1"}, g.DependenciesOf("app1"))
	})

	t.Run("self edges are dropped", func(t *testing.T) {
		g := chainGraph(t)
		require.NoError(t, g.AddEdge("lib1", "lib1", EdgeImplicit))
		assert.Len(t, g.Dependencies["lib1"], 1)
	})

	t.Run("unknown endpoint is an error", func(t *testing.T) {
		g := chainGraph(t)
		err := g.AddEdge("app1", "missing", EdgeStatic)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownNode))

		var edgeErr *EdgeError
		require.True(t, errors.As(err, &edgeErr))
		assert.Equal(t, "missing", edgeErr.Target)
	})

	t.Run("invalid edge type", func(t *testing.T) {
		g := chainGraph(t)
		err := g.AddEdge("app1", "lib2", EdgeType("weird"))
		assert.True(t, errors.Is(err, ErrInvalidEdgeType))
	})

	t.Run("adjacency stays sorted", func(t *testing.T) {
		g := chainGraph(t)
		require.NoError(t, g.AddEdge("app1", "lib2", EdgeManifest))
		require.NoError(t, g.AddEdge("app1", "lib1", EdgeDynamic))
		var got []string
		for _, e := range g.Dependencies["app1"] {
			got = append(got, e.Target+":"+string(e.Type))
		}
		assert.Equal(t, []string{"lib1:dynamic", "lib1:static", "lib2:manifest"}, got)
	})
}

func TestProjectGraph_ReverseAndSubgraph(t *testing.T) {
	g := chainGraph(t)

	r := g.Reverse()
	assert.Equal(t, []string{"lib1"}, r.DependenciesOf("lib2"))
	assert.Equal(t, []string{"app1"}, r.DependenciesOf("lib1"))
	assert.Empty(t, r.DependenciesOf("app1"))

	reach := r.Reachable([]string{"lib2"})
	assert.Equal(t, map[string]bool{"app1": true, "lib1": true, "lib2": true}, reach)

	sub := g.Subgraph(map[string]bool{"lib1": true, "lib2": true})
	require.NoError(t, sub.Validate())
	assert.Equal(t, []string{"lib1", "lib2"}, sub.NodeNames())
	assert.Equal(t, []string{"lib2"}, sub.DependenciesOf("lib1"))
}

func TestProjectGraph_MarshalRoundTrip(t *testing.T) {
	g := chainGraph(t)
	g.Nodes["lib1"].Files = []FileData{{Path: "libs/lib1/index.ts", Hash: "abc"}}

	data, err := Marshal(g)
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, g.Edges(), back.Edges())
	assert.Equal(t, g.Nodes["lib1"].Files, back.Nodes["lib1"].Files)
}

func TestUnmarshal_RejectsBrokenInvariants(t *testing.T) {
	data := []byte(`{"nodes":{"a":{"name":"a","type":"library"}},"dependencies":{"a":[{"source":"a","target":"b","type":"static"}]}}`)
	_, err := Unmarshal(data)
	assert.True(t, errors.Is(err, ErrInvalidGraph))
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, chainGraph(t)))
	assert.Equal(t,
		"app1 [application] -> lib1(static)\nlib1 [library] -> lib2(static)\nlib2 [library]\n",
		buf.String())
}

func TestDependsOnRule_Decoding(t *testing.T) {
	t.Run("yaml shorthand and mapping", func(t *testing.T) {
		var rules []DependsOnRule
		src := "- ^build\n- lint\n- target: test\n  projects: dependencies\n  params: forward\n- target: prep\n"
		require.NoError(t, yaml.Unmarshal([]byte(src), &rules))
		assert.Equal(t, []DependsOnRule{
			{Target: "build", Projects: ScopeDependencies},
			{Target: "lint", Projects: ScopeSelf},
			{Target: "test", Projects: ScopeDependencies, Params: ParamsForward},
			{Target: "prep", Projects: ScopeSelf},
		}, rules)
	})

	t.Run("json shorthand and object", func(t *testing.T) {
		var rules []DependsOnRule
		require.NoError(t, json.Unmarshal([]byte(`["^build", {"target":"gen"}]`), &rules))
		assert.Equal(t, []DependsOnRule{
			{Target: "build", Projects: ScopeDependencies},
			{Target: "gen", Projects: ScopeSelf},
		}, rules)
	})

	assert.Equal(t, "^build", DependsOnRule{Target: "build", Projects: ScopeDependencies}.String())
}

func TestProjectNode_Field(t *testing.T) {
	n := &ProjectNode{Name: "lib1", Root: "libs/lib1", Type: NodeLibrary, Tags: []string{"scope:shared", "type:util"}}

	tests := []struct {
		field string
		want  string
		ok    bool
	}{
		{"name", "lib1", true},
		{"root", "libs/lib1", true},
		{"sourceRoot", "libs/lib1", true},
		{"type", "library", true},
		{"tags", "scope:shared,type:util", true},
		{"unknown", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, ok := n.Field(tt.field)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargetConfig_MergedOptions(t *testing.T) {
	tc := TargetConfig{
		Options:        map[string]any{"mode": "dev", "minify": false},
		Configurations: map[string]map[string]any{"production": {"minify": true}},
	}
	assert.Equal(t, map[string]any{"mode": "dev", "minify": true}, tc.MergedOptions("production"))
	assert.Equal(t, map[string]any{"mode": "dev", "minify": false}, tc.MergedOptions(""))
	assert.True(t, tc.HasConfiguration("production"))
	assert.False(t, tc.HasConfiguration("staging"))
}

func TestRootIndex_Owner(t *testing.T) {
	ix := NewRootIndex(map[string]string{
		"web":    "apps/web",
		"web-ui": "apps/web/ui",
		"lib1":   "./libs/lib1",
	})

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"apps/web/src/main.ts", "web", true},
		{"apps/web/ui/button.tsx", "web-ui", true},
		{"apps/web", "web", true},
		{"apps/webby/index.ts", "", false},
		{"libs/lib1/index.ts", "lib1", true},
		{"./libs/lib1/a/../b.ts", "lib1", true},
		{"../outside.ts", "", false},
		{"tools/x.sh", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := ix.Owner(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	withRoot := NewRootIndex(map[string]string{"root": ".", "lib1": "libs/lib1"})
	got, ok := withRoot.Owner("tools/x.sh")
	assert.True(t, ok)
	assert.Equal(t, "root", got)
}
