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
	"io"
	"strings"
)

// View is the serializable form of a graph handed to visualizers and
// reporters. Files are omitted to keep the payload small.
type View struct {
	Nodes []ViewNode `json:"nodes"`
	Edges []Edge     `json:"edges"`
}

// ViewNode is a node without its file list.
type ViewNode struct {
	Name    string   `json:"name"`
	Type    NodeType `json:"type"`
	Root    string   `json:"root,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// ToView converts the graph into its serializable form.
func (g *ProjectGraph) ToView() View {
	v := View{Nodes: make([]ViewNode, 0, len(g.Nodes)), Edges: g.Edges()}
	for _, name := range g.NodeNames() {
		n := g.Nodes[name]
		v.Nodes = append(v.Nodes, ViewNode{
			Name:    n.Name,
			Type:    n.Type,
			Root:    n.Root,
			Tags:    n.Tags,
			Targets: n.TargetNames(),
		})
	}
	if v.Edges == nil {
		v.Edges = []Edge{}
	}
	return v
}

// WriteJSON writes the graph view as indented JSON.
func WriteJSON(w io.Writer, g *ProjectGraph) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(g.ToView())
}

// WriteText writes one line per node followed by its dependencies.
func WriteText(w io.Writer, g *ProjectGraph) error {
	for _, name := range g.NodeNames() {
		n := g.Nodes[name]
		var deps []string
		for _, e := range g.Dependencies[name] {
			deps = append(deps, fmt.Sprintf("%s(%s)", e.Target, e.Type))
		}
		line := fmt.Sprintf("%s [%s]", name, n.Type)
		if len(deps) > 0 {
			line += " -> " + strings.Join(deps, ", ")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes the full graph, files included, for persistence.
func Marshal(g *ProjectGraph) ([]byte, error) {
	return json.Marshal(g)
}

// Unmarshal decodes a graph produced by Marshal and checks its invariants.
func Unmarshal(data []byte) (*ProjectGraph, error) {
	g := New()
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("decode project graph: %w", err)
	}
	if g.Nodes == nil {
		g.Nodes = make(map[string]*ProjectNode)
	}
	if g.Dependencies == nil {
		g.Dependencies = make(map[string][]Edge)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
