// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskgraph

import (
	"fmt"
	"sort"
	"strings"
)

// Target identifies one operation on one project.
type Target struct {
	Project       string `json:"project"`
	Target        string `json:"target"`
	Configuration string `json:"configuration,omitempty"`
}

// ID renders the task identifier "<project>:<target>[:<configuration>]".
func (t Target) ID() string {
	if t.Configuration == "" {
		return t.Project + ":" + t.Target
	}
	return t.Project + ":" + t.Target + ":" + t.Configuration
}

// ParseTarget parses a task identifier.
func ParseTarget(id string) (Target, error) {
	parts := strings.Split(id, ":")
	for _, p := range parts {
		if p == "" {
			return Target{}, fmt.Errorf("invalid task id %q", id)
		}
	}
	switch len(parts) {
	case 2:
		return Target{Project: parts[0], Target: parts[1]}, nil
	case 3:
		return Target{Project: parts[0], Target: parts[1], Configuration: parts[2]}, nil
	}
	return Target{}, fmt.Errorf("invalid task id %q: want project:target[:configuration]", id)
}

// HashDetails records the inputs folded into a task hash.
type HashDetails struct {
	Command      string            `json:"command"`
	Nodes        map[string]string `json:"nodes"`
	ImplicitDeps map[string]string `json:"implicitDeps"`
	Runtime      map[string]string `json:"runtime"`
}

// Task is one executable unit.
//
// Tasks are created once per run. Only Hash and HashDetails are assigned
// after creation, by the orchestrator.
type Task struct {
	ID     string `json:"id"`
	Target Target `json:"target"`

	// Overrides are caller supplied options, already interpolated against
	// the project the run was requested for.
	Overrides map[string]any `json:"overrides,omitempty"`

	// Options are the target options merged with the configuration and the
	// overrides, interpolated against this task's project.
	Options map[string]any `json:"options,omitempty"`

	// Outputs are workspace relative output paths or globs.
	Outputs []string `json:"outputs,omitempty"`

	Executor    string `json:"executor"`
	ProjectRoot string `json:"projectRoot"`

	Hash        string       `json:"hash,omitempty"`
	HashDetails *HashDetails `json:"hashDetails,omitempty"`
}

// TaskGraph is an acyclic graph of tasks.
type TaskGraph struct {
	Tasks map[string]*Task `json:"tasks"`
	// Dependencies maps a task id to the ids it waits for, sorted.
	Dependencies map[string][]string `json:"dependencies"`
	// Roots are the tasks without dependencies, sorted.
	Roots []string `json:"roots"`
}

// NewTaskGraph returns an empty graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		Tasks:        make(map[string]*Task),
		Dependencies: make(map[string][]string),
	}
}

// IDs returns every task id in sorted order.
func (tg *TaskGraph) IDs() []string {
	ids := make([]string, 0, len(tg.Tasks))
	for id := range tg.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependents inverts Dependencies.
func (tg *TaskGraph) Dependents() map[string][]string {
	out := make(map[string][]string, len(tg.Tasks))
	for _, id := range tg.IDs() {
		for _, dep := range tg.Dependencies[id] {
			out[dep] = append(out[dep], id)
		}
	}
	return out
}

// Validate checks that every dependency exists and the graph is acyclic.
func (tg *TaskGraph) Validate() error {
	for id, deps := range tg.Dependencies {
		if _, ok := tg.Tasks[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTarget, id)
		}
		for _, d := range deps {
			if _, ok := tg.Tasks[d]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownTarget, id, d)
			}
		}
	}

	const (
		white = iota
		gray
		black
	)
	type frame struct {
		id   string
		next int
	}
	color := make(map[string]int, len(tg.Tasks))
	var path []string
	for _, root := range tg.IDs() {
		if color[root] != white {
			continue
		}
		color[root] = gray
		stack := []frame{{id: root}}
		path = append(path[:0], root)
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := tg.Dependencies[top.id]
			if top.next == len(deps) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
				continue
			}
			d := deps[top.next]
			top.next++
			switch color[d] {
			case gray:
				return &CycleError{Path: cyclePath(path, d)}
			case white:
				color[d] = gray
				stack = append(stack, frame{id: d})
				path = append(path, d)
			}
		}
	}
	return nil
}

// cyclePath returns the suffix of stack starting at id, closed with id.
func cyclePath(stack []string, id string) []string {
	for i, s := range stack {
		if s == id {
			out := append([]string(nil), stack[i:]...)
			return append(out, id)
		}
	}
	return []string{id, id}
}

func (tg *TaskGraph) finalize() {
	tg.Roots = tg.Roots[:0]
	for id := range tg.Tasks {
		deps := tg.Dependencies[id]
		sort.Strings(deps)
		tg.Dependencies[id] = dedupe(deps)
		if len(deps) == 0 {
			tg.Roots = append(tg.Roots, id)
		}
	}
	sort.Strings(tg.Roots)
}

func dedupe(sorted []string) []string {
	if len(sorted) == 0 {
		return []string{}
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
