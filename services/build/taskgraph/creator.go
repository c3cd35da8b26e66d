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

	"github.com/AleutianAI/meridian/services/build/graph"
)

// Creator expands target requests into task graphs.
//
// A Creator is not safe for concurrent use.
type Creator struct {
	g *graph.ProjectGraph
	// defaults apply to targets that declare no dependsOn rules.
	defaults map[string][]graph.DependsOnRule

	tg       *TaskGraph
	expanded map[string]bool
	onPath   map[string]bool
	path     []string
}

// NewCreator returns a creator over g. rules maps a target name to the
// dependency rules used when a target declares none; it may be nil.
func NewCreator(g *graph.ProjectGraph, rules map[string][]graph.DependsOnRule) *Creator {
	return &Creator{g: g, defaults: rules}
}

// Create builds the task graph for requests.
//
// Overrides are interpolated against each requested project and forwarded
// to dependency tasks whose rule sets params: forward.
//
// Outputs:
//
//	*TaskGraph - The acyclic task graph, or nil on error.
//	error - A *RequestError wrapping ErrUnknownProject, ErrUnknownTarget or
//	ErrUnknownConfiguration, or a *CycleError.
func (c *Creator) Create(requests []Target, overrides map[string]any) (*TaskGraph, error) {
	c.tg = NewTaskGraph()
	c.expanded = make(map[string]bool)
	c.onPath = make(map[string]bool)
	c.path = nil

	resolved := make([]Target, 0, len(requests))
	for _, req := range requests {
		t, err := c.checkRequest(req)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, t)
	}

	for _, t := range resolved {
		node := c.g.Nodes[t.Project]
		ov := InterpolateMap(overrides, node)
		task := c.addTask(node, t.Target, t.Configuration, ov)
		if err := c.expand(task, ov); err != nil {
			return nil, err
		}
	}

	c.tg.finalize()
	return c.tg, nil
}

func (c *Creator) checkRequest(req Target) (Target, error) {
	node, ok := c.g.Nodes[req.Project]
	if !ok || node.Type == graph.NodeExternal {
		return Target{}, &RequestError{ID: req.ID(), Err: ErrUnknownProject}
	}
	tc, ok := node.Targets[req.Target]
	if !ok {
		return Target{}, &RequestError{ID: req.ID(), Err: ErrUnknownTarget}
	}
	if req.Configuration == "" {
		req.Configuration = tc.DefaultConfiguration
	} else if !tc.HasConfiguration(req.Configuration) {
		return Target{}, &RequestError{ID: req.ID(), Err: ErrUnknownConfiguration}
	}
	return req, nil
}

// addTask returns the task for (node, target, configuration), creating it
// on first use.
func (c *Creator) addTask(node *graph.ProjectNode, target, configuration string, overrides map[string]any) *Task {
	t := Target{Project: node.Name, Target: target, Configuration: configuration}
	id := t.ID()
	if task, ok := c.tg.Tasks[id]; ok {
		return task
	}

	tc := node.Targets[target]
	options := InterpolateMap(tc.MergedOptions(configuration), node)
	for k, v := range overrides {
		options[k] = v
	}
	outputs := make([]string, len(tc.Outputs))
	for i, o := range tc.Outputs {
		outputs[i] = InterpolateString(o, node)
	}

	task := &Task{
		ID:          id,
		Target:      t,
		Overrides:   overrides,
		Options:     options,
		Outputs:     outputs,
		Executor:    tc.Executor,
		ProjectRoot: node.Root,
	}
	c.tg.Tasks[id] = task
	if _, ok := c.tg.Dependencies[id]; !ok {
		c.tg.Dependencies[id] = nil
	}
	return task
}

func (c *Creator) expand(task *Task, overrides map[string]any) error {
	if c.expanded[task.ID] {
		return nil
	}
	c.onPath[task.ID] = true
	c.path = append(c.path, task.ID)

	node := c.g.Nodes[task.Target.Project]
	rules := node.Targets[task.Target.Target].DependsOn
	if len(rules) == 0 {
		rules = c.defaults[task.Target.Target]
	}

	for _, rule := range rules {
		var forwarded map[string]any
		if rule.Params == graph.ParamsForward {
			forwarded = overrides
		}
		switch rule.Projects {
		case graph.ScopeSelf:
			if !node.HasTarget(rule.Target) {
				continue
			}
			if err := c.link(task, node, rule.Target, forwarded); err != nil {
				return err
			}
		case graph.ScopeDependencies:
			if err := c.walkDependencies(task, node.Name, rule.Target, forwarded, make(map[string]bool)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: invalid dependsOn scope %q", task.ID, rule.Projects)
		}
	}

	c.path = c.path[:len(c.path)-1]
	delete(c.onPath, task.ID)
	c.expanded[task.ID] = true
	return nil
}

// walkDependencies links from to target in every dependency of project,
// descending through dependencies that lack the target.
func (c *Creator) walkDependencies(from *Task, project, target string, overrides map[string]any, seen map[string]bool) error {
	for _, dep := range c.g.DependenciesOf(project) {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		node := c.g.Nodes[dep]
		if node == nil || node.Type == graph.NodeExternal {
			continue
		}
		if node.HasTarget(target) {
			if err := c.link(from, node, target, overrides); err != nil {
				return err
			}
			continue
		}
		if err := c.walkDependencies(from, dep, target, overrides, seen); err != nil {
			return err
		}
	}
	return nil
}

// link adds the dependency from -> (node, target) and expands it.
func (c *Creator) link(from *Task, node *graph.ProjectNode, target string, overrides map[string]any) error {
	configuration := dependencyConfiguration(node.Targets[target], from.Target.Configuration)
	id := Target{Project: node.Name, Target: target, Configuration: configuration}.ID()
	if c.onPath[id] {
		return &CycleError{Path: cyclePath(c.path, id)}
	}
	dep := c.addTask(node, target, configuration, overrides)
	c.tg.Dependencies[from.ID] = append(c.tg.Dependencies[from.ID], dep.ID)
	return c.expand(dep, overrides)
}

// dependencyConfiguration keeps the dependent's configuration when the
// dependency declares it, and falls back to the dependency's default.
func dependencyConfiguration(tc graph.TargetConfig, configuration string) string {
	if configuration != "" && tc.HasConfiguration(configuration) {
		return configuration
	}
	return tc.DefaultConfiguration
}
