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
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/meridian/services/build/graph"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct constraints and the semantic rules that span
// fields: project roots, types, implicit dependency names, dependsOn rules,
// and executor references.
//
// All problems are collected and returned together in a *ValidationError.
func Validate(ws *Workspace) error {
	var problems []string

	if err := structValidator().Struct(ws.Config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	for _, name := range ws.ProjectNames() {
		p := ws.Projects[name]
		problems = append(problems, validateProject(ws, p)...)
	}

	for pattern, list := range ws.Config.ImplicitDependencies {
		problems = append(problems, validateProjectList(ws, "implicitDependencies["+pattern+"]", list)...)
	}
	for pattern, list := range ws.Config.ImplicitGraphEdges {
		problems = append(problems, validateProjectList(ws, "implicitGraphEdges["+pattern+"]", list)...)
	}
	for alias := range ws.Config.PathAliases {
		if strings.Count(alias, "*") > 1 {
			problems = append(problems, fmt.Sprintf("pathAliases[%s]: at most one wildcard allowed", alias))
		}
	}
	for tname, d := range ws.Config.TargetDefaults {
		problems = append(problems, validateRules("targetDefaults."+tname, d.DependsOn)...)
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ValidationError{Problems: problems}
}

func validateProject(ws *Workspace, p ProjectConfig) []string {
	var problems []string
	where := "projects." + p.Name

	if p.Root == "" || p.Root == "." && len(ws.Projects) > 1 {
		problems = append(problems, where+": root is required")
	}
	if strings.HasPrefix(path.Clean(p.Root), "..") {
		problems = append(problems, where+": root escapes the workspace")
	}
	if !p.Type.Valid() || p.Type == graph.NodeExternal {
		problems = append(problems, fmt.Sprintf("%s: invalid type %q", where, p.Type))
	}
	for _, dep := range p.ImplicitDependencies {
		if _, ok := ws.Projects[dep]; !ok {
			problems = append(problems, fmt.Sprintf("%s: implicit dependency on unknown project %q", where, dep))
		}
	}
	for _, tname := range sortedTargetNames(p.Targets) {
		tc := p.Targets[tname]
		tw := where + ".targets." + tname
		if tc.Executor == "" {
			problems = append(problems, tw+": executor is required")
		} else if !ws.HasExecutor(tc.Executor) {
			problems = append(problems, fmt.Sprintf("%s: unknown executor %q", tw, tc.Executor))
		}
		if tc.DefaultConfiguration != "" && !tc.HasConfiguration(tc.DefaultConfiguration) {
			problems = append(problems, fmt.Sprintf("%s: default configuration %q is not defined", tw, tc.DefaultConfiguration))
		}
		problems = append(problems, validateRules(tw, tc.DependsOn)...)
	}
	return problems
}

func validateRules(where string, rules []graph.DependsOnRule) []string {
	var problems []string
	for i, r := range rules {
		if r.Target == "" {
			problems = append(problems, fmt.Sprintf("%s.dependsOn[%d]: target is required", where, i))
		}
		if r.Projects != graph.ScopeDependencies && r.Projects != graph.ScopeSelf {
			problems = append(problems, fmt.Sprintf("%s.dependsOn[%d]: projects must be %q or %q, got %q",
				where, i, graph.ScopeDependencies, graph.ScopeSelf, r.Projects))
		}
		if r.Params != "" && r.Params != graph.ParamsForward && r.Params != graph.ParamsIgnore {
			problems = append(problems, fmt.Sprintf("%s.dependsOn[%d]: params must be %q or %q",
				where, i, graph.ParamsForward, graph.ParamsIgnore))
		}
	}
	return problems
}

func validateProjectList(ws *Workspace, where string, list ProjectList) []string {
	var problems []string
	for _, name := range list {
		if name == AllProjects {
			continue
		}
		if _, ok := ws.Projects[name]; !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown project %q", where, name))
		}
	}
	return problems
}

// HasExecutor reports whether id is a built-in or registered executor.
func (w *Workspace) HasExecutor(id string) bool {
	if id == ExecutorRunCommands || id == ExecutorNoop {
		return true
	}
	_, ok := w.Config.Executors[id]
	return ok
}

func sortedTargetNames(m map[string]graph.TargetConfig) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
