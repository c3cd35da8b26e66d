// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskgraph expands requested targets into an acyclic graph of
// tasks.
//
// Each requested (project, target, configuration) becomes a task. Its
// dependsOn rules are resolved recursively against the project graph:
// "dependencies" rules reach the same target in dependency projects,
// passing through projects that lack it, and "self" rules reach another
// target of the same project. Cycles abort creation with a CycleError.
package taskgraph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for task graph creation.
var (
	// ErrUnknownProject is returned when a request names a project missing
	// from the graph.
	ErrUnknownProject = errors.New("unknown project")

	// ErrUnknownTarget is returned when a requested project lacks the target.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrUnknownConfiguration is returned when a requested target lacks the
	// configuration.
	ErrUnknownConfiguration = errors.New("unknown configuration")

	// ErrCycle is wrapped by CycleError.
	ErrCycle = errors.New("circular task dependency")
)

// CycleError names every task on a dependency cycle. The first and last
// entries are the same task.
type CycleError struct {
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCycle for errors.Is support.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// RequestError ties a request failure to the offending task id.
type RequestError struct {
	ID  string
	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %v", e.ID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RequestError) Unwrap() error {
	return e.Err
}
