// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the project graph model shared by every build component.
//
// A ProjectGraph holds project nodes keyed by name and typed dependency edges
// keyed by their source. Builders populate it once per invocation; afterwards
// it is treated as an immutable snapshot and handed to the affected filter,
// the task graph creator, and the hasher.
//
// # Thread Safety
//
// ProjectGraph is NOT safe for concurrent mutation. Once built, concurrent
// reads are safe.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph operations.
var (
	// ErrUnknownNode is returned when an edge references a node that has not
	// been added to the graph.
	ErrUnknownNode = errors.New("unknown project node")

	// ErrDuplicateNode is returned when a node name is added twice.
	ErrDuplicateNode = errors.New("duplicate project node")

	// ErrInvalidEdgeType is returned for edge types outside the known set.
	ErrInvalidEdgeType = errors.New("invalid edge type")

	// ErrInvalidGraph is returned when a graph violates its structural invariants.
	ErrInvalidGraph = errors.New("invalid project graph")
)

// EdgeError describes a rejected edge.
type EdgeError struct {
	Source string
	Target string
	Type   EdgeType
	Err    error
}

// Error implements the error interface.
func (e *EdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s (%s): %v", e.Source, e.Target, e.Type, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *EdgeError) Unwrap() error {
	return e.Err
}
