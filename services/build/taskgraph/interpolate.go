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
	"regexp"

	"github.com/AleutianAI/meridian/services/build/graph"
)

var projectToken = regexp.MustCompile(`\{project\.([A-Za-z]+)\}`)

// InterpolateString replaces {project.<field>} tokens with fields of node.
// Unknown fields are left untouched.
func InterpolateString(s string, node *graph.ProjectNode) string {
	return projectToken.ReplaceAllStringFunc(s, func(tok string) string {
		field := projectToken.FindStringSubmatch(tok)[1]
		if v, ok := node.Field(field); ok {
			return v
		}
		return tok
	})
}

// Interpolate returns a deep copy of v with every string interpolated.
func Interpolate(v any, node *graph.ProjectNode) any {
	switch t := v.(type) {
	case string:
		return InterpolateString(t, node)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Interpolate(e, node)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = InterpolateString(e, node)
		}
		return out
	case map[string]any:
		return InterpolateMap(t, node)
	}
	return v
}

// InterpolateMap interpolates every value of m into a new map.
func InterpolateMap(m map[string]any, node *graph.ProjectNode) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Interpolate(v, node)
	}
	return out
}
