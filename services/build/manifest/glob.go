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
	"path"
	"strings"
)

// GlobMatcher matches slash separated paths against include and exclude
// patterns.
//
// Patterns use path.Match syntax per segment, and a "**" segment matches
// zero or more whole segments. A pattern without a slash also matches the
// base name of a path, so "*.md" matches "docs/readme.md".
//
// Thread Safety: GlobMatcher is safe for concurrent use after creation.
type GlobMatcher struct {
	includes []string
	excludes []string
}

// NewGlobMatcher creates a matcher. Empty includes select everything.
func NewGlobMatcher(includes, excludes []string) *GlobMatcher {
	return &GlobMatcher{includes: includes, excludes: excludes}
}

// Match reports whether p is included and not excluded.
func (m *GlobMatcher) Match(p string) bool {
	if m.Excluded(p) {
		return false
	}
	if len(m.includes) == 0 {
		return true
	}
	return MatchAny(m.includes, p)
}

// Excluded reports whether p matches an exclude pattern.
func (m *GlobMatcher) Excluded(p string) bool {
	return MatchAny(m.excludes, p)
}

// ExcludesDir reports whether a whole directory can be skipped. A trailing
// "/**" in a pattern also matches the directory itself.
func (m *GlobMatcher) ExcludesDir(dir string) bool {
	return MatchAny(m.excludes, dir)
}

// MatchAny reports whether p matches any of the patterns.
func MatchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if Match(pattern, p) {
			return true
		}
	}
	return false
}

// Match reports whether the slash separated path p matches pattern.
func Match(pattern, p string) bool {
	pattern = strings.TrimPrefix(pattern, "./")
	p = strings.TrimPrefix(p, "./")
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(p))
		return ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(p, "/"))
}

func matchSegments(pattern, segs []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		segs = segs[1:]
	}
	return len(segs) == 0
}

// IsPattern reports whether p contains glob characters.
func IsPattern(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// MatchOutput reports whether the slash separated path p belongs to an
// output declaration. A plain declaration owns itself and everything below
// it; a pattern is matched with Match.
func MatchOutput(output, p string) bool {
	output = path.Clean(strings.TrimPrefix(output, "./"))
	if IsPattern(output) {
		return Match(output, p)
	}
	return p == output || strings.HasPrefix(p, output+"/")
}
