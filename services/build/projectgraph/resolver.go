// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package projectgraph

import (
	"path"
	"sort"
	"strings"

	"github.com/AleutianAI/meridian/services/build/graph"
)

type pathAlias struct {
	// key without the trailing "*" for wildcard aliases
	key      string
	wildcard bool
	target   string
}

type modulePath struct {
	path string
	dir  string
}

// importResolver maps an import specifier to the workspace project it
// refers to.
//
// Resolution order: relative paths, path aliases (exact before wildcard,
// longest wildcard first), package names declared in project package.json
// files, then Go module paths.
type importResolver struct {
	roots    *graph.RootIndex
	aliases  []pathAlias
	packages map[string]string
	modules  []modulePath
}

func newImportResolver(roots *graph.RootIndex, aliases map[string]string, packages map[string]string, modules []modulePath) *importResolver {
	r := &importResolver{roots: roots, packages: packages}
	for key, target := range aliases {
		a := pathAlias{key: key, target: strings.TrimPrefix(target, "./")}
		if strings.HasSuffix(key, "*") {
			a.key = strings.TrimSuffix(key, "*")
			a.wildcard = true
		}
		r.aliases = append(r.aliases, a)
	}
	sort.Slice(r.aliases, func(i, j int) bool {
		a, b := r.aliases[i], r.aliases[j]
		if a.wildcard != b.wildcard {
			return !a.wildcard
		}
		if len(a.key) != len(b.key) {
			return len(a.key) > len(b.key)
		}
		return a.key < b.key
	})
	r.modules = append(r.modules, modules...)
	sort.Slice(r.modules, func(i, j int) bool {
		return len(r.modules[i].path) > len(r.modules[j].path)
	})
	return r
}

// resolve returns the project an import in fromFile refers to.
func (r *importResolver) resolve(fromFile, spec string) (string, bool) {
	if spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") {
		return r.roots.Owner(path.Join(path.Dir(fromFile), spec))
	}

	for _, a := range r.aliases {
		switch {
		case !a.wildcard && spec == a.key:
			return r.roots.Owner(a.target)
		case a.wildcard && strings.HasPrefix(spec, a.key):
			rest := strings.TrimPrefix(spec, a.key)
			return r.roots.Owner(strings.Replace(a.target, "*", rest, 1))
		}
	}

	if name, ok := r.packages[npmPackageName(spec)]; ok {
		return name, true
	}

	for _, m := range r.modules {
		if spec == m.path {
			return r.roots.Owner(m.dir)
		}
		if strings.HasPrefix(spec, m.path+"/") {
			return r.roots.Owner(path.Join(m.dir, strings.TrimPrefix(spec, m.path+"/")))
		}
	}
	return "", false
}

// npmPackageName strips a subpath from a bare specifier:
// "@scope/pkg/deep" -> "@scope/pkg", "pkg/deep" -> "pkg".
func npmPackageName(spec string) string {
	parts := strings.SplitN(spec, "/", 3)
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}
