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
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// GitIgnoreFile is the per-directory ignore file honored by the scanner.
const GitIgnoreFile = ".gitignore"

// gitIgnores holds the compiled .gitignore of every directory seen so far.
// Directories must be loaded parent first, which a top-down walk does.
type gitIgnores struct {
	root  string
	byDir map[string]*ignore.GitIgnore
}

func newGitIgnores(root string) *gitIgnores {
	return &gitIgnores{root: root, byDir: make(map[string]*ignore.GitIgnore)}
}

// load compiles dir/.gitignore if present. dir is slash separated and
// relative to the root, "." for the root itself.
func (g *gitIgnores) load(dir string) error {
	data, err := os.ReadFile(filepath.Join(g.root, filepath.FromSlash(dir), GitIgnoreFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	g.byDir[dir] = ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
	return nil
}

// ignored reports whether rel is ignored by the .gitignore of any
// enclosing directory. Patterns are matched relative to the directory
// that declares them.
func (g *gitIgnores) ignored(rel string, isDir bool) bool {
	if len(g.byDir) == 0 {
		return false
	}
	dir := path.Dir(rel)
	for {
		if gi, ok := g.byDir[dir]; ok {
			sub := rel
			if dir != "." {
				sub = strings.TrimPrefix(rel, dir+"/")
			}
			if isDir {
				sub += "/"
			}
			if gi.MatchesPath(sub) {
				return true
			}
		}
		if dir == "." {
			return false
		}
		dir = path.Dir(dir)
	}
}
