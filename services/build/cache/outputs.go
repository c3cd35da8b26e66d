// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/meridian/services/build/manifest"
)

// staticPrefix returns the leading path segments of a glob that contain no
// pattern characters.
func staticPrefix(p string) string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if manifest.IsPattern(seg) {
			break
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return "."
	}
	return strings.Join(out, "/")
}

// collectOutputs lists the workspace relative files matching outputs.
func collectOutputs(root string, outputs []string) ([]string, error) {
	set := make(map[string]bool)
	for _, out := range outputs {
		out = path.Clean(strings.TrimPrefix(filepath.ToSlash(out), "./"))
		start := out
		if manifest.IsPattern(out) {
			start = staticPrefix(out)
		}
		abs, err := manifest.Resolve(root, start)
		if err != nil {
			return nil, err
		}
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if manifest.MatchOutput(out, rel) {
				set[rel] = true
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collect output %s: %w", out, err)
		}
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// copyOutputsIn copies matching workspace files into dst and returns
// their records sorted by path.
func copyOutputsIn(root string, outputs []string, dst string) ([]OutputFile, error) {
	rels, err := collectOutputs(root, outputs)
	if err != nil {
		return nil, err
	}
	files := make([]OutputFile, 0, len(rels))
	for _, rel := range rels {
		src := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(src)
		if err != nil {
			return nil, err
		}
		sum, err := copyFile(src, filepath.Join(dst, filepath.FromSlash(rel)), info.Mode().Perm())
		if err != nil {
			return nil, err
		}
		files = append(files, OutputFile{Path: rel, Hash: sum, Mode: info.Mode().Perm(), Size: info.Size()})
	}
	return files, nil
}

// containsRoot reports whether clearing out would remove a protected
// directory or anything above one.
func containsRoot(out string, protected []string) bool {
	for _, p := range protected {
		p = path.Clean(strings.TrimPrefix(filepath.ToSlash(p), "./"))
		if out == p || strings.HasPrefix(p, out+"/") {
			return true
		}
	}
	return false
}

// copyOutputsOut restores stored files belonging to outputs into root.
// Non-glob outputs are cleared first so stale files do not survive, unless
// they are the workspace root or hold a protected directory.
func copyOutputsOut(src, root string, outputs []string, files []OutputFile, protected []string) error {
	for _, out := range outputs {
		out = path.Clean(strings.TrimPrefix(filepath.ToSlash(out), "./"))
		if manifest.IsPattern(out) {
			continue
		}
		target, err := manifest.Resolve(root, out)
		if err != nil {
			return err
		}
		if target == root || containsRoot(out, protected) {
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("clear output %s: %w", out, err)
		}
	}

	for _, f := range files {
		wanted := false
		for _, out := range outputs {
			if manifest.MatchOutput(out, f.Path) {
				wanted = true
				break
			}
		}
		if !wanted {
			continue
		}
		dst, err := manifest.Resolve(root, f.Path)
		if err != nil {
			return err
		}
		if _, err := copyFile(filepath.Join(src, filepath.FromSlash(f.Path)), dst, f.Mode); err != nil {
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
	}
	return nil
}

// copyFile copies src to dst, creating parent directories, and returns
// the content hash.
func copyFile(src, dst string, mode os.FileMode) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
