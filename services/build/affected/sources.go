// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package affected

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/meridian/services/build/projectgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// gitTimeout bounds each git invocation.
const gitTimeout = 30 * time.Second

// needsContent reports whether locators read the content of p.
func needsContent(p string) bool {
	if p == workspace.ConfigFileName {
		return true
	}
	base := path.Base(p)
	return base == projectgraph.PackageJSONFile || base == projectgraph.GoModFile
}

// FilesFromList builds touched files from explicit paths. Current content
// of manifest and configuration files is read from disk.
func FilesFromList(root string, paths []string) []TouchedFile {
	seen := make(map[string]bool, len(paths))
	var out []TouchedFile
	for _, p := range paths {
		p = path.Clean(strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(p)), "./"))
		if p == "." || p == "" || seen[p] {
			continue
		}
		seen[p] = true
		f := TouchedFile{Path: p}
		if needsContent(p) {
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
			switch {
			case err == nil:
				f.After = data
			case errors.Is(err, os.ErrNotExist):
				f.Deleted = true
			}
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// GitRange selects the revisions compared by FilesFromGit.
type GitRange struct {
	// Base is the revision changes are measured against.
	Base string
	// Head is the compared revision. Empty compares the working tree.
	Head string
	// Uncommitted adds staged, unstaged, and untracked changes.
	Uncommitted bool
}

// FilesFromGit lists files changed in the git repository containing root.
// Paths are relative to root. Previous content of manifest and
// configuration files is read with git show.
func FilesFromGit(ctx context.Context, root string, r GitRange) ([]TouchedFile, error) {
	names := make(map[string]bool)
	add := func(out string) {
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				names[line] = true
			}
		}
	}

	if r.Base != "" {
		args := []string{"diff", "--name-only", "--relative", "--no-renames"}
		if r.Head != "" {
			args = append(args, r.Base+"..."+r.Head)
		} else {
			args = append(args, r.Base)
		}
		out, err := runGit(ctx, root, args...)
		if err != nil {
			return nil, err
		}
		add(out)
	}
	if r.Uncommitted {
		out, err := runGit(ctx, root, "diff", "--name-only", "--relative", "--no-renames", "HEAD")
		if err != nil {
			return nil, err
		}
		add(out)
		out, err = runGit(ctx, root, "ls-files", "--others", "--exclude-standard")
		if err != nil {
			return nil, err
		}
		add(out)
	}

	base := r.Base
	if base == "" {
		base = "HEAD"
	}
	files := make([]TouchedFile, 0, len(names))
	for p := range names {
		f := TouchedFile{Path: p}
		if needsContent(p) {
			if data, err := runGitBytes(ctx, root, "show", base+":./"+p); err == nil {
				f.Before = data
			}
			if r.Head != "" && !r.Uncommitted {
				if data, err := runGitBytes(ctx, root, "show", r.Head+":./"+p); err == nil {
					f.After = data
				} else {
					f.Deleted = true
				}
			} else {
				data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
				switch {
				case err == nil:
					f.After = data
				case errors.Is(err, os.ErrNotExist):
					f.Deleted = true
				}
			}
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := runGitBytes(ctx, dir, args...)
	return strings.TrimSpace(string(out)), err
}

func runGitBytes(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("git %s: timeout after %v", args[0], gitTimeout)
		}
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// FilesFromPatch lists the files touched by a unified diff. Content is
// reconstructed for files the patch adds or deletes in full.
func FilesFromPatch(r io.Reader) ([]TouchedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read patch: %w", err)
	}
	diffs, err := diff.ParseMultiFileDiff(data)
	if err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}

	byPath := make(map[string]TouchedFile)
	for _, fd := range diffs {
		orig, cur := patchPath(fd.OrigName), patchPath(fd.NewName)
		switch {
		case cur == "" && orig != "":
			f := TouchedFile{Path: orig, Deleted: true}
			if needsContent(orig) {
				f.Before = hunkContent(fd.Hunks, '-')
			}
			byPath[orig] = f
		case orig == "" && cur != "":
			f := TouchedFile{Path: cur}
			if needsContent(cur) {
				f.After = hunkContent(fd.Hunks, '+')
			}
			byPath[cur] = f
		default:
			if orig != "" && orig != cur {
				byPath[orig] = TouchedFile{Path: orig, Deleted: true}
			}
			if cur != "" {
				byPath[cur] = TouchedFile{Path: cur}
			}
		}
	}

	out := make([]TouchedFile, 0, len(byPath))
	for _, f := range byPath {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// patchPath strips the a/ or b/ prefix. /dev/null maps to "".
func patchPath(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		name = name[2:]
	}
	return path.Clean(name)
}

// hunkContent joins the hunk lines that carry the given marker.
func hunkContent(hunks []*diff.Hunk, marker byte) []byte {
	var buf bytes.Buffer
	for _, h := range hunks {
		for _, line := range bytes.SplitAfter(h.Body, []byte("\n")) {
			if len(line) > 0 && line[0] == marker {
				buf.Write(line[1:])
			}
		}
	}
	return buf.Bytes()
}
