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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Scanner defaults.
const (
	DefaultMaxFileSize = 100 * 1024 * 1024
)

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// Scanner walks a directory tree and fingerprints every matching file.
//
// Thread Safety: Scanner is safe for concurrent use.
type Scanner struct {
	matcher     *GlobMatcher
	maxFileSize int64
	concurrency int
	gitIgnore   bool
}

// NewScanner creates a Scanner.
//
// Defaults: no include filter, no excludes, 100MB size limit, and
// GOMAXPROCS hashing workers.
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		matcher:     NewGlobMatcher(nil, nil),
		maxFileSize: DefaultMaxFileSize,
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithPatterns sets the include and exclude globs.
func WithPatterns(includes, excludes []string) ScannerOption {
	return func(s *Scanner) {
		s.matcher = NewGlobMatcher(includes, excludes)
	}
}

// WithGitIgnore makes the scanner skip paths ignored by .gitignore files
// inside the scanned tree.
func WithGitIgnore(enabled bool) ScannerOption {
	return func(s *Scanner) {
		s.gitIgnore = enabled
	}
}

// WithMaxFileSize sets the largest file that will be hashed. Zero disables
// the limit.
func WithMaxFileSize(bytes int64) ScannerOption {
	return func(s *Scanner) {
		s.maxFileSize = bytes
	}
}

// WithConcurrency sets the number of hashing workers.
func WithConcurrency(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Scan walks root and returns a manifest of all matching regular files.
//
// Description:
//
//	Excluded directories are pruned during the walk, as are paths ignored
//	by a .gitignore when WithGitIgnore is set. Files whose size and
//	mtime equal the entry in previous reuse its hash without being read.
//	Symlinks are not followed. Unreadable or oversized files are recorded
//	in Manifest.Errors and skipped.
//
// Inputs:
//
//	ctx - Cancels the walk and outstanding hashing.
//	root - Directory to scan.
//	previous - Prior manifest of the same root, or nil.
//
// Outputs:
//
//	*Manifest - Files keyed by slash separated path relative to root.
//	error - ErrInvalidRoot, or the context error.
func (s *Scanner) Scan(ctx context.Context, root string, previous *Manifest) (*Manifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}

	result := NewManifest()
	var mu sync.Mutex
	record := func(entry FileEntry, scanErr *ScanError) {
		mu.Lock()
		defer mu.Unlock()
		if scanErr != nil {
			result.Errors = append(result.Errors, *scanErr)
			return
		}
		result.Files[entry.Path] = entry
	}

	var ignores *gitIgnores
	if s.gitIgnore {
		ignores = newGitIgnores(root)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	walkErr := filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if ctxErr := gctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, abs)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if err != nil {
			record(FileEntry{}, &ScanError{Path: rel, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if rel != "." && (s.matcher.ExcludesDir(rel) || (ignores != nil && ignores.ignored(rel, true))) {
				return fs.SkipDir
			}
			if ignores != nil {
				if err := ignores.load(rel); err != nil {
					record(FileEntry{}, &ScanError{Path: path.Join(rel, GitIgnoreFile), Err: err})
				}
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.matcher.Match(rel) {
			return nil
		}
		if ignores != nil && ignores.ignored(rel, false) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			record(FileEntry{}, &ScanError{Path: rel, Err: err})
			return nil
		}
		if s.maxFileSize > 0 && fi.Size() > s.maxFileSize {
			record(FileEntry{}, &ScanError{Path: rel, Err: fmt.Errorf("%w: %d bytes", ErrFileTooLarge, fi.Size())})
			return nil
		}

		entry := FileEntry{Path: rel, Size: fi.Size(), Mtime: fi.ModTime().UnixNano()}
		if previous != nil {
			if prev, ok := previous.Files[rel]; ok && prev.Size == entry.Size && prev.Mtime == entry.Mtime {
				entry.Hash = prev.Hash
				record(entry, nil)
				return nil
			}
		}

		g.Go(func() error {
			hash, err := HashFile(abs)
			if err != nil {
				record(FileEntry{}, &ScanError{Path: rel, Err: err})
				return nil
			}
			entry.Hash = hash
			record(entry, nil)
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	return result, nil
}

// HashFile returns the lowercase hex SHA256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the lowercase hex SHA256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Resolve joins a workspace relative path onto root and rejects paths that
// escape it.
func Resolve(root, rel string) (string, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	return abs, nil
}
