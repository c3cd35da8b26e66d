// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest scans the workspace, fingerprints files, and compares
// scans.
//
// A Manifest maps workspace relative paths (forward slashes) to SHA256
// content fingerprints. The project graph builder slices it per project
// root, the hasher folds it into task hashes, and the graph store keeps the
// previous manifest so unchanged files are not re-read.
//
// # Thread Safety
//
// Scanner is safe for concurrent use. A Manifest must not be modified after
// it is handed to other components.
package manifest

import (
	"errors"
	"fmt"
)

// Sentinel errors for manifest operations.
var (
	// ErrInvalidRoot is returned when the scan root is missing or not a directory.
	ErrInvalidRoot = errors.New("invalid scan root")

	// ErrFileTooLarge is recorded when a file exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large to hash")

	// ErrPathTraversal is returned when a path escapes the scan root.
	ErrPathTraversal = errors.New("path escapes scan root")
)

// ScanError records a file that could not be fingerprinted. Scanning
// continues past it.
type ScanError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e ScanError) Unwrap() error {
	return e.Err
}
