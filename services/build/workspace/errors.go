// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for workspace loading.
var (
	// ErrConfigNotFound is returned when no meridian.yaml exists at the root.
	ErrConfigNotFound = errors.New("workspace configuration not found")

	// ErrInvalidConfig is returned when the configuration fails validation.
	ErrInvalidConfig = errors.New("invalid workspace configuration")

	// ErrProjectCollision is returned when two projects claim the same name.
	ErrProjectCollision = errors.New("project name collision")
)

// CollisionError reports two project roots that resolve to one name.
type CollisionError struct {
	Name  string
	Roots []string
}

// Error implements the error interface.
func (e *CollisionError) Error() string {
	return fmt.Sprintf("%v: %q is claimed by %s", ErrProjectCollision, e.Name, strings.Join(e.Roots, " and "))
}

// Unwrap returns ErrProjectCollision for errors.Is support.
func (e *CollisionError) Unwrap() error {
	return ErrProjectCollision
}

// ValidationError lists every problem found in one validation pass.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v:\n  - %s", ErrInvalidConfig, strings.Join(e.Problems, "\n  - "))
}

// Unwrap returns ErrInvalidConfig for errors.Is support.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}
