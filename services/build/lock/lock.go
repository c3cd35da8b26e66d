// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides advisory file locks shared between processes.
//
// The task cache takes a shared lock on an entry while restoring it and an
// exclusive lock while evicting it, so eviction in one process never removes
// an entry another process is reading.
//
// # Thread Safety
//
// Locks are held per open file. A Handle must not be released concurrently
// from multiple goroutines.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned by TryAcquire when a conflicting lock is held.
var ErrLocked = errors.New("file is locked")

// Mode selects a shared or an exclusive lock.
type Mode int

const (
	// Shared locks may be held by many holders at once.
	Shared Mode = iota
	// Exclusive locks exclude every other holder.
	Exclusive
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// FileLocker abstracts platform file locking.
//
// Unix uses flock(2), Windows uses LockFileEx.
type FileLocker interface {
	// TryLock acquires the lock without blocking. It returns ErrLocked when
	// a conflicting lock is held.
	TryLock(f *os.File, mode Mode) error

	// Unlock releases the lock. Safe to call when not locked.
	Unlock(f *os.File) error
}

// pollInterval is the retry delay of Acquire.
const pollInterval = 20 * time.Millisecond

// Handle is a held lock.
type Handle struct {
	f      *os.File
	mode   Mode
	locker FileLocker
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	return h.f.Name()
}

// Mode returns the held mode.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Release unlocks and closes the lock file. The file itself is kept.
func (h *Handle) Release() error {
	if h == nil || h.f == nil {
		return nil
	}
	unlockErr := h.locker.Unlock(h.f)
	closeErr := h.f.Close()
	h.f = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	return closeErr
}

// TryAcquire locks path without blocking, creating the file if needed.
func TryAcquire(path string, mode Mode) (*Handle, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	locker := newPlatformLocker()
	if err := locker.TryLock(f, mode); err != nil {
		f.Close()
		return nil, err
	}
	return &Handle{f: f, mode: mode, locker: locker}, nil
}

// Acquire locks path, retrying until the lock is free or ctx is done.
func Acquire(ctx context.Context, path string, mode Mode) (*Handle, error) {
	for {
		h, err := TryAcquire(path, mode)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s lock on %s: %w", mode, path, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return f, nil
}
