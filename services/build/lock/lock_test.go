// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_SharedAndExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "entry.lock")

	r1, err := TryAcquire(path, Shared)
	require.NoError(t, err)
	r2, err := TryAcquire(path, Shared)
	require.NoError(t, err)
	assert.Equal(t, Shared, r2.Mode())

	_, err = TryAcquire(path, Exclusive)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, r1.Release())
	require.NoError(t, r2.Release())

	w, err := TryAcquire(path, Exclusive)
	require.NoError(t, err)
	_, err = TryAcquire(path, Shared)
	assert.True(t, errors.Is(err, ErrLocked))
	require.NoError(t, w.Release())
	require.NoError(t, w.Release())
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.lock")
	w, err := TryAcquire(path, Exclusive)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = w.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := Acquire(ctx, path, Shared)
	require.NoError(t, err)
	assert.Equal(t, path, r.Path())
	require.NoError(t, r.Release())
}

func TestAcquire_ContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.lock")
	w, err := TryAcquire(path, Exclusive)
	require.NoError(t, err)
	defer w.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, path, Exclusive)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
