// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestOpen_Persistent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "graph")
	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return PutJSON(txn, "k", record{Name: "lib1", Count: 2})
	}))
	require.NoError(t, db.Close())

	db2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db2.Close()

	var got record
	require.NoError(t, db2.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, "k", &got)
	}))
	assert.Equal(t, record{Name: "lib1", Count: 2}, got)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestGetJSON_Missing(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	err = db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		var r record
		return GetJSON(txn, "absent", &r)
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWithTxn_RollsBackOnError(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		require.NoError(t, PutJSON(txn, "k", record{Name: "x"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var r record
		return GetJSON(txn, "k", &r)
	})
	assert.True(t, errors.Is(err, ErrNotFound))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = db.WithTxn(cancelled, func(*badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGCRunner(t *testing.T) {
	_, err := NewGCRunner(nil, time.Second, 0.5, nil)
	assert.Error(t, err)

	db, err := Open(Config{Path: t.TempDir(), GCInterval: 10 * time.Millisecond, GCDiscardRatio: 0.5})
	require.NoError(t, err)

	_, err = NewGCRunner(db.DB, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, time.Second, 1.5, nil)
	assert.Error(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, db.Close())
}
