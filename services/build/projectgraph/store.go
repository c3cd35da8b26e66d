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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/manifest"
	"github.com/AleutianAI/meridian/services/build/storage/badger"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// storeSchema changes whenever the persisted layout changes. A mismatch
// is treated as an empty store.
const storeSchema = "1"

const (
	keySchema           = "projectgraph/schema"
	keyGraph            = "projectgraph/graph"
	keyRootFingerprints = "projectgraph/root-fingerprints"
	keyManifest         = "projectgraph/manifest"
)

// Snapshot is the state persisted between invocations.
type Snapshot struct {
	Graph *graph.ProjectGraph
	// RootFingerprints maps each root-level file to its content hash. Missing
	// files map to "".
	RootFingerprints map[string]string
	Manifest         *manifest.Manifest
}

// Store persists snapshots in BadgerDB.
type Store struct {
	db *badger.DB
}

// NewStore wraps an open database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Load returns the last saved snapshot, or nil when none exists.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var schema string
		if err := badger.GetJSON(txn, keySchema, &schema); err != nil || schema != storeSchema {
			if err != nil && !errors.Is(err, badger.ErrNotFound) {
				return err
			}
			return nil
		}

		var raw json.RawMessage
		if err := badger.GetJSON(txn, keyGraph, &raw); err != nil {
			return err
		}
		g, err := graph.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("stored graph: %w", err)
		}

		out := &Snapshot{Graph: g, RootFingerprints: map[string]string{}, Manifest: manifest.NewManifest()}
		if err := badger.GetJSON(txn, keyRootFingerprints, &out.RootFingerprints); err != nil {
			return err
		}
		if err := badger.GetJSON(txn, keyManifest, out.Manifest); err != nil {
			return err
		}
		snap = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load graph snapshot: %w", err)
	}
	return snap, nil
}

// Save replaces the stored snapshot.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		data, err := graph.Marshal(snap.Graph)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(keyGraph), data); err != nil {
			return err
		}
		if err := badger.PutJSON(txn, keyRootFingerprints, snap.RootFingerprints); err != nil {
			return err
		}
		m := snap.Manifest
		if m == nil {
			m = manifest.NewManifest()
		}
		if err := badger.PutJSON(txn, keyManifest, m); err != nil {
			return err
		}
		return badger.PutJSON(txn, keySchema, storeSchema)
	})
	if err != nil {
		return fmt.Errorf("save graph snapshot: %w", err)
	}
	return nil
}

// Reset deletes every stored key.
func (s *Store) Reset() error {
	return s.db.DropAll()
}

// RootFingerprints hashes the root-level files of the workspace.
func RootFingerprints(root string) (map[string]string, error) {
	out := make(map[string]string, len(workspace.RootFiles))
	for _, name := range workspace.RootFiles {
		h, err := manifest.HashFile(filepath.Join(root, name))
		switch {
		case err == nil:
			out[name] = h
		case errors.Is(err, os.ErrNotExist):
			out[name] = ""
		default:
			return nil, fmt.Errorf("fingerprint %s: %w", name, err)
		}
	}
	return out, nil
}

// ChangedRootFiles lists files whose fingerprint differs. A nil previous
// map reports every file.
func ChangedRootFiles(previous, current map[string]string) []string {
	var changed []string
	for name, h := range current {
		if prev, ok := previous[name]; !ok || prev != h {
			changed = append(changed, name)
		}
	}
	for name := range previous {
		if _, ok := current[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// Load builds the workspace graph, reusing and refreshing the snapshot in
// store. A nil store builds from scratch.
func (b *Builder) Load(ctx context.Context, ws *workspace.Workspace, store *Store) (*graph.ProjectGraph, error) {
	current, err := RootFingerprints(ws.Root)
	if err != nil {
		return nil, err
	}

	var prev *Snapshot
	if store != nil {
		if prev, err = store.Load(ctx); err != nil {
			b.logger.Warn("graph snapshot ignored", slog.String("error", err.Error()))
			prev = nil
		}
	}

	var (
		prevGraph    *graph.ProjectGraph
		prevManifest *manifest.Manifest
		prevRoots    map[string]string
	)
	if prev != nil {
		prevGraph, prevManifest, prevRoots = prev.Graph, prev.Manifest, prev.RootFingerprints
	}

	files, err := b.Scan(ctx, ws, prevManifest)
	if err != nil {
		return nil, err
	}
	g, err := b.BuildFromManifest(ctx, ws, files, prevGraph, ChangedRootFiles(prevRoots, current))
	if err != nil {
		return nil, err
	}

	if store != nil {
		if err := store.Save(ctx, &Snapshot{Graph: g, RootFingerprints: current, Manifest: files}); err != nil {
			b.logger.Warn("graph snapshot not saved", slog.String("error", err.Error()))
		}
	}
	return g, nil
}
