// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hasher computes deterministic content fingerprints for tasks.
//
// A task hash combines, in a fixed order: the hash format version, the
// command identity (target, configuration, executor, options, outputs),
// the source tree of the task's project and every project it transitively
// depends on, the implicit global inputs (lockfiles, global files, and
// configured globs), and the output of runtime probes.
//
// # Thread Safety
//
// Hasher is safe for concurrent use. Per-project hashes and the global
// inputs are computed once per Hasher and shared.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/manifest"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// Version is folded into every hash. Bump it when the composition changes.
const Version = "meridian-hash-1"

// DefaultConcurrency bounds concurrent task hashing in HashTasks.
const DefaultConcurrency = 8

// Hash is a task fingerprint and the inputs behind it.
type Hash struct {
	Value   string                `json:"value"`
	Details taskgraph.HashDetails `json:"details"`
}

// Hasher computes task hashes over one project graph snapshot.
type Hasher struct {
	g      *graph.ProjectGraph
	root   string
	cfg    workspace.Config
	probes ProbeRunner
	logger *slog.Logger

	version     string
	concurrency int

	group    singleflight.Group
	mu       sync.Mutex
	ownHash  map[string]string
	globals  *globalInputs
	runtimes map[string]string
}

type globalInputs struct {
	files map[string]string
	hash  string
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hasher) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithProbeRunner replaces the shell probe runner.
func WithProbeRunner(r ProbeRunner) Option {
	return func(h *Hasher) {
		if r != nil {
			h.probes = r
		}
	}
}

// WithVersion overrides the hash format version.
func WithVersion(v string) Option {
	return func(h *Hasher) { h.version = v }
}

// WithConcurrency bounds concurrent hashing in HashTasks.
func WithConcurrency(n int) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// New creates a hasher for the graph and workspace.
func New(g *graph.ProjectGraph, ws *workspace.Workspace, opts ...Option) *Hasher {
	h := &Hasher{
		g:           g,
		root:        ws.Root,
		cfg:         ws.Config,
		probes:      ShellProbeRunner{Dir: ws.Root},
		logger:      slog.Default(),
		version:     Version,
		concurrency: DefaultConcurrency,
		ownHash:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HashTask computes the hash of one task.
//
// Outputs:
//
//	Hash - The fingerprint and its details.
//	error - A *ProbeError when a runtime probe fails, or an I/O error.
func (h *Hasher) HashTask(ctx context.Context, task *taskgraph.Task) (Hash, error) {
	node, ok := h.g.Nodes[task.Target.Project]
	if !ok {
		return Hash{}, fmt.Errorf("hash %s: %w: %s", task.ID, graph.ErrUnknownNode, task.Target.Project)
	}

	command, err := commandIdentity(task)
	if err != nil {
		return Hash{}, fmt.Errorf("hash %s: %w", task.ID, err)
	}

	nodes, err := h.treeHashes(ctx, node.Name)
	if err != nil {
		return Hash{}, fmt.Errorf("hash %s: %w", task.ID, err)
	}

	globals, err := h.globalInputs()
	if err != nil {
		return Hash{}, fmt.Errorf("hash %s: %w", task.ID, err)
	}

	runtime, err := h.runtimeInputs(ctx)
	if err != nil {
		return Hash{}, fmt.Errorf("hash %s: %w", task.ID, err)
	}

	d := newDigest()
	d.add(h.version)
	d.add(hashString(command))
	d.add(hashMap(nodes))
	d.add(globals.hash)
	d.add(hashMap(runtime))

	return Hash{
		Value: d.sum(),
		Details: taskgraph.HashDetails{
			Command:      command,
			Nodes:        nodes,
			ImplicitDeps: copyMap(globals.files),
			Runtime:      copyMap(runtime),
		},
	}, nil
}

// HashTasks hashes tasks concurrently and assigns Hash and HashDetails.
// Results do not depend on completion order.
func (h *Hasher) HashTasks(ctx context.Context, tasks []*taskgraph.Task) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	results := make([]Hash, len(tasks))
	for i, task := range tasks {
		g.Go(func() error {
			res, err := h.HashTask(ctx, task)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, task := range tasks {
		details := results[i].Details
		task.Hash = results[i].Value
		task.HashDetails = &details
	}
	return nil
}

// commandIdentity renders everything about the task invocation itself.
// encoding/json sorts map keys, so equal options render equally.
func commandIdentity(task *taskgraph.Task) (string, error) {
	data, err := json.Marshal(struct {
		Target   taskgraph.Target `json:"target"`
		Executor string           `json:"executor"`
		Options  map[string]any   `json:"options"`
		Outputs  []string         `json:"outputs"`
	}{task.Target, task.Executor, task.Options, task.Outputs})
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}
	return string(data), nil
}

// treeHashes returns the own hash of name and of every node it reaches.
// Reachability handles dependency cycles in the project graph.
func (h *Hasher) treeHashes(ctx context.Context, name string) (map[string]string, error) {
	reach := h.g.Reachable([]string{name})
	names := make([]string, 0, len(reach))
	for n := range reach {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, n := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := h.projectHash(n)
			if err != nil {
				return err
			}
			mu.Lock()
			out[n] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// projectHash hashes one node's own files and target configuration,
// memoized per Hasher.
func (h *Hasher) projectHash(name string) (string, error) {
	h.mu.Lock()
	if v, ok := h.ownHash[name]; ok {
		h.mu.Unlock()
		return v, nil
	}
	h.mu.Unlock()

	v, err, _ := h.group.Do("project:"+name, func() (any, error) {
		node := h.g.Nodes[name]
		d := newDigest()
		d.add(name)
		d.add(string(node.Type))
		if node.Type == graph.NodeExternal {
			d.add(node.Version)
		} else {
			d.add(node.Root)
			files := append([]graph.FileData(nil), node.Files...)
			sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
			for _, f := range files {
				d.add(f.Path)
				d.add(f.Hash)
			}
			targets, err := json.Marshal(node.Targets)
			if err != nil {
				return "", fmt.Errorf("encode targets of %s: %w", name, err)
			}
			d.add(string(targets))
		}
		sum := d.sum()

		h.mu.Lock()
		h.ownHash[name] = sum
		h.mu.Unlock()
		return sum, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// globalInputs hashes lockfiles, global files, and files matching the
// configured global input globs. Missing fixed files are skipped.
func (h *Hasher) globalInputs() (*globalInputs, error) {
	v, err, _ := h.group.Do("globals", func() (any, error) {
		h.mu.Lock()
		if h.globals != nil {
			g := h.globals
			h.mu.Unlock()
			return g, nil
		}
		h.mu.Unlock()

		known := make(map[string]string, len(h.g.AllWorkspaceFiles))
		for _, f := range h.g.AllWorkspaceFiles {
			known[f.Path] = f.Hash
		}

		files := make(map[string]string)
		fixed := append(append([]string{"package.json"}, workspace.LockFiles...), h.cfg.GlobalFiles...)
		for _, p := range fixed {
			if v, ok := known[p]; ok {
				files[p] = v
				continue
			}
			sum, err := manifest.HashFile(filepath.Join(h.root, filepath.FromSlash(p)))
			switch {
			case err == nil:
				files[p] = sum
			case !errors.Is(err, os.ErrNotExist):
				return nil, fmt.Errorf("hash global input %s: %w", p, err)
			}
		}
		for _, f := range h.g.AllWorkspaceFiles {
			if manifest.MatchAny(h.cfg.GlobalInputs, f.Path) {
				files[f.Path] = f.Hash
			}
		}

		g := &globalInputs{files: files, hash: hashMap(files)}
		h.mu.Lock()
		h.globals = g
		h.mu.Unlock()
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*globalInputs), nil
}

// runtimeInputs runs every configured probe once per Hasher.
func (h *Hasher) runtimeInputs(ctx context.Context) (map[string]string, error) {
	v, err, _ := h.group.Do("runtime", func() (any, error) {
		h.mu.Lock()
		if h.runtimes != nil {
			r := h.runtimes
			h.mu.Unlock()
			return r, nil
		}
		h.mu.Unlock()

		out := make(map[string]string, len(h.cfg.RuntimeInputs))
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, command := range h.cfg.RuntimeInputs {
			g.Go(func() error {
				value, err := h.probes.Run(gctx, command)
				if err != nil {
					return err
				}
				mu.Lock()
				out[command] = value
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		h.logger.Debug("runtime inputs probed", slog.Int("probes", len(out)))

		h.mu.Lock()
		h.runtimes = out
		h.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

// digest writes length prefixed components so that component boundaries
// cannot collide.
type digest struct {
	h hash.Hash
}

func newDigest() *digest {
	return &digest{h: sha256.New()}
}

func (d *digest) add(s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	d.h.Write(n[:])
	d.h.Write([]byte(s))
}

func (d *digest) sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

func hashString(s string) string {
	d := newDigest()
	d.add(s)
	return d.sum()
}

// hashMap hashes a map in sorted key order.
func hashMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := newDigest()
	for _, k := range keys {
		d.add(k)
		d.add(m[k])
	}
	return d.sum()
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
