// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/meridian/services/build/cache"
	"github.com/AleutianAI/meridian/services/build/executor"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
)

// fakeExecutor records invocations and returns scripted exit codes.
type fakeExecutor struct {
	name  string
	batch bool
	root  string
	delay time.Duration
	codes map[string]int
	// onStart runs before each invocation.
	onStart func(tasks []*taskgraph.Task)

	mu        sync.Mutex
	calls     [][]string
	active    int
	maxActive int
}

func (f *fakeExecutor) Name() string { return f.name }
func (f *fakeExecutor) Batch() bool  { return f.batch }

func (f *fakeExecutor) Execute(ctx context.Context, tasks []*taskgraph.Task) []executor.Result {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	f.mu.Lock()
	f.calls = append(f.calls, ids)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	if f.onStart != nil {
		f.onStart(tasks)
	}
	cancelled := false
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			cancelled = true
		}
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	out := make([]executor.Result, len(tasks))
	for i, t := range tasks {
		code := f.codes[t.ID]
		if cancelled {
			code = executor.ExitCancelled
		}
		if f.root != "" && code == 0 {
			p := filepath.Join(f.root, "dist", t.Target.Project, "out.txt")
			_ = os.MkdirAll(filepath.Dir(p), 0o755)
			_ = os.WriteFile(p, []byte("built "+t.ID), 0o644)
		}
		out[i] = executor.Result{TaskID: t.ID, Code: code, TerminalOutput: "ran " + t.ID + "\n", Duration: time.Millisecond}
	}
	return out
}

func (f *fakeExecutor) ran() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func (f *fakeExecutor) flat() []string {
	var out []string
	for _, c := range f.ran() {
		out = append(out, c...)
	}
	return out
}

type registry map[string]executor.Executor

func (r registry) Get(name string) (executor.Executor, error) {
	e, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", executor.ErrUnknownExecutor, name)
	}
	return e, nil
}

type fakeHasher struct {
	salt string
	err  error
}

func (h fakeHasher) HashTasks(_ context.Context, tasks []*taskgraph.Task) error {
	if h.err != nil {
		return h.err
	}
	for _, t := range tasks {
		t.Hash = fmt.Sprintf("%x", sha256.Sum256([]byte(h.salt+t.ID)))
		t.HashDetails = &taskgraph.HashDetails{Command: t.ID}
	}
	return nil
}

type fixedDurations map[string]time.Duration

func (d fixedDurations) Durations(context.Context, []string) (map[string]time.Duration, error) {
	return d, nil
}

// newGraph builds a task graph from "id" -> dependencies, all with the
// "fake" executor and a dist/<project> output.
func newGraph(deps map[string][]string, exec string) *taskgraph.TaskGraph {
	tg := taskgraph.NewTaskGraph()
	for id, d := range deps {
		target, err := taskgraph.ParseTarget(id)
		if err != nil {
			panic(err)
		}
		tg.Tasks[id] = &taskgraph.Task{
			ID:       id,
			Target:   target,
			Executor: exec,
			Outputs:  []string{"dist/" + target.Project},
		}
		tg.Dependencies[id] = append([]string{}, d...)
	}
	return tg
}

func chain() map[string][]string {
	return map[string][]string{
		"app1:build": {"lib1:build"},
		"lib1:build": {"lib2:build"},
		"lib2:build": {},
	}
}

func newOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Hasher == nil {
		opts.Hasher = fakeHasher{}
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func TestRun_SequentialDependencyOrder(t *testing.T) {
	exec := &fakeExecutor{name: "fake"}
	o := newOrchestrator(t, Options{Parallel: 1, Executors: registry{"fake": exec}})

	summary, err := o.Run(context.Background(), newGraph(chain(), "fake"))
	require.NoError(t, err)
	assert.Equal(t, []string{"lib2:build", "lib1:build", "app1:build"}, exec.flat())
	assert.Equal(t, 0, summary.ExitCode())
	assert.Equal(t, 3, summary.Count(StatusSuccess))
	assert.NotEmpty(t, summary.RunID)
	assert.NotEmpty(t, summary.Results["app1:build"].Hash)
}

func TestRun_FailurePropagatesSkip(t *testing.T) {
	deps := map[string][]string{
		"app:build":   {"lib:build", "util:build"},
		"e2e:build":   {"app:build"},
		"lib:build":   {},
		"util:build":  {},
		"other:build": {},
	}
	exec := &fakeExecutor{name: "fake", codes: map[string]int{"lib:build": 2}}
	o := newOrchestrator(t, Options{Parallel: 3, Executors: registry{"fake": exec}})

	summary, err := o.Run(context.Background(), newGraph(deps, "fake"))
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, summary.Results["lib:build"].Status)
	assert.Equal(t, 2, summary.Results["lib:build"].Code)
	assert.Equal(t, StatusSuccess, summary.Results["util:build"].Status)
	assert.Equal(t, StatusSuccess, summary.Results["other:build"].Status)
	assert.Equal(t, StatusSkipped, summary.Results["app:build"].Status)
	assert.Equal(t, "lib:build", summary.Results["app:build"].SkippedBy)
	assert.Equal(t, StatusSkipped, summary.Results["e2e:build"].Status)
	assert.Equal(t, "lib:build", summary.Results["e2e:build"].SkippedBy)
	assert.NotContains(t, exec.flat(), "app:build")
	assert.NotContains(t, exec.flat(), "e2e:build")
	assert.Equal(t, 1, summary.ExitCode())
	assert.Equal(t, []string{"app:build", "e2e:build", "lib:build"}, summary.IDs(StatusFailure, StatusSkipped))
}

func TestRun_ParallelBound(t *testing.T) {
	deps := map[string][]string{}
	for i := 0; i < 6; i++ {
		deps[fmt.Sprintf("p%d:build", i)] = nil
	}
	exec := &fakeExecutor{name: "fake", delay: 30 * time.Millisecond}
	o := newOrchestrator(t, Options{Parallel: 2, Executors: registry{"fake": exec}})

	summary, err := o.Run(context.Background(), newGraph(deps, "fake"))
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Count(StatusSuccess))
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.LessOrEqual(t, exec.maxActive, 2)
	assert.Equal(t, 2, exec.maxActive)
}

func TestRun_CacheHitsOnSecondRun(t *testing.T) {
	root := t.TempDir()
	c, err := cache.New(filepath.Join(root, ".meridian", "cache"), root)
	require.NoError(t, err)
	exec := &fakeExecutor{name: "fake", root: root}
	opts := Options{
		Parallel:  2,
		Executors: registry{"fake": exec},
		Cache:     c,
		Cacheable: func(*taskgraph.Task) bool { return true },
	}

	first, err := newOrchestrator(t, opts).Run(context.Background(), newGraph(chain(), "fake"))
	require.NoError(t, err)
	assert.Equal(t, 3, first.Count(StatusSuccess))
	assert.Equal(t, CacheMiss, first.Results["lib2:build"].CacheState)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "dist")))

	second, err := newOrchestrator(t, opts).Run(context.Background(), newGraph(chain(), "fake"))
	require.NoError(t, err)
	assert.Equal(t, 3, second.Count(StatusCacheHit))
	assert.Equal(t, 0, second.ExitCode())
	assert.Len(t, exec.ran(), 3)
	assert.Equal(t, "ran lib2:build\n", second.Results["lib2:build"].TerminalOutput)
	assert.Equal(t, CacheLocalHit, second.Results["app1:build"].CacheState)

	data, err := os.ReadFile(filepath.Join(root, "dist", "app1", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built app1:build", string(data))
}

func TestRun_FailedCacheEntryIsNotReplayed(t *testing.T) {
	root := t.TempDir()
	c, err := cache.New(filepath.Join(root, "cache"), root)
	require.NoError(t, err)
	exec := &fakeExecutor{name: "fake", codes: map[string]int{"lib:test": 1}}
	opts := Options{
		Executors: registry{"fake": exec},
		Cache:     c,
		Cacheable: func(*taskgraph.Task) bool { return true },
	}
	graph := func() *taskgraph.TaskGraph { return newGraph(map[string][]string{"lib:test": nil}, "fake") }

	_, err = newOrchestrator(t, opts).Run(context.Background(), graph())
	require.NoError(t, err)
	summary, err := newOrchestrator(t, opts).Run(context.Background(), graph())
	require.NoError(t, err)

	assert.Len(t, exec.ran(), 2)
	assert.Equal(t, StatusFailure, summary.Results["lib:test"].Status)
}

func TestRun_SkipCacheAndNonCacheable(t *testing.T) {
	root := t.TempDir()
	c, err := cache.New(filepath.Join(root, "cache"), root)
	require.NoError(t, err)
	exec := &fakeExecutor{name: "fake"}
	cacheable := func(t *taskgraph.Task) bool { return t.Target.Project != "lib2" }

	opts := Options{Executors: registry{"fake": exec}, Cache: c, Cacheable: cacheable}
	_, err = newOrchestrator(t, opts).Run(context.Background(), newGraph(chain(), "fake"))
	require.NoError(t, err)

	second, err := newOrchestrator(t, opts).Run(context.Background(), newGraph(chain(), "fake"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, second.Results["lib2:build"].Status)
	assert.Equal(t, CacheDisabled, second.Results["lib2:build"].CacheState)
	assert.Equal(t, StatusCacheHit, second.Results["lib1:build"].Status)

	opts.SkipCache = true
	third, err := newOrchestrator(t, opts).Run(context.Background(), newGraph(chain(), "fake"))
	require.NoError(t, err)
	assert.Equal(t, 3, third.Count(StatusSuccess))
	assert.Len(t, exec.ran(), 3+1+3)
}

func TestRun_Batch(t *testing.T) {
	deps := map[string][]string{
		"a:test": nil,
		"b:test": {"a:test"},
		"c:test": nil,
		"d:lint": {"c:test"},
	}
	batch := &fakeExecutor{name: "jest", batch: true, codes: map[string]int{"c:test": 1}}
	single := &fakeExecutor{name: "fake"}
	tg := newGraph(deps, "jest")
	tg.Tasks["d:lint"].Executor = "fake"

	o := newOrchestrator(t, Options{Parallel: 2, Executors: registry{"jest": batch, "fake": single}})
	summary, err := o.Run(context.Background(), tg)
	require.NoError(t, err)

	require.Len(t, batch.ran(), 1)
	assert.Equal(t, []string{"a:test", "c:test", "b:test"}, batch.ran()[0])
	assert.Empty(t, single.ran())
	assert.Equal(t, StatusSuccess, summary.Results["b:test"].Status)
	assert.Equal(t, StatusSkipped, summary.Results["d:lint"].Status)
}

func TestRun_BatchMemberAfterFailedDependencyIsSkipped(t *testing.T) {
	deps := map[string][]string{
		"a:test": nil,
		"b:test": {"a:test"},
	}
	batch := &fakeExecutor{name: "jest", batch: true, codes: map[string]int{"a:test": 1}}
	o := newOrchestrator(t, Options{Executors: registry{"jest": batch}})

	summary, err := o.Run(context.Background(), newGraph(deps, "jest"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, summary.Results["a:test"].Status)
	assert.Equal(t, StatusSkipped, summary.Results["b:test"].Status)
	assert.Equal(t, "a:test", summary.Results["b:test"].SkippedBy)
}

func TestRun_Events(t *testing.T) {
	exec := &fakeExecutor{name: "fake"}
	o := newOrchestrator(t, Options{Parallel: 2, Executors: registry{"fake": exec}})
	events := o.Subscribe(4)

	var (
		got []Event
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			got = append(got, ev)
		}
	}()

	_, err := o.Run(context.Background(), newGraph(chain(), "fake"))
	require.NoError(t, err)
	wg.Wait()

	byTask := make(map[string][]EventType)
	for _, ev := range got {
		byTask[ev.Task.ID] = append(byTask[ev.Task.ID], ev.Type)
		assert.NotEmpty(t, ev.Task.Hash)
		require.NotNil(t, ev.Task.HashDetails)
		if ev.Type == EventCompleted {
			require.NotNil(t, ev.Result)
			assert.Equal(t, StatusSuccess, ev.Result.Status)
		}
	}
	for _, id := range []string{"app1:build", "lib1:build", "lib2:build"} {
		assert.Equal(t, []EventType{EventScheduled, EventStarted, EventCompleted}, byTask[id], id)
	}
	assert.Equal(t, "lib2:build", got[0].Task.ID)
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExecutor{
		name:    "fake",
		delay:   10 * time.Second,
		onStart: func([]*taskgraph.Task) { cancel() },
	}
	o := newOrchestrator(t, Options{Parallel: 1, Executors: registry{"fake": exec}})

	summary, err := o.Run(ctx, newGraph(chain(), "fake"))
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, summary)
	assert.Equal(t, []string{"lib2:build"}, exec.flat())
	assert.Equal(t, StatusSkipped, summary.Results["lib2:build"].Status)
	assert.Empty(t, summary.Results["lib2:build"].SkippedBy)
	assert.Equal(t, executor.ExitCancelled, summary.Results["lib2:build"].Code)
	assert.Zero(t, summary.Count(StatusFailure))
	assert.Equal(t, StatusSkipped, summary.Results["app1:build"].Status)
	assert.Empty(t, summary.Results["app1:build"].SkippedBy)
	assert.Equal(t, 1, summary.ExitCode())
}

func TestRun_HashingErrorAbortsBeforeExecution(t *testing.T) {
	exec := &fakeExecutor{name: "fake"}
	o := newOrchestrator(t, Options{
		Executors: registry{"fake": exec},
		Hasher:    fakeHasher{err: errors.New("probe failed")},
	})
	events := o.Subscribe(1)

	summary, err := o.Run(context.Background(), newGraph(chain(), "fake"))
	assert.True(t, errors.Is(err, ErrHashing))
	assert.Nil(t, summary)
	assert.Empty(t, exec.ran())
	_, open := <-events
	assert.False(t, open)
}

func TestRun_UnknownExecutorFailsTask(t *testing.T) {
	o := newOrchestrator(t, Options{Executors: registry{}})
	summary, err := o.Run(context.Background(), newGraph(map[string][]string{"a:build": nil}, "nope"))
	require.NoError(t, err)
	res := summary.Results["a:build"]
	assert.Equal(t, StatusFailure, res.Status)
	assert.Contains(t, res.TerminalOutput, "unknown executor")
}

func TestRun_CycleRejected(t *testing.T) {
	exec := &fakeExecutor{name: "fake"}
	o := newOrchestrator(t, Options{Executors: registry{"fake": exec}})
	deps := map[string][]string{"a:build": {"b:build"}, "b:build": {"a:build"}}

	_, err := o.Run(context.Background(), newGraph(deps, "fake"))
	assert.True(t, errors.Is(err, taskgraph.ErrCycle))
	assert.Empty(t, exec.ran())
}

func TestRun_LongestKnownTaskFirst(t *testing.T) {
	deps := map[string][]string{"a:build": nil, "b:build": nil, "c:build": nil}
	exec := &fakeExecutor{name: "fake"}
	o := newOrchestrator(t, Options{
		Parallel:  1,
		Executors: registry{"fake": exec},
		Durations: fixedDurations{"c:build": 10 * time.Second, "b:build": time.Second},
	})

	_, err := o.Run(context.Background(), newGraph(deps, "fake"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c:build", "b:build", "a:build"}, exec.flat())
}

func TestNew_RequiresExecutors(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, errors.Is(err, ErrNoExecutors))
}

func TestReadyQueue(t *testing.T) {
	q := newReadyQueue(map[string]time.Duration{"z": time.Minute})
	for _, id := range []string{"b", "a", "z", "c"} {
		q.push(id)
	}
	assert.True(t, q.remove("c"))
	assert.False(t, q.remove("c"))
	assert.Equal(t, []string{"z", "a", "b"}, q.snapshot())
	assert.Equal(t, "z", q.pop())
	assert.Equal(t, 2, q.len())
}
