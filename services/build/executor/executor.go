// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs tasks as external processes.
//
// Executors are opaque: build, test, and lint logic lives in the processes
// they spawn. An executor is either built in (run-commands, noop) or
// registered in meridian.yaml with a command line. Registered executors
// receive the task through environment variables:
//
//	MERIDIAN_TASK_ID        task id
//	MERIDIAN_TASK_TARGET    target name
//	MERIDIAN_PROJECT_NAME   project name
//	MERIDIAN_PROJECT_ROOT   project root, workspace relative
//	MERIDIAN_TASK_OPTIONS   merged options as JSON
//	MERIDIAN_WORKSPACE_ROOT absolute workspace root
//
// Batch executors run a set of tasks in one process and receive
// MERIDIAN_BATCH_TASKS (JSON) and MERIDIAN_BATCH_RESULTS (a path where
// per-task results may be written).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/meridian/services/build/taskgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// ErrUnknownExecutor is returned for executor ids missing from the registry.
var ErrUnknownExecutor = errors.New("unknown executor")

// Exit codes reported for failures that have no process exit status.
const (
	ExitSpawnFailed = 127
	ExitCancelled   = 130
)

// Environment variable names of the invocation contract.
const (
	EnvTaskID        = "MERIDIAN_TASK_ID"
	EnvTaskTarget    = "MERIDIAN_TASK_TARGET"
	EnvProjectName   = "MERIDIAN_PROJECT_NAME"
	EnvProjectRoot   = "MERIDIAN_PROJECT_ROOT"
	EnvTaskOptions   = "MERIDIAN_TASK_OPTIONS"
	EnvWorkspaceRoot = "MERIDIAN_WORKSPACE_ROOT"
	EnvBatchTasks    = "MERIDIAN_BATCH_TASKS"
	EnvBatchResults  = "MERIDIAN_BATCH_RESULTS"
)

// Result is the outcome of one task.
type Result struct {
	TaskID         string
	Code           int
	TerminalOutput string
	Duration       time.Duration
}

// Executor runs tasks.
type Executor interface {
	Name() string
	// Batch reports whether Execute accepts several tasks at once.
	Batch() bool
	// Execute runs tasks and returns one result per task. Executors that
	// are not batch capable receive exactly one task.
	Execute(ctx context.Context, tasks []*taskgraph.Task) []Result
}

// Registry resolves executor ids.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry registers the built-in executors and those declared in the
// workspace configuration.
func NewRegistry(ws *workspace.Workspace, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	runner := NewRunner(ws.Root, logger)
	r := &Registry{executors: make(map[string]Executor)}
	r.Register(&RunCommands{runner: runner})
	r.Register(Noop{})
	for name, cfg := range ws.Config.Executors {
		r.Register(&External{name: name, cfg: cfg, runner: runner})
	}
	return r
}

// Register adds or replaces an executor.
func (r *Registry) Register(e Executor) {
	r.executors[e.Name()] = e
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (Executor, error) {
	e, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, name)
	}
	return e, nil
}

// Names returns the registered ids, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Noop succeeds without running anything.
type Noop struct{}

// Name implements Executor.
func (Noop) Name() string { return workspace.ExecutorNoop }

// Batch implements Executor.
func (Noop) Batch() bool { return true }

// Execute implements Executor.
func (Noop) Execute(_ context.Context, tasks []*taskgraph.Task) []Result {
	out := make([]Result, len(tasks))
	for i, t := range tasks {
		out[i] = Result{TaskID: t.ID}
	}
	return out
}
