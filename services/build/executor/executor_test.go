// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/meridian/services/build/taskgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

func newTestWorkspace(t *testing.T, executors map[string]workspace.ExecutorConfig) *workspace.Workspace {
	t.Helper()
	return &workspace.Workspace{
		Root:     t.TempDir(),
		Config:   workspace.Config{Executors: executors},
		Projects: map[string]workspace.ProjectConfig{},
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func task(project, target string, options map[string]any) *taskgraph.Task {
	tgt := taskgraph.Target{Project: project, Target: target}
	return &taskgraph.Task{ID: tgt.ID(), Target: tgt, Options: options, ProjectRoot: "libs/" + project}
}

func runOne(t *testing.T, e Executor, tk *taskgraph.Task) Result {
	t.Helper()
	results := e.Execute(context.Background(), []*taskgraph.Task{tk})
	require.Len(t, results, 1)
	assert.Equal(t, tk.ID, results[0].TaskID)
	return results[0]
}

func TestRegistry(t *testing.T) {
	ws := newTestWorkspace(t, map[string]workspace.ExecutorConfig{
		"jest": {Command: []string{"jest-runner"}, Batch: true},
	})
	r := NewRegistry(ws, nil)
	assert.Equal(t, []string{"jest", "noop", "run-commands"}, r.Names())

	e, err := r.Get("jest")
	require.NoError(t, err)
	assert.True(t, e.Batch())

	_, err = r.Get("missing")
	assert.True(t, errors.Is(err, ErrUnknownExecutor))
}

func TestNoop(t *testing.T) {
	results := Noop{}.Execute(context.Background(), []*taskgraph.Task{task("a", "build", nil), task("b", "build", nil)})
	require.Len(t, results, 2)
	assert.Equal(t, "b:build", results[1].TaskID)
	assert.Zero(t, results[1].Code)
}

func TestRunCommands_Sequential(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	e, err := NewRegistry(ws, nil).Get(workspace.ExecutorRunCommands)
	require.NoError(t, err)

	res := runOne(t, e, task("a", "build", map[string]any{
		"commands": []any{"echo one", map[string]any{"command": "exit 3"}, "echo never"},
		"parallel": false,
	}))
	assert.Equal(t, 3, res.Code)
	assert.Contains(t, res.TerminalOutput, "one")
	assert.NotContains(t, res.TerminalOutput, "never")
}

func TestRunCommands_Parallel(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	e, _ := NewRegistry(ws, nil).Get(workspace.ExecutorRunCommands)

	res := runOne(t, e, task("a", "build", map[string]any{
		"commands": []any{"echo first", "exit 4", "exit 5"},
	}))
	assert.Equal(t, 4, res.Code)
	assert.Contains(t, res.TerminalOutput, "first")

	res = runOne(t, e, task("a", "build", map[string]any{
		"commands": []string{"true", "true"},
	}))
	assert.Zero(t, res.Code)
}

func TestRunCommands_MissingCommand(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	e, _ := NewRegistry(ws, nil).Get(workspace.ExecutorRunCommands)
	res := runOne(t, e, task("a", "build", map[string]any{}))
	assert.Equal(t, 1, res.Code)
	assert.Contains(t, res.TerminalOutput, "required")
}

func TestRunCommands_CwdAndEnv(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root, "libs", "a"), 0o755))
	e, _ := NewRegistry(ws, nil).Get(workspace.ExecutorRunCommands)

	res := runOne(t, e, task("a", "build", map[string]any{
		"command": `echo "$(basename "$PWD") $GREETING $MERIDIAN_TASK_ID $MERIDIAN_PROJECT_ROOT"`,
		"cwd":     "libs/a",
		"env":     map[string]any{"GREETING": "hello"},
	}))
	require.Zero(t, res.Code, res.TerminalOutput)
	assert.Equal(t, "a hello a:build libs/a", strings.TrimSpace(res.TerminalOutput))
}

func TestExternal_Single(t *testing.T) {
	bin := t.TempDir()
	script := writeScript(t, bin, "exec.sh",
		`echo "$MERIDIAN_PROJECT_NAME $MERIDIAN_TASK_TARGET $MERIDIAN_TASK_OPTIONS $EXTRA"`+"\n"+
			`test "$MERIDIAN_WORKSPACE_ROOT" = "$PWD" || exit 9`+"\n")
	ws := newTestWorkspace(t, map[string]workspace.ExecutorConfig{
		"custom": {Command: []string{script}, Env: map[string]string{"EXTRA": "x"}},
	})
	e, _ := NewRegistry(ws, nil).Get("custom")

	res := runOne(t, e, task("lib", "test", map[string]any{"watch": false}))
	require.Zero(t, res.Code, res.TerminalOutput)
	assert.Equal(t, `lib test {"watch":false} x`, strings.TrimSpace(res.TerminalOutput))
}

func TestExternal_ExitCodeAndSpawnFailure(t *testing.T) {
	bin := t.TempDir()
	script := writeScript(t, bin, "fail.sh", "echo bad >&2\nexit 7\n")
	ws := newTestWorkspace(t, map[string]workspace.ExecutorConfig{
		"fail":    {Command: []string{script}},
		"missing": {Command: []string{filepath.Join(bin, "does-not-exist")}},
	})
	r := NewRegistry(ws, nil)

	e, _ := r.Get("fail")
	res := runOne(t, e, task("a", "build", nil))
	assert.Equal(t, 7, res.Code)
	assert.Contains(t, res.TerminalOutput, "bad")

	e, _ = r.Get("missing")
	res = runOne(t, e, task("a", "build", nil))
	assert.Equal(t, ExitSpawnFailed, res.Code)
	assert.NotEmpty(t, res.TerminalOutput)
}

func TestExternal_FileCapture(t *testing.T) {
	bin := t.TempDir()
	script := writeScript(t, bin, "loud.sh", "echo to-stdout\necho to-stderr >&2\n")
	ws := newTestWorkspace(t, map[string]workspace.ExecutorConfig{
		"loud": {Command: []string{script}, OutputCapture: workspace.CaptureFile},
	})
	e, _ := NewRegistry(ws, nil).Get("loud")

	res := runOne(t, e, task("a", "build", nil))
	require.Zero(t, res.Code)
	assert.Contains(t, res.TerminalOutput, "to-stdout")
	assert.Contains(t, res.TerminalOutput, "to-stderr")
}

func TestExternal_Batch(t *testing.T) {
	bin := t.TempDir()
	// Reports b:test as failed and leaves c:test to the process exit code.
	script := writeScript(t, bin, "batch.sh",
		`echo "$MERIDIAN_BATCH_TASKS"`+"\n"+
			`printf '{"a:test":{"code":0,"terminalOutput":"a ok"},"b:test":{"code":2,"terminalOutput":"b failed"}}' > "$MERIDIAN_BATCH_RESULTS"`+"\n")
	ws := newTestWorkspace(t, map[string]workspace.ExecutorConfig{
		"jest": {Command: []string{script}, Batch: true},
	})
	e, _ := NewRegistry(ws, nil).Get("jest")

	tasks := []*taskgraph.Task{task("a", "test", nil), task("b", "test", nil), task("c", "test", nil)}
	results := e.Execute(context.Background(), tasks)
	require.Len(t, results, 3)

	assert.Equal(t, Result{TaskID: "a:test", Code: 0, TerminalOutput: "a ok", Duration: results[0].Duration}, results[0])
	assert.Equal(t, 2, results[1].Code)
	assert.Equal(t, "b failed", results[1].TerminalOutput)
	assert.Zero(t, results[2].Code)
	assert.Contains(t, results[2].TerminalOutput, `"id":"c:test"`)
}

func TestRunner_CancelKillsProcessGroup(t *testing.T) {
	root := t.TempDir()
	marker := filepath.Join(root, "child-survived")
	runner := NewRunner(root, nil)
	runner.grace = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	code, _ := runner.Run(ctx, Invocation{
		Args: shellArgs(`(sleep 2; touch "` + marker + `") & sleep 30`),
	})
	assert.Equal(t, ExitCancelled, code)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The backgrounded child belonged to the same group and must be gone.
	time.Sleep(2500 * time.Millisecond)
	assert.NoFileExists(t, marker)
}

func TestRunner_AlreadyCancelled(t *testing.T) {
	runner := NewRunner(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, _ := runner.Run(ctx, Invocation{Args: shellArgs("true")})
	assert.Equal(t, ExitCancelled, code)
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1"}, map[string]string{"B": "2", "A": "3"})
	assert.Equal(t, []string{"A=1", "A=3", "B=2"}, env)
}
