// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/meridian/services/build/taskgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// BatchTask is one entry of MERIDIAN_BATCH_TASKS.
type BatchTask struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Target      string         `json:"target"`
	ProjectRoot string         `json:"projectRoot"`
	Options     map[string]any `json:"options,omitempty"`
}

// BatchResult is one value of the JSON object a batch executor may write
// to MERIDIAN_BATCH_RESULTS, keyed by task id.
type BatchResult struct {
	Code           int    `json:"code"`
	TerminalOutput string `json:"terminalOutput"`
}

// External runs an executor registered in meridian.yaml.
type External struct {
	name   string
	cfg    workspace.ExecutorConfig
	runner *Runner
}

// Name implements Executor.
func (e *External) Name() string { return e.name }

// Batch implements Executor.
func (e *External) Batch() bool { return e.cfg.Batch }

// Execute implements Executor.
func (e *External) Execute(ctx context.Context, tasks []*taskgraph.Task) []Result {
	if len(tasks) == 1 && !e.cfg.Batch {
		return []Result{e.single(ctx, tasks[0])}
	}
	return e.batch(ctx, tasks)
}

func (e *External) single(ctx context.Context, task *taskgraph.Task) Result {
	start := time.Now()
	env, err := taskEnv(e.runner.root, task)
	if err != nil {
		return Result{TaskID: task.ID, Code: 1, TerminalOutput: err.Error()}
	}
	for k, v := range e.cfg.Env {
		env[k] = v
	}
	code, output := e.runner.Run(ctx, Invocation{Args: e.cfg.Command, Env: env, Capture: e.cfg.OutputCapture})
	return Result{TaskID: task.ID, Code: code, TerminalOutput: output, Duration: time.Since(start)}
}

// batch runs every task in one process. Tasks missing from the results
// file get the process exit code and output.
func (e *External) batch(ctx context.Context, tasks []*taskgraph.Task) []Result {
	start := time.Now()
	fail := func(msg string) []Result {
		out := make([]Result, len(tasks))
		for i, t := range tasks {
			out[i] = Result{TaskID: t.ID, Code: 1, TerminalOutput: msg}
		}
		return out
	}

	entries := make([]BatchTask, len(tasks))
	for i, t := range tasks {
		entries[i] = BatchTask{
			ID:          t.ID,
			Project:     t.Target.Project,
			Target:      t.Target.Target,
			ProjectRoot: t.ProjectRoot,
			Options:     t.Options,
		}
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fail(fmt.Sprintf("encode batch: %v", err))
	}

	resultsFile, err := os.CreateTemp("", "meridian-batch-*.json")
	if err != nil {
		return fail(fmt.Sprintf("create batch results file: %v", err))
	}
	resultsPath := resultsFile.Name()
	resultsFile.Close()
	defer os.Remove(resultsPath)

	env := map[string]string{
		EnvBatchTasks:    string(encoded),
		EnvBatchResults:  resultsPath,
		EnvWorkspaceRoot: e.runner.root,
	}
	for k, v := range e.cfg.Env {
		env[k] = v
	}

	code, output := e.runner.Run(ctx, Invocation{Args: e.cfg.Command, Env: env, Capture: e.cfg.OutputCapture})
	elapsed := time.Since(start)

	results := make(map[string]BatchResult)
	if data, err := os.ReadFile(resultsPath); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &results); err != nil {
			e.runner.logger.Warn("batch results ignored", slog.String("executor", e.name), slog.String("error", err.Error()))
			results = map[string]BatchResult{}
		}
	}

	out := make([]Result, len(tasks))
	for i, t := range tasks {
		if r, ok := results[t.ID]; ok {
			out[i] = Result{TaskID: t.ID, Code: r.Code, TerminalOutput: r.TerminalOutput, Duration: elapsed}
			continue
		}
		out[i] = Result{TaskID: t.ID, Code: code, TerminalOutput: output, Duration: elapsed}
	}
	return out
}
