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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/meridian/services/build/taskgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// RunCommands runs shell commands from the task options.
//
// Options:
//
//	command   string, a single command
//	commands  list of strings or {command: string} objects
//	cwd       workspace relative directory, default the workspace root
//	parallel  run commands concurrently, default true
//	env       extra environment variables
//
// The task fails with the first non-zero exit code. Sequential runs stop
// at the first failure.
type RunCommands struct {
	runner *Runner
}

// Name implements Executor.
func (e *RunCommands) Name() string { return workspace.ExecutorRunCommands }

// Batch implements Executor.
func (e *RunCommands) Batch() bool { return false }

// Execute implements Executor.
func (e *RunCommands) Execute(ctx context.Context, tasks []*taskgraph.Task) []Result {
	out := make([]Result, len(tasks))
	for i, t := range tasks {
		start := time.Now()
		code, output := e.run(ctx, t)
		out[i] = Result{TaskID: t.ID, Code: code, TerminalOutput: output, Duration: time.Since(start)}
	}
	return out
}

func (e *RunCommands) run(ctx context.Context, task *taskgraph.Task) (int, string) {
	commands, err := parseCommands(task.Options)
	if err != nil {
		return 1, fmt.Sprintf("%s: %v\n", task.ID, err)
	}
	env, err := taskEnv(e.runner.root, task)
	if err != nil {
		return 1, err.Error()
	}
	for k, v := range stringMap(task.Options["env"]) {
		env[k] = v
	}
	cwd, _ := task.Options["cwd"].(string)
	parallel := true
	if p, ok := task.Options["parallel"].(bool); ok {
		parallel = p
	}

	invoke := func(command string) (int, string) {
		return e.runner.Run(ctx, Invocation{Args: shellArgs(command), Dir: cwd, Env: env})
	}

	if !parallel || len(commands) == 1 {
		var sb strings.Builder
		for _, c := range commands {
			code, output := invoke(c)
			sb.WriteString(output)
			if code != 0 {
				return code, sb.String()
			}
		}
		return 0, sb.String()
	}

	codes := make([]int, len(commands))
	outputs := make([]string, len(commands))
	var wg sync.WaitGroup
	for i, c := range commands {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i], outputs[i] = invoke(c)
		}()
	}
	wg.Wait()

	code := 0
	for _, c := range codes {
		if c != 0 {
			code = c
			break
		}
	}
	return code, strings.Join(outputs, "")
}

// parseCommands reads command or commands from the options.
func parseCommands(options map[string]any) ([]string, error) {
	if c, ok := options["command"].(string); ok && strings.TrimSpace(c) != "" {
		return []string{c}, nil
	}
	var out []string
	switch list := options["commands"].(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			switch v := item.(type) {
			case string:
				out = append(out, v)
			case map[string]any:
				if c, ok := v["command"].(string); ok {
					out = append(out, c)
				}
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("options.command or options.commands is required")
	}
	return out, nil
}

func stringMap(v any) map[string]string {
	out := make(map[string]string)
	switch m := v.(type) {
	case map[string]string:
		for k, val := range m {
			out[k] = val
		}
	case map[string]any:
		for k, val := range m {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
