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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/AleutianAI/meridian/services/build/taskgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// DefaultGracePeriod is the time a cancelled process group gets between
// SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Invocation describes one process.
type Invocation struct {
	Args []string
	// Dir is workspace relative; empty means the workspace root.
	Dir string
	Env map[string]string
	// Capture is workspace.CapturePipe (default) or workspace.CaptureFile.
	Capture string
}

// Runner spawns executor processes in their own process group.
type Runner struct {
	root   string
	grace  time.Duration
	logger *slog.Logger
}

// NewRunner creates a runner rooted at the workspace.
func NewRunner(root string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{root: root, grace: DefaultGracePeriod, logger: logger}
}

// Run executes inv and returns its exit code and combined output. Spawn
// failures are reported as ExitSpawnFailed with the error as output, and
// cancellation as ExitCancelled.
func (r *Runner) Run(ctx context.Context, inv Invocation) (int, string) {
	if len(inv.Args) == 0 {
		return ExitSpawnFailed, "empty command"
	}
	if err := ctx.Err(); err != nil {
		return ExitCancelled, err.Error()
	}

	cmd := exec.CommandContext(ctx, inv.Args[0], inv.Args[1:]...)
	cmd.Dir = r.root
	if inv.Dir != "" {
		cmd.Dir = filepath.Join(r.root, filepath.FromSlash(inv.Dir))
	}
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	setProcessGroup(cmd, r.grace)

	var (
		buf     bytes.Buffer
		capture *os.File
	)
	if inv.Capture == workspace.CaptureFile {
		f, err := os.CreateTemp("", "meridian-output-*.log")
		if err != nil {
			return ExitSpawnFailed, fmt.Sprintf("create output file: %v", err)
		}
		defer os.Remove(f.Name())
		defer f.Close()
		capture = f
		cmd.Stdout, cmd.Stderr = f, f
	} else {
		cmd.Stdout, cmd.Stderr = &buf, &buf
	}

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("process finished",
		slog.String("command", inv.Args[0]),
		slog.Duration("duration", time.Since(start)))

	output := buf.String()
	if capture != nil {
		if _, seekErr := capture.Seek(0, io.SeekStart); seekErr == nil {
			data, _ := io.ReadAll(capture)
			output = string(data)
		}
	}

	if err == nil {
		return 0, output
	}
	if ctx.Err() != nil {
		return ExitCancelled, output
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			code = 1
		}
		return code, output
	}
	return ExitSpawnFailed, output + err.Error()
}

// mergeEnv overlays extra on base. Later keys win.
func mergeEnv(base []string, extra map[string]string) []string {
	out := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// taskEnv returns the invocation contract variables for one task.
func taskEnv(root string, task *taskgraph.Task) (map[string]string, error) {
	options, err := json.Marshal(task.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options of %s: %w", task.ID, err)
	}
	return map[string]string{
		EnvTaskID:        task.ID,
		EnvTaskTarget:    task.Target.Target,
		EnvProjectName:   task.Target.Project,
		EnvProjectRoot:   task.ProjectRoot,
		EnvTaskOptions:   string(options),
		EnvWorkspaceRoot: root,
	}, nil
}
