// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hasher

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ErrProbeFailed is wrapped by ProbeError.
var ErrProbeFailed = errors.New("runtime probe failed")

// DefaultProbeTimeout bounds one probe.
const DefaultProbeTimeout = time.Minute

// ProbeError reports a runtime probe that exited with an error. A failed
// probe aborts hashing: a fingerprint built without it would be unstable.
type ProbeError struct {
	Command string
	Output  string
	Err     error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	msg := fmt.Sprintf("%v: %q: %v", ErrProbeFailed, e.Command, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

// Unwrap returns ErrProbeFailed for errors.Is support.
func (e *ProbeError) Unwrap() error {
	return ErrProbeFailed
}

// ProbeRunner runs one runtime probe and returns its trimmed output.
type ProbeRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// ShellProbeRunner runs probes through the platform shell.
type ShellProbeRunner struct {
	Dir     string
	Timeout time.Duration
}

// Run implements ProbeRunner. Stdout and stderr are combined.
func (r ShellProbeRunner) Run(ctx context.Context, command string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := ShellCommand(ctx, command)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timeout after %v", timeout)
		}
		return "", &ProbeError{Command: command, Output: trimmed, Err: err}
	}
	return trimmed, nil
}

// ShellCommand wraps command in the platform shell.
func ShellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}
