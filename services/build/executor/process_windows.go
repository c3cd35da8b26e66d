// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package executor

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// setProcessGroup starts cmd in a new process group. Cancellation kills
// the process; Windows has no group signal equivalent to SIGTERM.
func setProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	cmd.WaitDelay = grace
}

func shellArgs(command string) []string {
	return []string{"cmd", "/C", command}
}
