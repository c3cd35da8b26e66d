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
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts cmd in its own process group and makes context
// cancellation signal the whole group: SIGTERM first, SIGKILL after grace.
func setProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		pgid := cmd.Process.Pid
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
			return err
		}
		time.AfterFunc(grace, func() {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		})
		return nil
	}
	cmd.WaitDelay = grace + time.Second
}

func shellArgs(command string) []string {
	return []string{"sh", "-c", command}
}
