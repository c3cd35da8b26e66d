// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/meridian/services/build/orchestrator"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
)

// TaskSummary is one task in a run summary.
type TaskSummary struct {
	TaskID       string                  `json:"taskId"`
	Target       taskgraph.Target        `json:"target"`
	Hash         string                  `json:"hash,omitempty"`
	HashDetails  *taskgraph.HashDetails  `json:"hashDetails,omitempty"`
	Status       orchestrator.Status     `json:"status"`
	Code         int                     `json:"code"`
	CacheState   orchestrator.CacheState `json:"cacheState"`
	DurationMS   int64                   `json:"durationMs"`
	SkippedBy    string                  `json:"skippedBy,omitempty"`
	Executor     string                  `json:"executor"`
	Outputs      []string                `json:"outputs,omitempty"`
	Dependencies []string                `json:"dependencies"`
	Dependents   []string                `json:"dependents"`
}

// RunSummary is the JSON document written for --summarize.
type RunSummary struct {
	RunID    string        `json:"runId"`
	Command  string        `json:"command"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	ExitCode int           `json:"exitCode"`
	Tasks    []TaskSummary `json:"tasks"`
}

// BuildRunSummary combines a task graph and the results of running it.
// Tasks are listed in id order.
func BuildRunSummary(command string, tg *taskgraph.TaskGraph, s *orchestrator.Summary) RunSummary {
	dependents := tg.Dependents()
	rs := RunSummary{
		RunID:    s.RunID,
		Command:  command,
		Start:    s.Start,
		End:      s.End,
		ExitCode: s.ExitCode(),
		Tasks:    make([]TaskSummary, 0, len(tg.Tasks)),
	}
	for _, id := range tg.IDs() {
		task := tg.Tasks[id]
		ts := TaskSummary{
			TaskID:       id,
			Target:       task.Target,
			Hash:         task.Hash,
			HashDetails:  task.HashDetails,
			Executor:     task.Executor,
			Outputs:      task.Outputs,
			Dependencies: nonNil(tg.Dependencies[id]),
			Dependents:   nonNil(dependents[id]),
		}
		if res, ok := s.Results[id]; ok {
			ts.Status = res.Status
			ts.Code = res.Code
			ts.CacheState = res.CacheState
			ts.DurationMS = res.Duration.Milliseconds()
			ts.SkippedBy = res.SkippedBy
		}
		rs.Tasks = append(rs.Tasks, ts)
	}
	return rs
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// WriteRunSummary writes rs to <dir>/<runId>.json and returns the path.
func WriteRunSummary(dir string, rs RunSummary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create summary directory: %w", err)
	}
	path := filepath.Join(dir, rs.RunID+".json")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create run summary: %w", err)
	}
	defer f.Close()
	if err := WriteJSON(f, rs); err != nil {
		return "", err
	}
	return path, f.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
