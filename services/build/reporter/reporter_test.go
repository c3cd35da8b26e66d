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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/meridian/services/build/orchestrator"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
)

func sampleGraph() *taskgraph.TaskGraph {
	tg := taskgraph.NewTaskGraph()
	for _, id := range []string{"app:build", "lib:build"} {
		target, _ := taskgraph.ParseTarget(id)
		tg.Tasks[id] = &taskgraph.Task{ID: id, Target: target, Executor: "noop", Hash: "h-" + id}
	}
	tg.Dependencies["app:build"] = []string{"lib:build"}
	tg.Dependencies["lib:build"] = []string{}
	return tg
}

func failedSummary() *orchestrator.Summary {
	start := time.Unix(1_700_000_000, 0)
	return &orchestrator.Summary{
		RunID: "run-1",
		Start: start,
		End:   start.Add(2 * time.Second),
		Results: map[string]*orchestrator.Result{
			"lib:build": {TaskID: "lib:build", Status: orchestrator.StatusFailure, Code: 2, TerminalOutput: "compile error\n", Duration: time.Second, CacheState: orchestrator.CacheMiss},
			"app:build": {TaskID: "app:build", Status: orchestrator.StatusSkipped, SkippedBy: "lib:build", CacheState: orchestrator.CacheDisabled},
		},
	}
}

func TestText_Events(t *testing.T) {
	var buf bytes.Buffer
	r := NewText(&buf, OutputFailures, false)
	task := taskgraph.Task{ID: "lib:build"}

	events := make(chan orchestrator.Event, 4)
	events <- orchestrator.Event{Type: orchestrator.EventScheduled, Task: task}
	events <- orchestrator.Event{Type: orchestrator.EventStarted, Task: task}
	events <- orchestrator.Event{Type: orchestrator.EventCompleted, Task: task, Result: failedSummary().Results["lib:build"]}
	events <- orchestrator.Event{Type: orchestrator.EventCompleted, Task: taskgraph.Task{ID: "app:build"}, Result: failedSummary().Results["app:build"]}
	close(events)
	r.Consume(events)

	out := buf.String()
	assert.Contains(t, out, "› lib:build\n")
	assert.Contains(t, out, "✗ lib:build 1.0s exit 2\n")
	assert.Contains(t, out, "    compile error\n")
	assert.Contains(t, out, "○ app:build skipped, lib:build failed\n")
}

func TestText_OutputStyles(t *testing.T) {
	hit := &orchestrator.Result{TaskID: "a:build", Status: orchestrator.StatusCacheHit, TerminalOutput: "cached log", CacheState: orchestrator.CacheLocalHit}

	var all bytes.Buffer
	NewText(&all, OutputAll, false).Handle(orchestrator.Event{Type: orchestrator.EventCompleted, Result: hit})
	assert.Contains(t, all.String(), "≡ a:build [local-hit]")
	assert.Contains(t, all.String(), "cached log")

	var none bytes.Buffer
	NewText(&none, OutputNone, false).Handle(orchestrator.Event{Type: orchestrator.EventCompleted, Result: failedSummary().Results["lib:build"]})
	assert.NotContains(t, none.String(), "compile error")
}

func TestText_Summary(t *testing.T) {
	var buf bytes.Buffer
	NewText(&buf, OutputFailures, false).Summary("build", failedSummary())
	out := buf.String()
	assert.Contains(t, out, "Target build failed: 1 failed, 1 skipped of 2 tasks")
	assert.Contains(t, out, "Failed tasks:\n  - lib:build")
	assert.Contains(t, out, "  - app:build (after lib:build)")

	ok := &orchestrator.Summary{
		Start: time.Now(),
		End:   time.Now(),
		Results: map[string]*orchestrator.Result{
			"a:build": {Status: orchestrator.StatusCacheHit},
			"b:build": {Status: orchestrator.StatusSuccess},
		},
	}
	buf.Reset()
	NewText(&buf, OutputFailures, true).Summary("build", ok)
	assert.Contains(t, buf.String(), "1 of 2 restored from cache")
}

func TestBuildRunSummary(t *testing.T) {
	rs := BuildRunSummary("run -t build", sampleGraph(), failedSummary())
	assert.Equal(t, 1, rs.ExitCode)
	require.Len(t, rs.Tasks, 2)

	app := rs.Tasks[0]
	assert.Equal(t, "app:build", app.TaskID)
	assert.Equal(t, []string{"lib:build"}, app.Dependencies)
	assert.Equal(t, []string{}, app.Dependents)
	assert.Equal(t, "lib:build", app.SkippedBy)

	lib := rs.Tasks[1]
	assert.Equal(t, []string{"app:build"}, lib.Dependents)
	assert.Equal(t, int64(1000), lib.DurationMS)
	assert.Equal(t, orchestrator.CacheMiss, lib.CacheState)
}

func TestWriteRunSummary(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	rs := BuildRunSummary("run -t build", sampleGraph(), failedSummary())
	path, err := WriteRunSummary(dir, rs)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded RunSummary
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, orchestrator.StatusFailure, decoded.Tasks[1].Status)
}

func TestIsTerminal_NonFile(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
