// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"sort"
	"time"

	"github.com/AleutianAI/meridian/services/build/taskgraph"
)

// Status is the terminal state of a task.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusSkipped  Status = "skipped"
	StatusCacheHit Status = "cache-hit"
)

// Failed reports whether the status fails the run.
func (s Status) Failed() bool {
	return s == StatusFailure || s == StatusSkipped
}

// CacheState describes how the cache took part in a task.
type CacheState string

const (
	CacheLocalHit  CacheState = "local-hit"
	CacheRemoteHit CacheState = "remote-hit"
	CacheMiss      CacheState = "miss"
	// CacheDisabled covers targets that are not cacheable and runs with
	// cache reads turned off.
	CacheDisabled CacheState = "disabled"
)

// EventType is the kind of lifecycle event.
type EventType string

const (
	EventScheduled EventType = "scheduled"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
)

// Event is one task lifecycle transition.
//
// Task is a copy taken when the event is sent; its hash and hash details
// are set for every event since tasks are hashed before scheduling.
type Event struct {
	Type   EventType
	RunID  string
	Task   taskgraph.Task
	Time   time.Time
	Result *Result
}

// Result is the outcome of one task.
type Result struct {
	TaskID         string        `json:"taskId"`
	Status         Status        `json:"status"`
	Code           int           `json:"code"`
	TerminalOutput string        `json:"terminalOutput,omitempty"`
	Duration       time.Duration `json:"duration"`
	Hash           string        `json:"hash,omitempty"`
	CacheState     CacheState    `json:"cacheState"`

	// SkippedBy names the failed task that caused a skip. Empty when the
	// task was skipped because the run was cancelled.
	SkippedBy string `json:"skippedBy,omitempty"`
}

// Summary is the outcome of a run.
type Summary struct {
	RunID   string             `json:"runId"`
	Start   time.Time          `json:"start"`
	End     time.Time          `json:"end"`
	Results map[string]*Result `json:"results"`
}

// ExitCode is 0 when every task succeeded or was restored from cache, 1
// otherwise.
func (s *Summary) ExitCode() int {
	for _, r := range s.Results {
		if r.Status.Failed() {
			return 1
		}
	}
	return 0
}

// Count returns the number of results with status st.
func (s *Summary) Count(st Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == st {
			n++
		}
	}
	return n
}

// IDs returns the task ids of results with any of the given statuses,
// sorted. With no statuses every id is returned.
func (s *Summary) IDs(statuses ...Status) []string {
	var ids []string
	for id, r := range s.Results {
		if len(statuses) == 0 || containsStatus(statuses, r.Status) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
