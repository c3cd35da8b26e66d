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
)

// readyQueue holds runnable task ids, longest expected duration first and
// then by id.
type readyQueue struct {
	ids    []string
	weight map[string]time.Duration
}

func newReadyQueue(weight map[string]time.Duration) *readyQueue {
	if weight == nil {
		weight = map[string]time.Duration{}
	}
	return &readyQueue{weight: weight}
}

func (q *readyQueue) less(a, b string) bool {
	wa, wb := q.weight[a], q.weight[b]
	if wa != wb {
		return wa > wb
	}
	return a < b
}

func (q *readyQueue) push(id string) {
	i := sort.Search(len(q.ids), func(i int) bool { return q.less(id, q.ids[i]) })
	q.ids = append(q.ids, "")
	copy(q.ids[i+1:], q.ids[i:])
	q.ids[i] = id
}

func (q *readyQueue) pop() string {
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id
}

// remove drops id if present.
func (q *readyQueue) remove(id string) bool {
	for i, x := range q.ids {
		if x == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (q *readyQueue) len() int { return len(q.ids) }

// snapshot returns the queued ids in order.
func (q *readyQueue) snapshot() []string {
	return append([]string(nil), q.ids...)
}
