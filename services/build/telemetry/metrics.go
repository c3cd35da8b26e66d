// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the orchestrator instruments. All names use the
// "meridian_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// TasksTotal counts finished tasks by target and status.
	TasksTotal metric.Int64Counter

	// TaskDuration records task wall time in seconds by target and status.
	TaskDuration metric.Float64Histogram

	// CacheLookups counts cache lookups by result (hit, miss, remote).
	CacheLookups metric.Int64Counter

	// ActiveTasks tracks tasks currently held by a worker.
	ActiveTasks metric.Int64UpDownCounter

	// RunDuration records whole-run wall time in seconds.
	RunDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksTotal, err = meter.Int64Counter("meridian_tasks_total",
		metric.WithDescription("Finished tasks by status"),
	); err != nil {
		return nil, fmt.Errorf("create tasks_total: %w", err)
	}

	if m.TaskDuration, err = meter.Float64Histogram("meridian_task_duration_seconds",
		metric.WithDescription("Task wall time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900),
	); err != nil {
		return nil, fmt.Errorf("create task_duration_seconds: %w", err)
	}

	if m.CacheLookups, err = meter.Int64Counter("meridian_cache_lookups_total",
		metric.WithDescription("Cache lookups by result"),
	); err != nil {
		return nil, fmt.Errorf("create cache_lookups_total: %w", err)
	}

	if m.ActiveTasks, err = meter.Int64UpDownCounter("meridian_active_tasks",
		metric.WithDescription("Tasks currently running"),
	); err != nil {
		return nil, fmt.Errorf("create active_tasks: %w", err)
	}

	if m.RunDuration, err = meter.Float64Histogram("meridian_run_duration_seconds",
		metric.WithDescription("Whole run wall time"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create run_duration_seconds: %w", err)
	}

	return m, nil
}

// RecordTask counts one finished task.
func (m *Metrics) RecordTask(ctx context.Context, target, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("status", status),
	)
	m.TasksTotal.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordCacheLookup counts one cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// TaskStarted and TaskFinished move the active task gauge.
func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveTasks.Add(ctx, 1)
}

func (m *Metrics) TaskFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveTasks.Add(ctx, -1)
}

// RecordRun records the duration of a whole run.
func (m *Metrics) RecordRun(ctx context.Context, d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.RunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}
