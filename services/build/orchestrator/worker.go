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
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/meridian/services/build/cache"
	"github.com/AleutianAI/meridian/services/build/executor"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
)

// runUnit restores cached tasks of u and executes the rest. Results are
// returned in the order of u.tasks. It never touches coordinator state.
func (o *Orchestrator) runUnit(ctx context.Context, u unit) []*Result {
	ids := make([]string, len(u.tasks))
	for i, t := range u.tasks {
		ids[i] = t.ID
	}
	ctx, span := tracer.Start(ctx, "orchestrator.Unit",
		trace.WithAttributes(
			attribute.StringSlice("unit.tasks", ids),
			attribute.String("unit.executor", u.exec.Name()),
		),
	)
	defer span.End()

	for range u.tasks {
		o.metrics.TaskStarted(ctx)
	}
	defer func() {
		for range u.tasks {
			o.metrics.TaskFinished(ctx)
		}
	}()

	out := make([]*Result, len(u.tasks))
	var (
		toRun []*taskgraph.Task
		index = make(map[string]int, len(u.tasks))
	)
	for i, t := range u.tasks {
		index[t.ID] = i
		res := &Result{TaskID: t.ID, Hash: t.Hash, CacheState: CacheDisabled}
		out[i] = res
		if o.cacheable(t) {
			res.CacheState = CacheMiss
			if !o.opts.SkipCache {
				if hit := o.restore(ctx, t, res); hit {
					continue
				}
			}
		}
		toRun = append(toRun, t)
	}

	if len(toRun) == 0 {
		span.SetStatus(codes.Ok, "")
		return out
	}
	if ctx.Err() != nil {
		for _, t := range toRun {
			out[index[t.ID]].Status = StatusSkipped
		}
		return out
	}

	start := time.Now()
	results := u.exec.Execute(ctx, toRun)
	elapsed := time.Since(start)

	byID := make(map[string]executor.Result, len(results))
	for _, res := range results {
		byID[res.TaskID] = res
	}

	failed := 0
	for _, t := range toRun {
		res := out[index[t.ID]]
		er, ok := byID[t.ID]
		if !ok {
			er = executor.Result{TaskID: t.ID, Code: 1, TerminalOutput: "executor returned no result for " + t.ID + "\n", Duration: elapsed}
		}
		res.Code = er.Code
		res.TerminalOutput = er.TerminalOutput
		res.Duration = er.Duration
		switch {
		case res.Code == 0:
			res.Status = StatusSuccess
		case ctx.Err() != nil:
			// Killed by cancellation, not a failure of the task itself.
			res.Status = StatusSkipped
		default:
			res.Status = StatusFailure
			failed++
		}

		if o.cacheable(t) && ctx.Err() == nil {
			o.store(ctx, t, res)
		}
	}

	if failed > 0 {
		span.SetStatus(codes.Error, "tasks failed")
		span.SetAttributes(attribute.Int("unit.failed", failed))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return out
}

// restore applies a successful cached result. Failed cached results are
// never replayed. Restore errors count as a miss.
func (o *Orchestrator) restore(ctx context.Context, t *taskgraph.Task, res *Result) bool {
	start := time.Now()
	entry, ok := o.opts.Cache.Get(ctx, t.Hash)
	if !ok {
		o.metrics.RecordCacheLookup(ctx, "miss")
		return false
	}
	if entry.Code != 0 {
		o.metrics.RecordCacheLookup(ctx, "failed-entry")
		return false
	}
	if err := o.opts.Cache.CopyFilesFromCache(ctx, t.Hash, entry, t.Outputs); err != nil {
		o.logger.Warn("cache restore failed, running task",
			slog.String("task", t.ID),
			slog.String("hash", t.Hash),
			slog.String("error", err.Error()),
		)
		o.metrics.RecordCacheLookup(ctx, "restore-error")
		return false
	}

	res.Status = StatusCacheHit
	res.TerminalOutput = entry.TerminalOutput
	res.Duration = time.Since(start)
	res.CacheState = CacheLocalHit
	lookup := "hit"
	if entry.Remote {
		res.CacheState = CacheRemoteHit
		lookup = "remote-hit"
	}
	o.metrics.RecordCacheLookup(ctx, lookup)
	return true
}

// store writes a result to the cache. Cache errors never fail the task.
func (o *Orchestrator) store(ctx context.Context, t *taskgraph.Task, res *Result) {
	err := o.opts.Cache.Put(ctx, t, res.TerminalOutput, t.Outputs, res.Code)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNondeterministicHash):
		o.logger.Error("task produced different results for the same hash",
			slog.String("task", t.ID),
			slog.String("hash", t.Hash),
		)
	default:
		o.logger.Warn("cache write failed",
			slog.String("task", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// missingExecutor fails every task with the registry error.
type missingExecutor struct {
	err error
}

func (m missingExecutor) Name() string { return "missing" }

func (m missingExecutor) Batch() bool { return false }

func (m missingExecutor) Execute(_ context.Context, tasks []*taskgraph.Task) []executor.Result {
	out := make([]executor.Result, len(tasks))
	for i, t := range tasks {
		out[i] = executor.Result{TaskID: t.ID, Code: 1, TerminalOutput: t.ID + ": " + m.err.Error() + "\n"}
	}
	return out
}
