// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator executes a task graph.
//
// A single coordinating goroutine owns all task state. It keeps a ready
// queue of tasks whose dependencies finished, hands tasks (or batches of
// tasks sharing a batch capable executor) to at most Parallel workers, and
// folds the results workers send back into the state. A failed task marks
// every transitive dependent skipped. Lifecycle events go to subscribers
// over channels.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/meridian/services/build/cache"
	"github.com/AleutianAI/meridian/services/build/executor"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
	"github.com/AleutianAI/meridian/services/build/telemetry"
)

var tracer = otel.Tracer("meridian.orchestrator")

var (
	// ErrNoExecutors is returned by New without an executor registry.
	ErrNoExecutors = errors.New("orchestrator: no executor registry")

	// ErrHashing wraps hashing failures. They abort the run before any
	// task starts.
	ErrHashing = errors.New("hashing failed")
)

// TaskHasher assigns Hash and HashDetails to tasks.
type TaskHasher interface {
	HashTasks(ctx context.Context, tasks []*taskgraph.Task) error
}

// Cache is the task result store.
type Cache interface {
	Get(ctx context.Context, hash string) (*cache.Entry, bool)
	Put(ctx context.Context, task *taskgraph.Task, terminalOutput string, outputs []string, code int) error
	CopyFilesFromCache(ctx context.Context, hash string, entry *cache.Entry, outputs []string) error
}

// Executors resolves executor ids.
type Executors interface {
	Get(name string) (executor.Executor, error)
}

// DurationSource supplies expected task durations for queue ordering.
type DurationSource interface {
	Durations(ctx context.Context, taskIDs []string) (map[string]time.Duration, error)
}

// Options configures an Orchestrator.
type Options struct {
	// Parallel bounds concurrently running workers. Values below 1 mean 1.
	Parallel int

	// SkipCache disables cache reads. Results of cacheable tasks are still
	// written.
	SkipCache bool

	// Cacheable reports whether a task's result may be cached. Nil means
	// nothing is cached.
	Cacheable func(*taskgraph.Task) bool

	Hasher    TaskHasher
	Cache     Cache
	Executors Executors
	Durations DurationSource
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Orchestrator runs task graphs.
//
// Thread Safety: Subscribe is safe for concurrent use. Run must not be
// called concurrently on the same Orchestrator.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	metricsOnce sync.Once
	metrics     *telemetry.Metrics

	mu          sync.Mutex
	subscribers []chan Event
}

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Executors == nil {
		return nil, ErrNoExecutors
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{opts: opts, logger: logger, metrics: opts.Metrics}, nil
}

// initMetrics creates instruments on the global meter when none were
// supplied. Failures only degrade observability.
func (o *Orchestrator) initMetrics() {
	o.metricsOnce.Do(func() {
		if o.metrics != nil {
			return
		}
		m, err := telemetry.NewMetrics(otel.Meter("meridian.orchestrator"))
		if err != nil {
			o.logger.Error("failed to initialize orchestrator metrics (observability degraded)",
				slog.String("error", err.Error()))
			return
		}
		o.metrics = m
	})
}

// Subscribe returns a channel receiving the events of the next Run. The
// channel is closed when that Run returns. Subscribers must drain their
// channel: the coordinator blocks once the buffer is full.
func (o *Orchestrator) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	o.mu.Lock()
	o.subscribers = append(o.subscribers, ch)
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) takeSubscribers() []chan Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	subs := o.subscribers
	o.subscribers = nil
	return subs
}

// Run executes tg and returns the outcome of every task.
//
// Outputs:
//
//	*Summary - One result per task. Nil only when the run could not start.
//	error - A validation error or ErrHashing before any task ran, or the
//	context error when the run was cancelled.
func (o *Orchestrator) Run(ctx context.Context, tg *taskgraph.TaskGraph) (*Summary, error) {
	subs := o.takeSubscribers()
	defer func() {
		for _, ch := range subs {
			close(ch)
		}
	}()

	if err := tg.Validate(); err != nil {
		return nil, err
	}
	o.initMetrics()

	r := &run{
		o:          o,
		tg:         tg,
		id:         uuid.NewString(),
		subs:       subs,
		state:      make(map[string]taskState, len(tg.Tasks)),
		remaining:  make(map[string]int, len(tg.Tasks)),
		dependents: tg.Dependents(),
	}

	ctx, span := tracer.Start(ctx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("run.id", r.id),
			attribute.Int("run.tasks", len(tg.Tasks)),
			attribute.Int("run.parallel", o.opts.Parallel),
		),
	)
	defer span.End()

	start := time.Now()
	o.logger.Info("run started",
		slog.String("run_id", r.id),
		slog.Int("tasks", len(tg.Tasks)),
		slog.Int("parallel", o.opts.Parallel),
	)

	ids := tg.IDs()
	if o.opts.Hasher != nil {
		tasks := make([]*taskgraph.Task, len(ids))
		for i, id := range ids {
			tasks[i] = tg.Tasks[id]
		}
		if err := o.opts.Hasher.HashTasks(ctx, tasks); err != nil {
			err = fmt.Errorf("%w: %w", ErrHashing, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	r.ready = newReadyQueue(o.durations(ctx, ids))
	r.summary = &Summary{RunID: r.id, Start: start, Results: make(map[string]*Result, len(ids))}

	runErr := r.loop(ctx)

	r.summary.End = time.Now()
	success := r.summary.ExitCode() == 0
	o.metrics.RecordRun(ctx, r.summary.End.Sub(start), success)

	attrs := []any{
		slog.String("run_id", r.id),
		slog.Duration("duration", r.summary.End.Sub(start)),
		slog.Int("succeeded", r.summary.Count(StatusSuccess)),
		slog.Int("cache_hits", r.summary.Count(StatusCacheHit)),
		slog.Int("failed", r.summary.Count(StatusFailure)),
		slog.Int("skipped", r.summary.Count(StatusSkipped)),
	}
	if success {
		span.SetStatus(codes.Ok, "")
		o.logger.Info("run completed", attrs...)
	} else {
		span.SetStatus(codes.Error, "tasks failed")
		o.logger.Warn("run completed with failures", attrs...)
	}
	return r.summary, runErr
}

// durations loads expected durations. Missing history is not an error.
func (o *Orchestrator) durations(ctx context.Context, ids []string) map[string]time.Duration {
	if o.opts.Durations == nil {
		return nil
	}
	d, err := o.opts.Durations.Durations(ctx, ids)
	if err != nil {
		o.logger.Warn("task durations unavailable", slog.String("error", err.Error()))
		return nil
	}
	return d
}

func (o *Orchestrator) cacheable(t *taskgraph.Task) bool {
	return o.opts.Cache != nil && o.opts.Cacheable != nil && o.opts.Cacheable(t)
}

type taskState int

const (
	statePending taskState = iota
	stateReady
	stateRunning
	stateDone
)

// run is the coordinator state of one Run call. Only the loop goroutine
// touches it.
type run struct {
	o    *Orchestrator
	tg   *taskgraph.TaskGraph
	id   string
	subs []chan Event

	state      map[string]taskState
	remaining  map[string]int
	dependents map[string][]string
	ready      *readyQueue
	summary    *Summary
}

// unit is the work handed to one worker.
type unit struct {
	exec  executor.Executor
	tasks []*taskgraph.Task
}

func (r *run) loop(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, id := range r.tg.IDs() {
		r.remaining[id] = len(r.tg.Dependencies[id])
		if r.remaining[id] == 0 {
			r.schedule(id)
		}
	}

	results := make(chan []*Result)
	done := ctx.Done()
	running := 0
	stopped := false

	for {
		if !stopped && ctx.Err() != nil {
			stopped = true
		}
		for !stopped && running < r.o.opts.Parallel && r.ready.len() > 0 {
			u := r.nextUnit()
			running++
			for _, t := range u.tasks {
				r.emit(EventStarted, t, nil)
			}
			go func() {
				results <- r.o.runUnit(workCtx, u)
			}()
		}
		if running == 0 {
			break
		}

		select {
		case res := <-results:
			running--
			r.complete(res)
		case <-done:
			r.o.logger.Warn("run cancelled, waiting for running tasks", slog.Int("running", running))
			stopped = true
			done = nil
		}
	}

	// Anything left never started.
	for _, id := range r.tg.IDs() {
		if r.state[id] != stateDone {
			r.finish(&Result{TaskID: id, Status: StatusSkipped, Hash: r.tg.Tasks[id].Hash, CacheState: CacheDisabled})
		}
	}
	return ctx.Err()
}

func (r *run) schedule(id string) {
	r.state[id] = stateReady
	r.ready.push(id)
	r.emit(EventScheduled, r.tg.Tasks[id], nil)
}

// nextUnit pops the next ready task. For a batch capable executor the
// unit grows to every ready task sharing the executor, then to pending
// tasks of that executor whose dependencies are all finished or inside
// the batch. Tasks are returned in dependency order.
func (r *run) nextUnit() unit {
	first := r.tg.Tasks[r.ready.pop()]
	exec, err := r.o.opts.Executors.Get(first.Executor)
	if err != nil {
		exec = missingExecutor{err: err}
	}
	r.state[first.ID] = stateRunning
	if !exec.Batch() {
		return unit{exec: exec, tasks: []*taskgraph.Task{first}}
	}

	members := map[string]bool{first.ID: true}
	order := []string{first.ID}
	for _, id := range r.ready.snapshot() {
		if r.tg.Tasks[id].Executor == first.Executor {
			r.ready.remove(id)
			members[id] = true
			order = append(order, id)
		}
	}

	for grew := true; grew; {
		grew = false
		for _, id := range r.tg.IDs() {
			t := r.tg.Tasks[id]
			if r.state[id] != statePending || members[id] || t.Executor != first.Executor {
				continue
			}
			if !r.depsSatisfied(id, members) {
				continue
			}
			members[id] = true
			order = append(order, id)
			r.emit(EventScheduled, t, nil)
			grew = true
		}
	}

	tasks := make([]*taskgraph.Task, 0, len(order))
	for _, id := range order {
		r.state[id] = stateRunning
		tasks = append(tasks, r.tg.Tasks[id])
	}
	return unit{exec: exec, tasks: tasks}
}

// depsSatisfied reports whether every dependency of id succeeded or is a
// batch member.
func (r *run) depsSatisfied(id string, members map[string]bool) bool {
	for _, d := range r.tg.Dependencies[id] {
		if members[d] {
			continue
		}
		res, ok := r.summary.Results[d]
		if !ok || res.Status.Failed() {
			return false
		}
	}
	return true
}

// complete folds worker results into the state, in the order given.
func (r *run) complete(results []*Result) {
	for _, res := range results {
		if cause := r.failedDependency(res.TaskID); cause != "" {
			res.Status = StatusSkipped
			res.SkippedBy = cause
		}
		r.finish(res)
		switch {
		case res.Status == StatusSkipped && res.SkippedBy == "":
			// Cancelled. Dependents are skipped when the loop ends.
		case res.Status.Failed():
			r.skipDependents(res)
		default:
			r.release(res.TaskID)
		}
	}
}

// failedDependency returns the failed task behind a failed or skipped
// dependency of id, or "".
func (r *run) failedDependency(id string) string {
	for _, d := range r.tg.Dependencies[id] {
		res, ok := r.summary.Results[d]
		if !ok || !res.Status.Failed() {
			continue
		}
		if res.SkippedBy != "" {
			return res.SkippedBy
		}
		return d
	}
	return ""
}

func (r *run) release(id string) {
	for _, d := range r.dependents[id] {
		r.remaining[d]--
		if r.remaining[d] == 0 && r.state[d] == statePending {
			r.schedule(d)
		}
	}
}

// skipDependents marks every transitive dependent of res that has not
// started as skipped. Running dependents are handled when their results
// arrive.
func (r *run) skipDependents(res *Result) {
	cause := res.TaskID
	if res.SkippedBy != "" {
		cause = res.SkippedBy
	}
	queue := append([]string(nil), r.dependents[res.TaskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		switch r.state[id] {
		case stateReady:
			r.ready.remove(id)
		case statePending:
		default:
			continue
		}
		r.finish(&Result{
			TaskID:     id,
			Status:     StatusSkipped,
			Hash:       r.tg.Tasks[id].Hash,
			CacheState: CacheDisabled,
			SkippedBy:  cause,
		})
		queue = append(queue, r.dependents[id]...)
	}
}

func (r *run) finish(res *Result) {
	r.state[res.TaskID] = stateDone
	r.summary.Results[res.TaskID] = res
	task := r.tg.Tasks[res.TaskID]
	r.o.metrics.RecordTask(context.Background(), task.Target.Target, string(res.Status), res.Duration)

	attrs := []any{
		slog.String("task", res.TaskID),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", res.Duration),
	}
	switch res.Status {
	case StatusFailure:
		r.o.logger.Error("task failed", append(attrs, slog.Int("code", res.Code))...)
	case StatusSkipped:
		r.o.logger.Debug("task skipped", append(attrs, slog.String("skipped_by", res.SkippedBy))...)
	default:
		r.o.logger.Debug("task completed", attrs...)
	}
	r.emit(EventCompleted, task, res)
}

func (r *run) emit(typ EventType, task *taskgraph.Task, res *Result) {
	if len(r.subs) == 0 {
		return
	}
	ev := Event{Type: typ, RunID: r.id, Task: *task, Time: time.Now()}
	if res != nil {
		copied := *res
		ev.Result = &copied
	}
	for _, ch := range r.subs {
		ch <- ev
	}
}
