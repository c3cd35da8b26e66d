// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/meridian/services/build/cache"
	"github.com/AleutianAI/meridian/services/build/executor"
	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/hasher"
	"github.com/AleutianAI/meridian/services/build/history"
	"github.com/AleutianAI/meridian/services/build/orchestrator"
	"github.com/AleutianAI/meridian/services/build/reporter"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// runsDir holds --summarize documents, relative to the workspace root.
var runsDir = filepath.Join(".meridian", "runs")

// exitInterrupted is the exit code after SIGINT.
const exitInterrupted = 130

// runOptions are the flags of run and watch.
type runOptions struct {
	target        string
	projects      []string
	all           bool
	configuration string
	parallel      int
	skipCache     bool
	summarize     bool
	output        string
	args          []string
	touched       touchedOptions
}

func (o *runOptions) addFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&o.target, "target", "t", "", "target to run, e.g. build (required)")
	fs.StringVarP(&o.configuration, "configuration", "c", "", "target configuration, e.g. production")
	fs.IntVar(&o.parallel, "parallel", 0, "maximum concurrent tasks (default: workspace parallel)")
	fs.BoolVar(&o.skipCache, "skip-cache", false, "do not read from the cache (also $MERIDIAN_SKIP_CACHE)")
	fs.StringVar(&o.output, "output-style", string(reporter.OutputFailures), "task output to print: all, failures or none")
	fs.StringArrayVar(&o.args, "args", nil, "executor option override key=value, may repeat; {project.<field>} is interpolated")
	_ = cmd.MarkFlagRequired("target")
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a target for a set of projects",
		Long: `Run a target for a set of projects and everything it depends on.

Without -p every project defining the target runs. With --affected or any
touched file source only the affected projects run.`,
		Example: `  meridian run -t build
  meridian run -t test -p app,lib --parallel 8
  meridian run -t build -c production --summarize
  meridian run -t test --base main --head HEAD
  meridian run -t test -p app --args "command=go test -run TestFoo ./{project.root}/..."`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(opts.projects) > 0 && opts.all {
				return errors.New("--projects and --all are mutually exclusive")
			}
			s, err := a.openSession(0)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			full, sub, err := s.selectGraph(ctx, &opts.touched)
			if err != nil {
				return err
			}
			projects := opts.projects
			if len(projects) == 0 {
				projects = projectsWithTarget(sub, opts.target)
			}

			summary, err := s.runTarget(ctx, full, projects, opts, commandLine(cmd))
			if errors.Is(err, context.Canceled) {
				return &ExitError{Code: exitInterrupted, Err: errors.New("interrupted")}
			}
			if err != nil {
				return err
			}
			if summary != nil && summary.ExitCode() != 0 {
				return &ExitError{Code: summary.ExitCode()}
			}
			return nil
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringSliceVarP(&opts.projects, "projects", "p", nil, "projects to run, comma separated")
	cmd.Flags().BoolVar(&opts.all, "all", false, "run every project defining the target")
	cmd.Flags().BoolVar(&opts.summarize, "summarize", false, "write a JSON run summary under "+runsDir)
	opts.touched.addFlags(cmd.Flags(), true)
	return cmd
}

// commandLine renders the command and the flags that were set.
func commandLine(cmd *cobra.Command) string {
	parts := []string{cmd.CommandPath()}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		parts = append(parts, "--"+f.Name+"="+f.Value.String())
	})
	return strings.Join(parts, " ")
}

// parseOverrides turns key=value pairs into executor option overrides.
// Values that decode as YAML booleans or numbers keep that type, so
// "minify=true" is a bool and "retries=3" an int. Anything else is a string.
func parseOverrides(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(args))
	for _, a := range args {
		key, raw, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --args %q: want key=value", a)
		}
		out[key] = raw
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err == nil {
			switch v.(type) {
			case bool, int, float64:
				out[key] = v
			}
		}
	}
	return out, nil
}

// targetRules returns the default dependency rules per target name.
func targetRules(cfg workspace.Config) map[string][]graph.DependsOnRule {
	rules := make(map[string][]graph.DependsOnRule, len(cfg.TargetDefaults))
	for name, d := range cfg.TargetDefaults {
		if len(d.DependsOn) > 0 {
			rules[name] = d.DependsOn
		}
	}
	return rules
}

// runTarget runs opts.target for projects over the full graph g. A nil
// summary with a nil error means no project defines the target.
func (s *session) runTarget(ctx context.Context, g *graph.ProjectGraph, projects []string, opts runOptions, command string) (*orchestrator.Summary, error) {
	log := s.app.log()
	requests := make([]taskgraph.Target, 0, len(projects))
	for _, p := range projects {
		requests = append(requests, taskgraph.Target{Project: p, Target: opts.target, Configuration: opts.configuration})
	}
	if len(requests) == 0 {
		fmt.Fprintf(s.app.stdout, "No projects to run for target %s\n", opts.target)
		return nil, nil
	}

	overrides, err := parseOverrides(opts.args)
	if err != nil {
		return nil, err
	}
	tg, err := taskgraph.NewCreator(g, targetRules(s.ws.Config)).Create(requests, overrides)
	if err != nil {
		return nil, err
	}

	c, err := s.openCache(ctx)
	if err != nil {
		return nil, err
	}
	hist := s.openHistory()

	parallel := opts.parallel
	if parallel <= 0 {
		parallel = s.ws.Config.Parallel
	}
	o, err := orchestrator.New(orchestrator.Options{
		Parallel:  parallel,
		SkipCache: opts.skipCache || envBool("MERIDIAN_SKIP_CACHE"),
		Cacheable: func(t *taskgraph.Task) bool {
			return s.ws.IsCacheable(t.Target.Project, t.Target.Target)
		},
		Hasher:    hasher.New(g, s.ws, hasher.WithLogger(log)),
		Cache:     c,
		Executors: executor.NewRegistry(s.ws, log),
		Durations: durationSource(hist),
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	text := reporter.NewText(s.app.stdout, reporter.OutputStyle(opts.output), reporter.IsTerminal(s.app.stdout))
	events := o.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		text.Consume(events)
	}()

	summary, runErr := o.Run(ctx, tg)
	<-done
	if summary == nil {
		return nil, runErr
	}
	text.Summary(opts.target, summary)

	if hist != nil {
		s.record(hist, command, summary, tg)
	}
	s.prune(c)

	if opts.summarize {
		path, err := reporter.WriteRunSummary(filepath.Join(s.ws.Root, runsDir), reporter.BuildRunSummary(command, tg, summary))
		if err != nil {
			log.Warn("run summary not written", slog.String("error", err.Error()))
		} else {
			fmt.Fprintf(s.app.stdout, "Run summary: %s\n", path)
		}
	}
	return summary, runErr
}

// durationSource avoids storing a typed nil in the interface.
func durationSource(h *history.Store) orchestrator.DurationSource {
	if h == nil {
		return nil
	}
	return h
}

// record stores the run in history. It uses a fresh context so an
// interrupted run is still recorded.
func (s *session) record(h *history.Store, command string, summary *orchestrator.Summary, tg *taskgraph.TaskGraph) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run := history.Run{
		ID:        summary.RunID,
		Command:   command,
		StartedAt: summary.Start,
		EndedAt:   summary.End,
		ExitCode:  summary.ExitCode(),
		Tasks:     len(summary.Results),
		Failed:    summary.Count(orchestrator.StatusFailure),
		CacheHits: summary.Count(orchestrator.StatusCacheHit),
	}
	tasks := make([]history.TaskRun, 0, len(summary.Results))
	for _, id := range tg.IDs() {
		res, ok := summary.Results[id]
		if !ok {
			continue
		}
		tasks = append(tasks, history.TaskRun{
			RunID:    summary.RunID,
			TaskID:   id,
			Target:   tg.Tasks[id].Target.Target,
			Hash:     res.Hash,
			Status:   string(res.Status),
			Code:     res.Code,
			Duration: res.Duration,
		})
	}
	log := s.app.log()
	if err := h.RecordRun(ctx, run, tasks); err != nil {
		log.Warn("run not recorded", slog.String("error", err.Error()))
		return
	}
	if n, err := h.Prune(ctx, historyKeep); err != nil {
		log.Warn("history prune failed", slog.String("error", err.Error()))
	} else if n > 0 {
		log.Debug("history pruned", slog.Int64("runs", n))
	}
}

// prune applies the cache limits after a run.
func (s *session) prune(c *cache.Cache) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	stats, err := c.RemoveOldCacheRecords(ctx)
	if err != nil {
		s.app.log().Warn("cache prune failed", slog.String("error", err.Error()))
		return
	}
	s.app.log().Debug("cache pruned", slog.String("stats", stats.String()))
}
