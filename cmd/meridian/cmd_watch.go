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
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/meridian/services/build/affected"
	"github.com/AleutianAI/meridian/services/build/watch"
	"github.com/AleutianAI/meridian/services/build/workspace"
)

// watchGCInterval runs value log GC on the graph store while watching.
const watchGCInterval = 10 * time.Minute

// watchOptions are the flags of watch beyond runOptions.
type watchOptions struct {
	debounce    time.Duration
	minInterval time.Duration
	ignore      []string
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		opts  runOptions
		wopts watchOptions
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run a target for the affected projects whenever files change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(watchGCInterval)
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.watch(cmd.Context(), opts, wopts, commandLine(cmd))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().DurationVar(&wopts.debounce, "debounce", watch.DefaultDebounce, "quiet period before a change is handled")
	cmd.Flags().DurationVar(&wopts.minInterval, "min-interval", watch.DefaultMinInterval, "minimum time between two runs")
	cmd.Flags().StringSliceVar(&wopts.ignore, "ignore", nil, "extra glob patterns to ignore")
	return cmd
}

// watchExcludes are the patterns never reported by the watcher.
func (s *session) watchExcludes(extra []string) []string {
	excludes := slices.Clone(s.ws.Config.Sources.Exclude)
	excludes = append(excludes, ".git/**", ".meridian/**")
	if rel, err := filepath.Rel(s.ws.Root, s.ws.CacheDir()); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		excludes = append(excludes, filepath.ToSlash(rel)+"/**")
	}
	return append(excludes, extra...)
}

// watch runs opts.target for the projects affected by each batch of
// changes until ctx is done.
func (s *session) watch(ctx context.Context, opts runOptions, wopts watchOptions, command string) error {
	w, err := watch.New(watch.Options{
		Root:        s.ws.Root,
		Exclude:     s.watchExcludes(wopts.ignore),
		Debounce:    wopts.debounce,
		MinInterval: wopts.minInterval,
		Logger:      s.app.log(),
	})
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Fprintf(s.app.stdout, "Watching %s for changes (target %s)\n", s.ws.Root, opts.target)
	return w.Run(ctx, func(ctx context.Context, changed []string) error {
		return s.onChange(ctx, opts, changed, command)
	})
}

// onChange handles one batch of changed files.
func (s *session) onChange(ctx context.Context, opts runOptions, changed []string, command string) error {
	log := s.app.log()
	if slices.Contains(changed, workspace.ConfigFileName) {
		ws, err := workspace.Load(s.ws.Root)
		if err != nil {
			log.Error("workspace reload failed", slog.String("error", err.Error()))
			return nil
		}
		s.ws = ws
	}

	full, err := s.projectGraph(ctx)
	if err != nil {
		return err
	}
	touched := affected.FilesFromList(s.ws.Root, changed)
	sub, err := affected.NewFilter(s.ws, affected.WithLogger(log)).FilterAffected(full, touched)
	if err != nil {
		return err
	}
	projects := projectsWithTarget(sub, opts.target)
	if len(projects) == 0 {
		log.Debug("no affected projects", slog.Int("files", len(changed)))
		return nil
	}

	fmt.Fprintf(s.app.stdout, "\n%d file(s) changed, running %s for %d project(s)\n", len(changed), opts.target, len(projects))
	_, err = s.runTarget(ctx, full, projects, opts, command)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
