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
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/reporter"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
)

// graphDocument is written by graph when --targets is given.
type graphDocument struct {
	Graph     graph.View           `json:"graph"`
	TaskGraph *taskgraph.TaskGraph `json:"taskGraph"`
}

func newGraphCmd(a *app) *cobra.Command {
	var (
		touched       touchedOptions
		targets       []string
		configuration string
		file          string
		text          bool
	)
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the project graph",
		Long: `Print the project graph as JSON.

With --affected or a touched file source only the affected subgraph is
printed. With --targets the task graph for those targets over the printed
projects is included.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(0)
			if err != nil {
				return err
			}
			defer s.Close()

			full, sub, err := s.selectGraph(cmd.Context(), &touched)
			if err != nil {
				return err
			}

			var w io.Writer = a.stdout
			if file != "" {
				f, err := os.Create(file)
				if err != nil {
					return fmt.Errorf("create graph file: %w", err)
				}
				defer f.Close()
				w = f
			}

			if text {
				return graph.WriteText(w, sub)
			}
			if len(targets) == 0 {
				return graph.WriteJSON(w, sub)
			}

			var requests []taskgraph.Target
			for _, t := range targets {
				for _, p := range projectsWithTarget(sub, t) {
					requests = append(requests, taskgraph.Target{Project: p, Target: t, Configuration: configuration})
				}
			}
			tg := taskgraph.NewTaskGraph()
			if len(requests) > 0 {
				if tg, err = taskgraph.NewCreator(full, targetRules(s.ws.Config)).Create(requests, nil); err != nil {
					return err
				}
			}
			return reporter.WriteJSON(w, graphDocument{Graph: sub.ToView(), TaskGraph: tg})
		},
	}
	touched.addFlags(cmd.Flags(), true)
	cmd.Flags().StringSliceVar(&targets, "targets", nil, "include the task graph for these targets")
	cmd.Flags().StringVarP(&configuration, "configuration", "c", "", "target configuration for --targets")
	cmd.Flags().StringVar(&file, "file", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&text, "text", false, "print one line per edge instead of JSON")
	return cmd
}
