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
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/meridian/services/build/history"
	"github.com/AleutianAI/meridian/services/build/reporter"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs, or the tasks of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(0)
			if err != nil {
				return err
			}
			defer s.Close()

			h, err := history.Open(filepath.Join(s.ws.CacheDir(), history.FileName))
			if err != nil {
				return err
			}
			defer h.Close()
			ctx := cmd.Context()

			if len(args) == 1 {
				run, tasks, err := h.GetRun(ctx, args[0])
				if errors.Is(err, history.ErrNotFound) {
					return fmt.Errorf("run %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if asJSON {
					return reporter.WriteJSON(a.stdout, struct {
						Run   history.Run       `json:"run"`
						Tasks []history.TaskRun `json:"tasks"`
					}{run, tasks})
				}
				fmt.Fprintf(a.stdout, "%s  %s  exit %d  %s\n", run.ID, run.Command, run.ExitCode, run.Duration().Round(time.Millisecond))
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TASK\tSTATUS\tCODE\tDURATION")
				for _, t := range tasks {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.TaskID, t.Status, t.Code, t.Duration.Round(time.Millisecond))
				}
				return tw.Flush()
			}

			runs, err := h.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				if runs == nil {
					runs = []history.Run{}
				}
				return reporter.WriteJSON(a.stdout, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.stdout, "No runs recorded")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tTASKS\tFAILED\tCACHED\tEXIT\tCOMMAND")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.ID, humanize.Time(r.StartedAt), r.Duration().Round(time.Millisecond),
					r.Tasks, r.Failed, r.CacheHits, r.ExitCode, r.Command)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
