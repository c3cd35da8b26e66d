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
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/meridian/services/build/hasher"
	"github.com/AleutianAI/meridian/services/build/reporter"
	"github.com/AleutianAI/meridian/services/build/taskgraph"
)

// hashDocument is printed by hash --json.
type hashDocument struct {
	TaskID  string                `json:"taskId"`
	Hash    string                `json:"hash"`
	Details taskgraph.HashDetails `json:"details"`
}

func newHashCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "hash <project:target[:configuration]>",
		Short: "Print the hash of a task and the inputs behind it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := taskgraph.ParseTarget(args[0])
			if err != nil {
				return err
			}
			s, err := a.openSession(0)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			g, err := s.projectGraph(ctx)
			if err != nil {
				return err
			}
			tg, err := taskgraph.NewCreator(g, targetRules(s.ws.Config)).Create([]taskgraph.Target{target}, nil)
			if err != nil {
				return err
			}
			task := tg.Tasks[target.ID()]
			h, err := hasher.New(g, s.ws, hasher.WithLogger(a.log())).HashTask(ctx, task)
			if err != nil {
				return err
			}

			if asJSON {
				return reporter.WriteJSON(a.stdout, hashDocument{TaskID: task.ID, Hash: h.Value, Details: h.Details})
			}
			fmt.Fprintf(a.stdout, "%s %s\n", task.ID, h.Value)
			fmt.Fprintf(a.stdout, "  command  %s\n", h.Details.Command)
			printSection(a, "nodes", h.Details.Nodes)
			printSection(a, "implicit", h.Details.ImplicitDeps)
			printSection(a, "runtime", h.Details.Runtime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printSection(a *app, title string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(a.stdout, "  %s\n", title)
	for _, k := range keys {
		fmt.Fprintf(a.stdout, "    %s %s\n", k, m[k])
	}
}
